package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/yieldmover/internal/analyzer"
	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/guard"
	"github.com/elys-network/yieldmover/internal/notify"
	"github.com/elys-network/yieldmover/internal/state"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedCost struct{ usd float64 }

func (f fixedCost) EstimateCost(_ context.Context, chain types.ChainID, op types.OperationType, _ *float64) (types.CostEstimate, error) {
	return types.CostEstimate{Chain: chain, Operation: op, CostUSD: f.usd, Source: "test"}, nil
}

type fakeMarkets struct {
	markets []types.MarketSnapshot
	err     error
}

func (f *fakeMarkets) GetMarkets(context.Context, string) ([]types.MarketSnapshot, error) {
	return f.markets, f.err
}

type fakeExecutor struct {
	mu          sync.Mutex
	calls       []types.Step
	validations int
	invalid     bool
	fail        func(call int, step types.Step) bool
	onExecute   func(call int)
}

func (f *fakeExecutor) ExecuteStep(_ context.Context, step types.Step) (types.StepResult, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, step)
	fail, hook := f.fail, f.onExecute
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail != nil && fail(call, step) {
		return types.StepResult{Success: false, Error: "execution reverted"}, nil
	}
	return types.StepResult{Success: true, TxHash: fmt.Sprintf("0x%04d", call)}, nil
}

func (f *fakeExecutor) ValidateExecution(context.Context, types.ExecutionParams) (types.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	if f.invalid {
		return types.ValidationResult{Valid: false, Errors: []string{"insufficient allowance"}}, nil
	}
	return types.ValidationResult{Valid: true}, nil
}

func (f *fakeExecutor) ops() []types.OperationType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OperationType, len(f.calls))
	for i, s := range f.calls {
		out[i] = s.Operation()
	}
	return out
}

type sentAlert struct {
	title    string
	severity notify.Severity
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []sentAlert
}

func (s *recordingSink) SendAlert(_ context.Context, title, _ string, severity notify.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, sentAlert{title: title, severity: severity})
	return nil
}

func (s *recordingSink) count(severity notify.Severity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.severity == severity {
			n++
		}
	}
	return n
}

func (s *recordingSink) titles(severity notify.Severity) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.alerts {
		if a.severity == severity {
			out = append(out, a.title)
		}
	}
	return out
}

type fixture struct {
	orch    *Orchestrator
	store   *state.MemoryStore
	markets *fakeMarkets
	exec    *fakeExecutor
	breaker *guard.CircuitBreaker
	sink    *recordingSink
}

type fixtureOption func(*Config)

func withDryRun() fixtureOption {
	return func(c *Config) { c.DryRun = true }
}

func withParams(mutate func(*types.RebalanceParameters)) fixtureOption {
	return func(c *Config) { mutate(&c.Params) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		store:   state.NewMemoryStore(),
		markets: &fakeMarkets{},
		exec:    &fakeExecutor{},
		sink:    &recordingSink{},
	}
	f.breaker = guard.NewCircuitBreaker(5, guard.WithTripHandler(TripAlerter(f.sink, nil)))

	params := config.DefaultRebalanceParameters
	params.StepDelay = 0
	params.UserConcurrency = 3

	cfg := Config{
		Positions:   f.store,
		Preferences: f.store,
		Recorder:    f.store,
		Markets:     f.markets,
		Analyzer:    analyzer.NewProfitabilityAnalyzer(fixedCost{usd: 5}),
		Executor:    f.exec,
		Guard:       f.breaker,
		Notifier:    f.sink,
		Params:      params,
		Enabled:     true,
		Now:         func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) enable(t *testing.T, user string) {
	t.Helper()
	require.NoError(t, f.store.EnableAutomation(context.Background(), user, types.Preferences{
		MinImprovement:    0.02,
		MaxGasCostPercent: 0.01,
		RiskTolerance:     0.5,
	}))
}

func usdcPosition(id, user string, apy float64) types.Position {
	return types.Position{
		ID:         id,
		Owner:      user,
		Protocol:   "aave-v3",
		Chain:      types.ChainEthereum,
		MarketID:   "aave-v3-usdc",
		Asset:      "USDC",
		Amount:     sdkmath.NewIntWithDecimal(100_000, 6),
		Decimals:   6,
		EntryPrice: 1,
		CurrentAPY: apy,
		EnteredAt:  testNow.Add(-30 * 24 * time.Hour),
		Status:     types.PositionOpen,
	}
}

func usdcMarket(protocol string, chain types.ChainID, apy float64) types.MarketSnapshot {
	return types.MarketSnapshot{
		Protocol:     protocol,
		Chain:        chain,
		MarketID:     protocol + "-usdc",
		Asset:        "USDC",
		SupplyAPY:    apy,
		TVLUSD:       50_000_000,
		Utilization:  0.6,
		LiquidityUSD: 20_000_000,
		Volatility:   0.05,
		RiskScore:    0.2,
		UpdatedAt:    testNow,
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	store := state.NewMemoryStore()
	_, err := NewOrchestrator(Config{Positions: store, Preferences: store})
	assert.Error(t, err)

	_, err = NewOrchestrator(Config{
		Positions:   store,
		Preferences: store,
		Markets:     &fakeMarkets{},
		Analyzer:    analyzer.NewProfitabilityAnalyzer(fixedCost{}),
		Guard:       guard.NewCircuitBreaker(5),
		Params:      config.DefaultRebalanceParameters,
	})
	assert.Error(t, err, "a live orchestrator needs an executor")

	_, err = NewOrchestrator(Config{
		Positions:   store,
		Preferences: store,
		Markets:     &fakeMarkets{},
		Analyzer:    analyzer.NewProfitabilityAnalyzer(fixedCost{}),
		Guard:       guard.NewCircuitBreaker(5),
		Params:      config.DefaultRebalanceParameters,
		DryRun:      true,
	})
	assert.NoError(t, err)
}

func TestRunCycleExecutesProfitableMove(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{
		usdcMarket("aave-v3", types.ChainEthereum, 3.0), // the position's own market
		usdcMarket("morpho-blue", types.ChainEthereum, 8.0),
	}

	summary := f.orch.RunCycle(context.Background())

	assert.Equal(t, 1, summary.UsersScanned)
	assert.Equal(t, 1, summary.PositionsAnalyzed)
	assert.Equal(t, 1, summary.CandidatesFound)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.InDelta(t, 0.05, summary.AverageImprovement, 1e-9)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.ExecutionSucceeded, summary.Outcomes[0].Status)
	assert.Equal(t, "morpho-blue", summary.Outcomes[0].ToProtocol)

	assert.Equal(t, []types.OperationType{types.OpWithdraw, types.OpApprove, types.OpDeposit}, f.exec.ops())
	assert.Equal(t, 1, f.exec.validations)

	old, ok := f.store.Position("p1")
	require.True(t, ok)
	assert.False(t, old.IsOpen())

	open, err := f.store.GetUserPositions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, summary.Outcomes[0].NewPositionID, open[0].ID)
	assert.Equal(t, "morpho-blue", open[0].Protocol)
	assert.Equal(t, 8.0, open[0].CurrentAPY)
	assert.Equal(t, "p1", open[0].Metadata["previous_position_id"])

	receipts := f.store.Receipts()
	require.Len(t, receipts, 3)
	for _, r := range receipts {
		assert.True(t, r.Success)
		assert.False(t, r.NeedsManualIntervention)
		assert.Equal(t, summary.CycleID, r.CycleID)
	}

	assert.Equal(t, []string{"Rebalance executed"}, f.sink.titles(notify.SeveritySuccess))
	cycles, err := f.store.RecentCycles(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, summary.CycleID, cycles[0].CycleID)
}

func TestRunCycleDryRunNeverExecutes(t *testing.T) {
	f := newFixture(t, withDryRun())
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}

	summary := f.orch.RunCycle(context.Background())

	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.ExecutionDryRun, summary.Outcomes[0].Status)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Empty(t, f.exec.ops())
	assert.Equal(t, 0, f.exec.validations)
	assert.Contains(t, f.sink.titles(notify.SeverityInfo), "Dry run: would rebalance")

	pos, _ := f.store.Position("p1")
	assert.True(t, pos.IsOpen())
}

func TestDryRunSelectsSameMovesAsLive(t *testing.T) {
	setup := func(f *fixture) {
		for i, apy := range []float64{2.5, 0.5, 4.0, 1.0} {
			user := fmt.Sprintf("user%d", i)
			f.enable(t, user)
			f.store.PutPosition(usdcPosition(fmt.Sprintf("p%d", i), user, apy))
		}
		f.markets.markets = []types.MarketSnapshot{
			usdcMarket("morpho-blue", types.ChainEthereum, 8.0),
			usdcMarket("spark", types.ChainArbitrum, 7.0),
		}
	}

	live := newFixture(t, withParams(func(p *types.RebalanceParameters) { p.MaxExecutionsPerCycle = 3 }))
	setup(live)
	dry := newFixture(t, withDryRun(), withParams(func(p *types.RebalanceParameters) { p.MaxExecutionsPerCycle = 3 }))
	setup(dry)

	liveSummary := live.orch.RunCycle(context.Background())
	drySummary := dry.orch.RunCycle(context.Background())

	moves := func(s types.CycleSummary) []string {
		var out []string
		for _, o := range s.Outcomes {
			out = append(out, o.PositionID+"->"+o.ToProtocol)
		}
		return out
	}
	assert.Equal(t, liveSummary.CandidatesFound, drySummary.CandidatesFound)
	assert.Equal(t, moves(liveSummary), moves(drySummary))
	assert.Equal(t, []string{"p1->morpho-blue", "p3->morpho-blue", "p0->morpho-blue"}, moves(liveSummary))
	assert.Empty(t, dry.exec.ops())
}

func TestRunCycleExecutesOnlyTopK(t *testing.T) {
	f := newFixture(t, withDryRun())
	for i, apy := range []float64{3.5, 3.0, 2.5, 2.0, 1.5, 1.0, 0.5} {
		user := fmt.Sprintf("user%d", i)
		f.enable(t, user)
		f.store.PutPosition(usdcPosition(fmt.Sprintf("p%d", i), user, apy))
	}
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}

	summary := f.orch.RunCycle(context.Background())

	assert.Equal(t, 7, summary.CandidatesFound)
	require.Len(t, summary.Outcomes, 5)
	var ids []string
	for _, o := range summary.Outcomes {
		ids = append(ids, o.PositionID)
	}
	assert.Equal(t, []string{"p6", "p5", "p4", "p3", "p2"}, ids)
}

func TestRunCycleMovesEachPositionOnce(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{
		usdcMarket("spark", types.ChainEthereum, 6.0),
		usdcMarket("morpho-blue", types.ChainEthereum, 9.0),
	}

	summary := f.orch.RunCycle(context.Background())

	assert.Equal(t, 2, summary.CandidatesFound)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "morpho-blue", summary.Outcomes[0].ToProtocol)
}

func TestRunCycleRejectsUnprofitableAndFilteredMarkets(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))

	stale := usdcMarket("spark", types.ChainEthereum, 9.0)
	stale.UpdatedAt = testNow.Add(-3 * time.Hour)
	busy := usdcMarket("euler-v2", types.ChainEthereum, 9.0)
	busy.Utilization = 0.97
	shallow := usdcMarket("compound-v3", types.ChainEthereum, 9.0)
	shallow.LiquidityUSD = 50_000
	small := usdcMarket("morpho-blue", types.ChainEthereum, 4.0) // below min improvement
	other := usdcMarket("pendle", types.ChainEthereum, 12.0)
	other.Asset = "WETH"
	f.markets.markets = []types.MarketSnapshot{stale, busy, shallow, small, other}

	summary := f.orch.RunCycle(context.Background())

	assert.Equal(t, 0, summary.CandidatesFound)
	assert.Empty(t, summary.Outcomes)
	assert.Empty(t, f.exec.ops())
}

func TestFailedMoveDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.enable(t, "bob")
	f.store.PutPosition(usdcPosition("pa", "alice", 1.0)) // ranked first
	f.store.PutPosition(usdcPosition("pb", "bob", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}
	f.exec.fail = func(call int, _ types.Step) bool { return call == 0 }

	summary := f.orch.RunCycle(context.Background())

	require.Len(t, summary.Outcomes, 2)
	assert.Equal(t, "alice", summary.Outcomes[0].User)
	assert.Equal(t, types.ExecutionFailed, summary.Outcomes[0].Status)
	assert.Equal(t, "bob", summary.Outcomes[1].User)
	assert.Equal(t, types.ExecutionSucceeded, summary.Outcomes[1].Status)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)

	assert.Equal(t, 1, f.breaker.Failures("alice"))
	assert.Equal(t, 0, f.breaker.Failures("bob"))
	assert.Equal(t, []string{"Rebalance failed"}, f.sink.titles(notify.SeverityWarning))
	assert.Zero(t, f.sink.count(notify.SeverityCritical))

	pos, _ := f.store.Position("pa")
	assert.True(t, pos.IsOpen(), "failed move keeps the original position")
}

func TestPartialMoveRequiresManualIntervention(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("spark", types.ChainArbitrum, 8.0)}
	f.exec.fail = func(_ int, step types.Step) bool { return step.Operation() == types.OpBridge }

	summary := f.orch.RunCycle(context.Background())

	require.Len(t, summary.Outcomes, 1)
	outcome := summary.Outcomes[0]
	assert.Equal(t, types.ExecutionPartial, outcome.Status)
	assert.Equal(t, 1, summary.Partial)
	assert.Equal(t, []types.OperationType{types.OpWithdraw, types.OpBridge}, f.exec.ops(), "no step runs after the failure")

	receipts := f.store.Receipts()
	require.Len(t, receipts, 2)
	assert.True(t, receipts[0].Success)
	assert.False(t, receipts[1].Success)
	for _, r := range receipts {
		assert.True(t, r.NeedsManualIntervention)
	}

	assert.Equal(t, []string{"Manual intervention required"}, f.sink.titles(notify.SeverityCritical))
	assert.Equal(t, 1, f.breaker.Failures("alice"))

	pos, _ := f.store.Position("p1")
	assert.True(t, pos.IsOpen(), "partial moves are not committed to the store")
}

func TestValidationFailureDropsSilently(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}
	f.exec.invalid = true

	summary := f.orch.RunCycle(context.Background())

	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, types.ExecutionSkipped, summary.Outcomes[0].Status)
	assert.Equal(t, 0, summary.Executed)
	assert.Empty(t, f.exec.ops())
	assert.Zero(t, f.breaker.Failures("alice"))
	assert.Zero(t, f.sink.count(notify.SeverityWarning))
	assert.Zero(t, f.sink.count(notify.SeverityCritical))
}

func TestExecutorPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.enable(t, "bob")
	f.store.PutPosition(usdcPosition("pa", "alice", 1.0))
	f.store.PutPosition(usdcPosition("pb", "bob", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}
	f.exec.onExecute = func(call int) {
		if call == 0 {
			panic("relayer client bug")
		}
	}

	var summary types.CycleSummary
	require.NotPanics(t, func() { summary = f.orch.RunCycle(context.Background()) })

	require.Len(t, summary.Outcomes, 2)
	assert.Equal(t, types.ExecutionFailed, summary.Outcomes[0].Status)
	assert.Equal(t, types.ExecutionSucceeded, summary.Outcomes[1].Status)
	assert.Equal(t, 1, f.breaker.Failures("alice"))
}

func TestTrippedUserIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}
	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure("alice")
	}
	require.True(t, f.breaker.IsTripped("alice"))

	summary := f.orch.RunCycle(context.Background())

	assert.Equal(t, 1, summary.UsersBlocked)
	assert.Equal(t, 0, summary.CandidatesFound)
	assert.Empty(t, f.exec.ops())
	assert.Equal(t, []string{"Circuit breaker tripped"}, f.sink.titles(notify.SeverityWarning))
}

func TestRepeatedFailuresTripTheBreaker(t *testing.T) {
	f := newFixture(t)
	f.breaker = guard.NewCircuitBreaker(2, guard.WithTripHandler(TripAlerter(f.sink, nil)))
	f.orch.guard = f.breaker
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}
	f.exec.fail = func(int, types.Step) bool { return true }

	f.orch.RunCycle(context.Background())
	assert.False(t, f.breaker.IsTripped("alice"))
	f.orch.RunCycle(context.Background())
	assert.True(t, f.breaker.IsTripped("alice"))

	third := f.orch.RunCycle(context.Background())
	assert.Equal(t, 1, third.UsersBlocked)
	assert.Len(t, f.exec.ops(), 2)
	assert.Contains(t, f.sink.titles(notify.SeverityWarning), "Circuit breaker tripped")
}

func TestStopInterruptsStepDelay(t *testing.T) {
	f := newFixture(t, withParams(func(p *types.RebalanceParameters) { p.StepDelay = time.Hour }))
	f.enable(t, "alice")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.exec.onExecute = func(call int) {
		if call == 0 {
			cancel()
		}
	}

	done := make(chan types.CycleSummary, 1)
	go func() { done <- f.orch.RunCycle(ctx) }()

	select {
	case summary := <-done:
		require.Len(t, summary.Outcomes, 1)
		assert.Equal(t, types.ExecutionPartial, summary.Outcomes[0].Status)
		assert.Equal(t, []types.OperationType{types.OpWithdraw}, f.exec.ops())
		assert.Equal(t, 1, f.sink.count(notify.SeverityCritical))
		assert.True(t, summary.Outcomes[0].Receipts[0].NeedsManualIntervention)
		assert.Equal(t, 0, f.breaker.Failures("alice"), "a stop is not counted against the user")
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not return after cancellation")
	}
}

func TestStepsArePacedAcrossMoves(t *testing.T) {
	const delay = 20 * time.Millisecond
	f := newFixture(t, withParams(func(p *types.RebalanceParameters) { p.StepDelay = delay }))
	f.enable(t, "alice")
	f.enable(t, "bob")
	f.store.PutPosition(usdcPosition("p1", "alice", 3.0))
	f.store.PutPosition(usdcPosition("p2", "bob", 3.0))
	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}

	var mu sync.Mutex
	var calls []time.Time
	f.exec.onExecute = func(int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
	}

	start := time.Now()
	summary := f.orch.RunCycle(context.Background())
	require.Equal(t, 2, summary.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 6, "two same-chain moves of three steps each")
	assert.Less(t, calls[0].Sub(start), delay, "the first step of the cycle is not delayed")
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), delay, "step %d ran too early", i)
	}
}

func TestMarketFailureStillRecordsSummary(t *testing.T) {
	f := newFixture(t)
	f.enable(t, "alice")
	f.markets.err = errors.New("defillama unavailable")

	summary := f.orch.RunCycle(context.Background())

	assert.Equal(t, 1, summary.UsersScanned)
	assert.Equal(t, 0, summary.CandidatesFound)
	cycles, err := f.store.RecentCycles(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
	assert.Contains(t, f.sink.titles(notify.SeverityInfo), "Rebalance cycle complete")
}

func TestCycleNumbersIncrease(t *testing.T) {
	f := newFixture(t)
	first := f.orch.RunCycle(context.Background())
	second := f.orch.RunCycle(context.Background())
	assert.Equal(t, first.CycleNumber+1, second.CycleNumber)
	assert.NotEqual(t, first.CycleID, second.CycleID)
	assert.Equal(t, 2, f.orch.GetStatus().CyclesRun)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, withParams(func(p *types.RebalanceParameters) { p.ScanInterval = time.Hour }))

	require.NoError(t, f.orch.Start(context.Background()))
	require.NoError(t, f.orch.Start(context.Background()))
	assert.True(t, f.orch.GetStatus().Running)

	require.Eventually(t, func() bool { return f.orch.State().CyclesRun() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.orch.State().CyclesRun(), "a second start must not launch another loop")

	f.orch.Stop()
	assert.False(t, f.orch.GetStatus().Running)
	select {
	case <-f.orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after stop")
	}

	f.orch.Stop() // no-op
}

func TestStartWhenDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Enabled = false })
	assert.ErrorIs(t, f.orch.Start(context.Background()), ErrAutomationDisabled)
	assert.False(t, f.orch.GetStatus().Running)
}

func TestEmergencyStopBlocksEveryUser(t *testing.T) {
	f := newFixture(t, withParams(func(p *types.RebalanceParameters) { p.ScanInterval = time.Hour }))
	for _, user := range []string{"alice", "bob", "carol"} {
		f.enable(t, user)
		f.store.PutPosition(usdcPosition("p-"+user, user, 3.0))
	}

	require.NoError(t, f.orch.Start(context.Background()))
	require.Eventually(t, func() bool { return f.orch.State().CyclesRun() == 1 }, 2*time.Second, 5*time.Millisecond)

	blocked := f.orch.EmergencyStop(context.Background())

	assert.Equal(t, []string{"alice", "bob", "carol"}, blocked)
	status := f.orch.GetStatus()
	assert.False(t, status.Running)
	assert.Equal(t, 3, status.ActiveUserCount)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, status.TrippedUsers)
	assert.Equal(t, 1, f.sink.count(notify.SeverityCritical))

	f.markets.markets = []types.MarketSnapshot{usdcMarket("morpho-blue", types.ChainEthereum, 8.0)}
	summary := f.orch.RunCycle(context.Background())
	assert.Equal(t, 3, summary.UsersBlocked)
	assert.Empty(t, f.exec.ops())

	f.orch.ResetGuard()
	assert.Empty(t, f.orch.GetStatus().TrippedUsers)
}

func TestEnableAndDisableAutomation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	defaults := f.orch.DefaultPreferences()
	assert.Equal(t, config.DefaultRebalanceParameters.DefaultMinImprovement, defaults.MinImprovement)
	assert.Equal(t, config.DefaultRebalanceParameters.DefaultMaxGasCostPercent, defaults.MaxGasCostPercent)

	defaults.RiskTolerance = 0.3
	require.NoError(t, f.orch.EnableAutomation(ctx, "alice", defaults))
	prefs := f.orch.State().Preferences()["alice"]
	assert.Equal(t, config.DefaultRebalanceParameters.DefaultMinImprovement, prefs.MinImprovement)
	assert.Equal(t, 0.3, prefs.RiskTolerance)
	assert.Equal(t, 1, f.orch.GetStatus().ActiveUserCount)

	users, err := f.store.LoadEnabledUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, f.orch.DisableAutomation(ctx, "alice"))
	assert.Equal(t, 0, f.orch.GetStatus().ActiveUserCount)
	assert.ErrorIs(t, f.orch.EnableAutomation(ctx, "", types.Preferences{}), ErrInvalidUser)
	assert.ErrorIs(t, f.orch.EnableAutomation(ctx, "bob", types.Preferences{MinImprovement: -0.01}), ErrInvalidPreferences)
}

func TestEnableAutomationKeepsZeroThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.EnableAutomation(ctx, "alice", types.Preferences{MinImprovement: 0, MaxGasCostPercent: 0}))

	prefs := f.orch.State().Preferences()["alice"]
	assert.Equal(t, 0.0, prefs.MinImprovement)
	assert.Equal(t, 0.0, prefs.MaxGasCostPercent)

	users, err := f.store.LoadEnabledUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 0.0, users[0].Preferences.MinImprovement)
}

func TestRecentCyclesWithoutRecorder(t *testing.T) {
	store := state.NewMemoryStore()
	orch, err := NewOrchestrator(Config{
		Positions:   store,
		Preferences: store,
		Markets:     &fakeMarkets{},
		Analyzer:    analyzer.NewProfitabilityAnalyzer(fixedCost{}),
		Guard:       guard.NewCircuitBreaker(5),
		Params:      config.DefaultRebalanceParameters,
		DryRun:      true,
	})
	require.NoError(t, err)

	cycles, err := orch.RecentCycles(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, cycles)

	summary := orch.RunCycle(context.Background())
	cycles, err = orch.RecentCycles(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, summary.CycleID, cycles[0].CycleID)
}
