package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elys-network/yieldmover/internal/datafetcher"
	"github.com/elys-network/yieldmover/internal/executor"
	"github.com/elys-network/yieldmover/internal/guard"
	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/metrics"
	"github.com/elys-network/yieldmover/internal/notify"
	"github.com/elys-network/yieldmover/internal/oracle"
	"github.com/elys-network/yieldmover/internal/state"
	"github.com/elys-network/yieldmover/internal/types"

	"github.com/rs/zerolog"
)

var (
	ErrAutomationDisabled = errors.New("automation is disabled")
	ErrInvalidUser        = errors.New("user cannot be empty")
	ErrInvalidPreferences = errors.New("invalid preferences")
)

const defaultScanInterval = 15 * time.Minute

// PlanEvaluator prices every step of a move and decides whether the move pays for itself.
type PlanEvaluator interface {
	EvaluatePlan(ctx context.Context, steps []types.Step, expectedYieldUSD, horizonHours float64) types.Verdict
}

// Config holds the dependencies of an Orchestrator. Recorder, Prices, Notifier and Metrics are
// optional; Executor may be nil only in dry-run mode.
type Config struct {
	Positions   state.PositionStore
	Preferences state.PreferencesStore
	Recorder    state.CycleRecorder
	Markets     datafetcher.MarketSource
	Analyzer    PlanEvaluator
	Prices      oracle.PriceSource
	Executor    executor.TransactionExecutor
	Guard       guard.Guard
	Notifier    notify.Sink
	Metrics     *metrics.Metrics

	Params  types.RebalanceParameters
	Enabled bool
	DryRun  bool
	Now     func() time.Time
}

// Orchestrator runs the periodic scan cycle and exposes the operational controls.
type Orchestrator struct {
	logger zerolog.Logger

	positions   state.PositionStore
	preferences state.PreferencesStore
	recorder    state.CycleRecorder
	markets     datafetcher.MarketSource
	analyzer    PlanEvaluator
	prices      oracle.PriceSource
	executor    executor.TransactionExecutor
	guard       guard.Guard
	notifier    notify.Sink
	metrics     *metrics.Metrics

	params  types.RebalanceParameters
	enabled bool
	dryRun  bool
	now     func() time.Time

	state *OrchestratorState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Serializes scan cycles; a cycle started by the API never overlaps the loop.
	cycleMu    sync.Mutex
	cycleCount int
}

// Status is the operator view returned by GetStatus.
type Status struct {
	Enabled         bool       `json:"enabled"`
	Running         bool       `json:"running"`
	DryRun          bool       `json:"dry_run"`
	ActiveUserCount int        `json:"active_user_count"`
	TrippedUsers    []string   `json:"tripped_users"`
	CyclesRun       int        `json:"cycles_run"`
	LastCycleID     string     `json:"last_cycle_id,omitempty"`
	LastCycleAt     *time.Time `json:"last_cycle_at,omitempty"`
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("orchestrator configuration validation failed: %w", err)
	}

	params := cfg.Params
	if params.ScanInterval <= 0 {
		params.ScanInterval = defaultScanInterval
	}
	if params.UserConcurrency <= 0 {
		params.UserConcurrency = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	o := &Orchestrator{
		logger:      logger.GetForComponent("orchestrator"),
		positions:   cfg.Positions,
		preferences: cfg.Preferences,
		recorder:    cfg.Recorder,
		markets:     cfg.Markets,
		analyzer:    cfg.Analyzer,
		prices:      cfg.Prices,
		executor:    cfg.Executor,
		guard:       cfg.Guard,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		params:      params,
		enabled:     cfg.Enabled,
		dryRun:      cfg.DryRun,
		now:         now,
		state:       NewOrchestratorState(),
	}

	o.logger.Info().
		Bool("enabled", o.enabled).
		Bool("dryRun", o.dryRun).
		Dur("scanInterval", params.ScanInterval).
		Int("maxExecutionsPerCycle", params.MaxExecutionsPerCycle).
		Msg("Orchestrator created")

	return o, nil
}

func validateConfig(cfg Config) error {
	if cfg.Positions == nil {
		return fmt.Errorf("position store cannot be nil")
	}
	if cfg.Preferences == nil {
		return fmt.Errorf("preferences store cannot be nil")
	}
	if cfg.Markets == nil {
		return fmt.Errorf("market source cannot be nil")
	}
	if cfg.Analyzer == nil {
		return fmt.Errorf("profitability analyzer cannot be nil")
	}
	if cfg.Guard == nil {
		return fmt.Errorf("guard cannot be nil")
	}
	if cfg.Executor == nil && !cfg.DryRun {
		return fmt.Errorf("transaction executor is required unless dry-run is enabled")
	}
	if cfg.Params.AnalysisHorizonHours <= 0 {
		return fmt.Errorf("analysis horizon must be positive")
	}
	return nil
}

// State exposes the in-process user state.
func (o *Orchestrator) State() *OrchestratorState {
	return o.state
}

// Start launches the scan loop. Starting while already running only logs a warning.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.enabled {
		return ErrAutomationDisabled
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		o.logger.Warn().Msg("Orchestrator already running, start ignored")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.running = true
	o.cancel = cancel
	o.done = done

	go func() {
		defer close(done)
		defer cancel()
		o.RunLoop(loopCtx, o.params.ScanInterval)

		o.mu.Lock()
		if o.done == done {
			o.running = false
		}
		o.mu.Unlock()
	}()

	o.logger.Info().Msg("Orchestrator started")
	return nil
}

// Stop cancels the scan loop without waiting for it. A cycle in flight finishes its current
// step and schedules nothing further.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		o.logger.Debug().Msg("Orchestrator not running, stop ignored")
		return
	}
	o.cancel()
	o.running = false
	o.logger.Info().Msg("Orchestrator stopped")
}

// Done is closed when the most recently started loop has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return o.done
}

// EmergencyStop halts the loop, blocks every known user until the guard is reset and sends one
// critical alert. It returns the users that were blocked.
func (o *Orchestrator) EmergencyStop(ctx context.Context) []string {
	o.Stop()

	seen := make(map[string]bool)
	for _, user := range o.state.Users() {
		seen[user] = true
	}
	if enabled, err := o.preferences.LoadEnabledUsers(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Emergency stop could not load enabled users, blocking known users only")
	} else {
		for _, u := range enabled {
			seen[u.User] = true
		}
	}
	for _, user := range o.guard.TrackedUsers() {
		seen[user] = true
	}

	users := make([]string, 0, len(seen))
	for user := range seen {
		users = append(users, user)
	}
	sort.Strings(users)

	o.guard.TripAll(users)
	o.metrics.SetTrippedUsers(len(o.guard.TrippedUsers()))

	o.logger.Error().Int("blockedUsers", len(users)).Msg("EMERGENCY STOP: automation halted, all users blocked")
	o.alert(ctx, "Emergency stop",
		fmt.Sprintf("Automation halted. %d users are blocked until the circuit breaker is reset.", len(users)),
		notify.SeverityCritical)

	return users
}

// ResetGuard clears every breaker, including an emergency-stop latch.
func (o *Orchestrator) ResetGuard() {
	o.guard.Reset()
	o.metrics.SetTrippedUsers(len(o.guard.TrippedUsers()))
	o.logger.Info().Msg("Circuit breakers reset by operator")
}

func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	tripped := o.guard.TrippedUsers()
	if tripped == nil {
		tripped = []string{}
	}

	status := Status{
		Enabled:         o.enabled,
		Running:         running,
		DryRun:          o.dryRun,
		ActiveUserCount: o.state.ActiveUserCount(),
		TrippedUsers:    tripped,
		CyclesRun:       o.state.CyclesRun(),
	}
	if last, ok := o.state.LastCycle(); ok {
		at := last.StartedAt
		status.LastCycleID = last.CycleID
		status.LastCycleAt = &at
	}
	return status
}

// DefaultPreferences are the thresholds a user gets for every value they do not set.
func (o *Orchestrator) DefaultPreferences() types.Preferences {
	return types.Preferences{
		MinImprovement:    o.params.DefaultMinImprovement,
		MaxGasCostPercent: o.params.DefaultMaxGasCostPercent,
	}
}

// EnableAutomation stores prefs for user as given and adds them to the active set. Zero thresholds
// are kept; callers start from DefaultPreferences to inherit the service defaults.
func (o *Orchestrator) EnableAutomation(ctx context.Context, user string, prefs types.Preferences) error {
	if user == "" {
		return ErrInvalidUser
	}
	if prefs.MinImprovement < 0 || prefs.MaxGasCostPercent < 0 || prefs.RiskTolerance < 0 || prefs.RiskTolerance > 1 || prefs.MinPositionAge < 0 {
		return fmt.Errorf("%w: thresholds cannot be negative and risk tolerance must be within [0,1]", ErrInvalidPreferences)
	}
	prefs.Owner = user
	prefs.AutomationEnabled = true

	if err := o.preferences.EnableAutomation(ctx, user, prefs); err != nil {
		return fmt.Errorf("failed to enable automation for %s: %w", user, err)
	}
	o.state.SetUser(user, prefs)
	o.logger.Info().Str("user", user).Float64("minImprovement", prefs.MinImprovement).Msg("Automation enabled")
	return nil
}

func (o *Orchestrator) DisableAutomation(ctx context.Context, user string) error {
	if user == "" {
		return ErrInvalidUser
	}
	if err := o.preferences.DisableAutomation(ctx, user); err != nil {
		return fmt.Errorf("failed to disable automation for %s: %w", user, err)
	}
	o.state.RemoveUser(user)
	o.logger.Info().Str("user", user).Msg("Automation disabled")
	return nil
}

// RecentCycles returns up to limit summaries, newest first. Without a recorder only the last
// in-process cycle is known.
func (o *Orchestrator) RecentCycles(ctx context.Context, limit int) ([]types.CycleSummary, error) {
	if o.recorder != nil {
		return o.recorder.RecentCycles(ctx, limit)
	}
	if last, ok := o.state.LastCycle(); ok && limit != 0 {
		return []types.CycleSummary{last}, nil
	}
	return []types.CycleSummary{}, nil
}

// RunLoop runs a cycle immediately and then on every tick until ctx is cancelled.
func (o *Orchestrator) RunLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	o.logger.Info().Dur("interval", interval).Msg("Starting orchestrator main loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run first cycle immediately
	o.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Orchestrator loop stopped due to context cancellation")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			o.RunCycle(ctx)
		}
	}
}

// TripAlerter returns a guard.TripHandler that notifies operators and counts the trip.
func TripAlerter(sink notify.Sink, m *metrics.Metrics) guard.TripHandler {
	return func(user string, failures int) {
		m.ObserveTrip()
		if sink == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sink.SendAlert(ctx, "Circuit breaker tripped",
			fmt.Sprintf("User %s is blocked after %d failures in the current window.", user, failures),
			notify.SeverityWarning)
	}
}

func (o *Orchestrator) alert(ctx context.Context, title, message string, severity notify.Severity) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.SendAlert(context.WithoutCancel(ctx), title, message, severity); err != nil {
		o.logger.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
	}
}
