/*

This file contains the per-cycle candidate opportunity and the execution bookkeeping types.

*/

package types

import "time"

// Opportunity compares one open position with one alternative market. Never persisted.
type Opportunity struct {
	User             string         `json:"user"`
	Position         Position       `json:"position"`
	Target           MarketSnapshot `json:"target"`
	Steps            []Step         `json:"-"`
	YieldDelta       float64        `json:"yield_delta"` // fraction
	PositionValueUSD float64        `json:"position_value_usd"`
	SwitchingCostUSD float64        `json:"switching_cost_usd"`
	BreakEvenDays    float64        `json:"break_even_days"`
	NetImprovement   float64        `json:"net_improvement"` // fraction, after one year of amortized cost
	RiskScore        float64        `json:"risk_score"`
	Verdict          Verdict        `json:"verdict"`
	Priority         float64        `json:"priority"`
	Sequence         int            `json:"sequence"` // discovery order within the cycle
}

type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionDryRun    ExecutionStatus = "dry_run"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// ExecutionReceipt records one step attempted during a move.
type ExecutionReceipt struct {
	ReceiptID               string        `json:"receipt_id"`
	CycleID                 string        `json:"cycle_id"`
	User                    string        `json:"user"`
	PositionID              string        `json:"position_id"`
	StepIndex               int           `json:"step_index"`
	Operation               OperationType `json:"operation"`
	Chain                   ChainID       `json:"chain"`
	Success                 bool          `json:"success"`
	TxHash                  string        `json:"tx_hash,omitempty"`
	Message                 string        `json:"message,omitempty"`
	NeedsManualIntervention bool          `json:"needs_manual_intervention"`
	Timestamp               time.Time     `json:"timestamp"`
}

// MoveOutcome is the result of executing one opportunity.
type MoveOutcome struct {
	User          string             `json:"user"`
	PositionID    string             `json:"position_id"`
	FromProtocol  string             `json:"from_protocol"`
	ToProtocol    string             `json:"to_protocol"`
	FromChain     ChainID            `json:"from_chain"`
	ToChain       ChainID            `json:"to_chain"`
	Status        ExecutionStatus    `json:"status"`
	NewPositionID string             `json:"new_position_id,omitempty"`
	Receipts      []ExecutionReceipt `json:"receipts"`
	Error         string             `json:"error,omitempty"`
}

// CycleSummary is emitted at the end of every scan cycle.
type CycleSummary struct {
	CycleID            string        `json:"cycle_id"`
	CycleNumber        int           `json:"cycle_number"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	DryRun             bool          `json:"dry_run"`
	UsersScanned       int           `json:"users_scanned"`
	UsersBlocked       int           `json:"users_blocked"`
	PositionsAnalyzed  int           `json:"positions_analyzed"`
	CandidatesFound    int           `json:"candidates_found"`
	Executed           int           `json:"executed"`
	Succeeded          int           `json:"succeeded"`
	Failed             int           `json:"failed"`
	Partial            int           `json:"partial"`
	AverageImprovement float64       `json:"average_improvement"`
	Outcomes           []MoveOutcome `json:"outcomes"`
}
