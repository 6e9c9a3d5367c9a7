package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// CallerID scopes the summary to one agent; empty means all agents and is
// only allowed for roles that can see every call.
type CallsSummaryRequest struct {
	CallerID string    `json:"caller_id,omitempty"`
	LeadID   string    `json:"lead_id,omitempty"`
	Range    TimeRange `json:"range"`
}

type CallsSummary struct {
	CallerID string    `json:"caller_id,omitempty"`
	LeadID   string    `json:"lead_id,omitempty"`
	Range    TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	MissedCalls     int `json:"missed_calls"`
	FailedCalls     int `json:"failed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls    int     `json:"recorded_calls"`
	CallbacksPending int     `json:"callbacks_pending"`
	ConnectionRate   float64 `json:"connection_rate"`

	// Dispositions counts every disposition value seen, including agent-set ones.
	Dispositions map[string]int `json:"dispositions"`
	// Agents breaks the totals down per caller when the summary spans agents.
	Agents []AgentSummary `json:"agents,omitempty"`
}

type AgentSummary struct {
	CallerID             string `json:"caller_id"`
	TotalCalls           int    `json:"total_calls"`
	CompletedCalls       int    `json:"completed_calls"`
	TotalDurationSeconds int    `json:"total_duration_seconds"`
}
