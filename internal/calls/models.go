package calls

import "time"

// CallRecord is the durable row for one call attempt.
//
// Invariants:
// - EndTime is set if and only if Status is terminal.
// - ProviderCallID is unique across rows once assigned.
// - Rows are never deleted by this package.
type CallRecord struct {
	ID             string `json:"id" db:"id"`
	CallerID       string `json:"caller_id" db:"caller_id"`
	LeadID         string `json:"lead_id,omitempty" db:"lead_id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// DurationSeconds is set once, on the terminal transition.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	Status      Status      `json:"status" db:"status"`
	CallType    CallType    `json:"call_type" db:"call_type"`
	Disposition Disposition `json:"disposition" db:"disposition"`
	Notes       string      `json:"notes,omitempty" db:"notes"`

	RecordingURL     string     `json:"recording_url,omitempty" db:"recording_url"`
	CallbackDatetime *time.Time `json:"callback_datetime,omitempty" db:"callback_datetime"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusInitiated          Status = "initiated"
	StatusProviderConnecting Status = "provider_connecting"
	StatusConnected          Status = "connected"
	StatusAnswered           Status = "answered"
	StatusCompleted          Status = "completed"
	StatusMissed             Status = "missed"
	StatusFailed             Status = "failed"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusMissed, StatusFailed:
		return true
	default:
		return false
	}
}

// rank orders the non-terminal states; terminal states share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusProviderConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusAnswered:
		return 3
	case StatusCompleted, StatusMissed, StatusFailed:
		return 4
	default:
		return -1
	}
}

type CallType string

const (
	CallTypeOutbound CallType = "outbound"
	CallTypeInbound  CallType = "inbound"
)

// Disposition is a free-form outcome tag. The constants below are the values
// written by the state machine; agents may set others via UpdateDetails.
type Disposition string

const (
	DispositionPending   Disposition = "pending"
	DispositionAnswered  Disposition = "answered"
	DispositionCompleted Disposition = "completed"
	DispositionMissed    Disposition = "missed"
	DispositionFailed    Disposition = "failed"
)
