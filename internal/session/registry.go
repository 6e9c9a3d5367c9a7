package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExists   = errors.New("session: already exists")
)

// Entry is the live, mutable state of one call that is currently active.
// Entries are only ever handed out as copies; mutate them through Update.
type Entry struct {
	CallID      string `json:"call_id"`
	CallerID    string `json:"caller_id"`
	RecipientID string `json:"recipient_id,omitempty"`

	// NegotiationAnswer is the opaque answer payload relayed over signaling.
	NegotiationAnswer json.RawMessage `json:"negotiation_answer,omitempty"`
	// Negotiating is set once ICE candidates start flowing.
	Negotiating bool `json:"negotiating"`

	// Status mirrors the call record status and may lead it by one step.
	Status string `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`
}

// Registry holds live session state keyed by internal call id.
//
// Update must be atomic for a single key; updates to different keys must not
// block each other. Implementations are injected by handle, never global.
type Registry interface {
	Create(ctx context.Context, callID, callerID, status string) error
	Get(ctx context.Context, callID string) (Entry, error)
	// Update runs fn against the current entry and stores the result. If fn
	// returns an error the entry is left unchanged and the error returned.
	Update(ctx context.Context, callID string, fn func(*Entry) error) (Entry, error)
	Remove(ctx context.Context, callID string) error

	// Expired lists entries created before now-maxAge, and terminal entries
	// whose TerminalAt is before now-terminalGrace.
	Expired(ctx context.Context, now time.Time, maxAge, terminalGrace time.Duration) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

func expired(e Entry, now time.Time, maxAge, terminalGrace time.Duration) bool {
	if e.TerminalAt != nil {
		return e.TerminalAt.Before(now.Add(-terminalGrace))
	}
	return maxAge > 0 && e.CreatedAt.Before(now.Add(-maxAge))
}
