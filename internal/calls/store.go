package calls

import (
	"context"
	"time"
)

// Store is the persistence contract for call records.
//
// Every method is a single-row atomic operation except the List methods.
// The core does not need multi-row transactions: the terminal lock in
// Transition plus the ExpectStatus guard on Update substitute for them.
type Store interface {
	// Insert persists rec and returns the store-assigned id.
	Insert(ctx context.Context, rec CallRecord) (string, error)
	// Update applies the non-nil fields of p. If p.ExpectStatus is set and the
	// row's status differs, ErrStatusConflict is returned and nothing changes.
	Update(ctx context.Context, id string, p Patch) error
	FindByID(ctx context.Context, id string) (CallRecord, error)
	FindByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error)

	// ListStuck returns records in any of statuses whose start time is before cutoff.
	ListStuck(ctx context.Context, statuses []Status, before time.Time, limit int) ([]CallRecord, error)
	ListCalls(ctx context.Context, f ListFilter) ([]CallRecord, error)
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	ExpectStatus Status

	Status           *Status
	ProviderCallID   *string
	EndTime          *time.Time
	DurationSeconds  *int
	Disposition      *Disposition
	Notes            *string
	RecordingURL     *string
	CallbackDatetime *time.Time

	UpdatedAt time.Time
}

// Apply returns rec with p applied.
func (p Patch) Apply(rec CallRecord) CallRecord {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ProviderCallID != nil {
		rec.ProviderCallID = *p.ProviderCallID
	}
	if p.EndTime != nil {
		t := *p.EndTime
		rec.EndTime = &t
	}
	if p.DurationSeconds != nil {
		rec.DurationSeconds = *p.DurationSeconds
	}
	if p.Disposition != nil {
		rec.Disposition = *p.Disposition
	}
	if p.Notes != nil {
		rec.Notes = *p.Notes
	}
	if p.RecordingURL != nil {
		rec.RecordingURL = *p.RecordingURL
	}
	if p.CallbackDatetime != nil {
		t := *p.CallbackDatetime
		rec.CallbackDatetime = &t
	}
	if !p.UpdatedAt.IsZero() {
		rec.UpdatedAt = p.UpdatedAt
	}
	return rec
}

// ListFilter selects records for reporting. Zero fields are not filtered on.
type ListFilter struct {
	CallerID string
	LeadID   string
	From     time.Time
	To       time.Time
	Limit    int
}
