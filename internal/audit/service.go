package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"telecrm/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// There are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Only admins and managers read it.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log.With("component", "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// CallChanged implements calls.Observer. Failures are logged, never returned.
func (s *Service) CallChanged(ctx context.Context, c calls.Change) {
	meta := ""
	if c.Record.ProviderCallID != "" || c.Record.DurationSeconds > 0 {
		b, _ := json.Marshal(map[string]any{
			"provider_call_id": c.Record.ProviderCallID,
			"duration_seconds": c.Record.DurationSeconds,
		})
		meta = string(b)
	}
	err := s.Append(ctx, Event{
		Type:        EventTypeTransition,
		ActorUserID: c.Actor,
		CallID:      c.Record.ID,
		FromStatus:  string(c.From),
		ToStatus:    string(c.To),
		Source:      c.Source,
		Message:     c.Reason,
		Metadata:    meta,
		CreatedAt:   c.At,
	})
	if err != nil {
		s.log.Warn("audit append failed", "call_id", c.Record.ID, "to", c.To, "err", err)
	}
}

// LogDetailsUpdate records a CRM-side edit (notes, disposition, callback).
func (s *Service) LogDetailsUpdate(ctx context.Context, callID, actorUserID, actorRole, ip, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeDetailsUpdated,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallID:      callID,
		Source:      "api",
		Message:     "call details updated",
		Metadata:    metadata,
	})
}

// Trail returns the events for callID, oldest first.
func (s *Service) Trail(ctx context.Context, callID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByCall(ctx, callID)
}
