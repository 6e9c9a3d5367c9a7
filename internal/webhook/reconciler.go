package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"telecrm/internal/calls"
	"telecrm/internal/telephony"
)

// Outcome is what happened to one provider status event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeBuffered Outcome = "buffered"
	// OutcomeIgnored covers unknown statuses, duplicates and events for
	// calls that already ended.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDropped is an event that could not be matched within the window
	// or did not fit in the pending buffer.
	OutcomeDropped Outcome = "dropped"
)

// StatusEvent is a provider status notification in provider-neutral form.
type StatusEvent struct {
	ProviderCallID  string
	Status          string
	RecordingURL    string
	DurationSeconds int
	// InternalCallID is echoed back by providers that carry our id
	// (e.g. Exotel CustomField). Used when the provider id is not known yet.
	InternalCallID string
}

func EventFromCallback(cb telephony.StatusCallback) StatusEvent {
	return StatusEvent{
		ProviderCallID:  cb.ProviderCallID,
		Status:          cb.Status,
		RecordingURL:    cb.RecordingURL,
		DurationSeconds: cb.DurationSeconds,
		InternalCallID:  cb.CustomField,
	}
}

// Applier is the slice of calls.Manager the reconciler drives.
type Applier interface {
	ApplyProviderEvent(ctx context.Context, providerCallID string, ev calls.Event) (calls.CallRecord, calls.Step, error)
	ApplyEvent(ctx context.Context, callID string, ev calls.Event) (calls.CallRecord, calls.Step, error)
}

type Config struct {
	PendingWindow time.Duration
	PendingMax    int
}

type pendingEvent struct {
	ev         StatusEvent
	kind       calls.EventKind
	receivedAt time.Time
}

// Reconciler applies provider status events to call records. Events that
// arrive before the record carries the provider id are held for
// PendingWindow and re-applied when the id is assigned or on Retry.
type Reconciler struct {
	calls Applier
	cfg   Config
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string][]pendingEvent
	size    int

	onOutcome func(Outcome)
	clock     func() time.Time
}

func NewReconciler(a Applier, cfg Config, log *slog.Logger) *Reconciler {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = 2 * time.Minute
	}
	if cfg.PendingMax <= 0 {
		cfg.PendingMax = 10000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		calls:   a,
		cfg:     cfg,
		log:     log.With("component", "webhook"),
		pending: make(map[string][]pendingEvent),
		clock:   time.Now,
	}
}

// OnOutcome sets fn to be called for every handled or retried event. Set before use.
func (r *Reconciler) OnOutcome(fn func(Outcome)) { r.onOutcome = fn }

// EventKind maps a provider progress value onto a state machine input.
func EventKind(p telephony.Progress) (calls.EventKind, bool) {
	switch p {
	case telephony.ProgressRinging:
		return calls.EventConnect, true
	case telephony.ProgressAnswered:
		return calls.EventAnswer, true
	case telephony.ProgressCompleted:
		return calls.EventHangup, true
	case telephony.ProgressNoAnswer:
		return calls.EventNoAnswer, true
	case telephony.ProgressFailed:
		return calls.EventFail, true
	default:
		return "", false
	}
}

// HandleStatusEvent applies ev. Only persistence failures are returned as
// errors; the provider should retry those.
func (r *Reconciler) HandleStatusEvent(ctx context.Context, ev StatusEvent) (Outcome, error) {
	log := r.log.With("provider_call_id", ev.ProviderCallID, "status", ev.Status)

	kind, ok := EventKind(telephony.MapProviderStatus(ev.Status))
	if !ok {
		log.Info("unknown provider status ignored")
		return r.report(OutcomeIgnored), nil
	}
	now := r.clock()

	out, err := r.apply(ctx, ev, kind, now)
	if !errors.Is(err, calls.ErrNotFound) {
		if err != nil {
			log.Error("status event apply failed", "err", err)
		}
		return r.report(out), err
	}

	r.mu.Lock()
	if r.size >= r.cfg.PendingMax {
		r.mu.Unlock()
		log.Warn("pending buffer full, status event dropped")
		return r.report(OutcomeDropped), nil
	}
	r.pending[ev.ProviderCallID] = append(r.pending[ev.ProviderCallID], pendingEvent{ev: ev, kind: kind, receivedAt: now})
	r.size++
	r.mu.Unlock()

	log.Info("status event buffered until call is known")
	return r.report(OutcomeBuffered), nil
}

// apply returns calls.ErrNotFound when neither id matches a record.
func (r *Reconciler) apply(ctx context.Context, ev StatusEvent, kind calls.EventKind, at time.Time) (Outcome, error) {
	cev := calls.Event{
		Kind:         kind,
		Source:       "webhook",
		At:           at,
		RecordingURL: ev.RecordingURL,
	}
	if kind == calls.EventFail {
		cev.Reason = "provider reported " + ev.Status
	}

	rec, step, err := r.calls.ApplyProviderEvent(ctx, ev.ProviderCallID, cev)
	if errors.Is(err, calls.ErrNotFound) && ev.InternalCallID != "" {
		rec, step, err = r.calls.ApplyEvent(ctx, ev.InternalCallID, cev)
	}
	switch {
	case err == nil && step.Changed:
		r.checkDuration(ev, rec, step)
		return OutcomeApplied, nil
	case err == nil, errors.Is(err, calls.ErrStaleEvent):
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, err
	}
}

// durationSkew is how far the provider's billed duration may drift from the
// one computed off our own timestamps before it is worth a log line.
const durationSkew = 5

// checkDuration compares the provider-reported duration with the one the
// record was finalized with. The record keeps its own value.
func (r *Reconciler) checkDuration(ev StatusEvent, rec calls.CallRecord, step calls.Step) {
	if !step.To.IsTerminal() || ev.DurationSeconds <= 0 {
		return
	}
	diff := ev.DurationSeconds - rec.DurationSeconds
	if diff < 0 {
		diff = -diff
	}
	if diff <= durationSkew {
		return
	}
	r.log.Warn("provider duration disagrees with record",
		"call_id", rec.ID,
		"provider_call_id", ev.ProviderCallID,
		"provider_duration_seconds", ev.DurationSeconds,
		"duration_seconds", rec.DurationSeconds,
	)
}

// Flush re-applies events buffered for providerCallID, in arrival order.
// Registered with calls.Manager.OnProviderAssigned.
func (r *Reconciler) Flush(ctx context.Context, providerCallID string) {
	r.mu.Lock()
	evs := r.pending[providerCallID]
	delete(r.pending, providerCallID)
	r.size -= len(evs)
	r.mu.Unlock()

	if len(evs) > 0 {
		r.replay(ctx, providerCallID, evs)
	}
}

// RetryStats summarizes one Retry sweep.
type RetryStats struct {
	Applied int
	Dropped int
	Pending int
}

// Retry re-applies every buffered event and drops the ones older than the
// pending window.
func (r *Reconciler) Retry(ctx context.Context) RetryStats {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string][]pendingEvent)
	r.size = 0
	r.mu.Unlock()

	var stats RetryStats
	for pid, evs := range batch {
		a, d := r.replay(ctx, pid, evs)
		stats.Applied += a
		stats.Dropped += d
	}
	stats.Pending = r.Pending()
	return stats
}

// replay applies evs in order. Events still unmatched and inside the window
// go back to the buffer.
func (r *Reconciler) replay(ctx context.Context, pid string, evs []pendingEvent) (applied, dropped int) {
	cutoff := r.clock().Add(-r.cfg.PendingWindow)
	var keep []pendingEvent

	for _, p := range evs {
		out, err := r.apply(ctx, p.ev, p.kind, p.receivedAt)
		if err != nil {
			if !errors.Is(err, calls.ErrNotFound) {
				r.log.Error("buffered status event apply failed", "provider_call_id", pid, "err", err)
			}
			if p.receivedAt.Before(cutoff) {
				r.log.Warn("status event expired unmatched", "provider_call_id", pid, "status", p.ev.Status, "received_at", p.receivedAt)
				r.report(OutcomeDropped)
				dropped++
				continue
			}
			keep = append(keep, p)
			continue
		}
		r.report(out)
		if out == OutcomeApplied {
			applied++
		}
	}

	if len(keep) > 0 {
		r.mu.Lock()
		r.pending[pid] = append(keep, r.pending[pid]...)
		r.size += len(keep)
		r.mu.Unlock()
	}
	return applied, dropped
}

// Pending returns the number of buffered events.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Reconciler) report(o Outcome) Outcome {
	if r.onOutcome != nil {
		r.onOutcome(o)
	}
	return o
}
