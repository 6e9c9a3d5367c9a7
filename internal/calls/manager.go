package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"telecrm/internal/session"
	"telecrm/internal/telephony"
)

// Change is one committed state change, reported to observers after the
// store write succeeded. Creation is reported with an empty From.
type Change struct {
	Record CallRecord
	From   Status
	To     Status
	Event  EventKind
	Source string
	Actor  string
	Reason string
	At     time.Time
}

// Observer receives committed changes. Implementations must not block; the
// per-call lock is not held during the callback.
type Observer interface {
	CallChanged(ctx context.Context, c Change)
}

type ObserverFunc func(ctx context.Context, c Change)

func (f ObserverFunc) CallChanged(ctx context.Context, c Change) { f(ctx, c) }

type ManagerConfig struct {
	Normalizer      telephony.Normalizer
	ProviderTimeout time.Duration

	// StuckTimeout fails records still initiated/provider_connecting after this long.
	StuckTimeout time.Duration
	// SessionMaxAge ends live sessions older than this (leaked clients).
	SessionMaxAge time.Duration
	// TerminalGrace keeps terminal session entries around for late signaling.
	TerminalGrace time.Duration
	ReapBatch     int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	out := c
	if out.ProviderTimeout <= 0 {
		out.ProviderTimeout = 10 * time.Second
	}
	if out.StuckTimeout <= 0 {
		out.StuckTimeout = 5 * time.Minute
	}
	if out.SessionMaxAge <= 0 {
		out.SessionMaxAge = 2 * time.Hour
	}
	if out.TerminalGrace <= 0 {
		out.TerminalGrace = time.Minute
	}
	if out.ReapBatch <= 0 {
		out.ReapBatch = 100
	}
	return out
}

type Deps struct {
	Store     Store
	Sessions  session.Registry
	Gateway   telephony.Gateway
	Limiter   Limiter // optional
	Observers []Observer
	Logger    *slog.Logger
}

// Manager owns every call state transition. Transitions for one call id are
// serialized by a keyed lock in-process and by the ExpectStatus guard in the
// store across processes.
type Manager struct {
	store     Store
	sessions  session.Registry
	gateway   telephony.Gateway
	limiter   Limiter
	observers []Observer
	assigned  []func(ctx context.Context, providerCallID string)
	log       *slog.Logger
	cfg       ManagerConfig

	locks *keyedMutex
	clock func() time.Time
}

func NewManager(d Deps, cfg ManagerConfig) *Manager {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     d.Store,
		sessions:  d.Sessions,
		gateway:   d.Gateway,
		limiter:   d.Limiter,
		observers: d.Observers,
		log:       log.With("component", "calls"),
		cfg:       cfg.withDefaults(),
		locks:     newKeyedMutex(),
		clock:     time.Now,
	}
}

// Observe registers o. Not safe to call once the Manager is serving.
func (m *Manager) Observe(o Observer) { m.observers = append(m.observers, o) }

// OnProviderAssigned registers fn to run after a provider call id is
// persisted. Not safe to call once the Manager is serving.
func (m *Manager) OnProviderAssigned(fn func(ctx context.Context, providerCallID string)) {
	m.assigned = append(m.assigned, fn)
}

type InitiateRequest struct {
	CallerID string `json:"-"`
	LeadID   string `json:"leadId"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type InitiateResult struct {
	InternalCallID string `json:"internalCallId"`
	Status         Status `json:"status"`
	ProviderCallID string `json:"providerCallId,omitempty"`
}

// Initiate validates req, records the call and asks the provider to place it.
//
// A provider failure is recorded (status failed) and returned wrapped in
// ErrGateway together with a populated result.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	callerID := strings.TrimSpace(req.CallerID)
	if callerID == "" {
		return InitiateResult{}, fmt.Errorf("%w: caller required", ErrValidation)
	}
	if strings.TrimSpace(req.To) == "" {
		return InitiateResult{}, fmt.Errorf("%w: to required", ErrValidation)
	}
	if strings.TrimSpace(req.From) == "" {
		return InitiateResult{}, fmt.Errorf("%w: from required", ErrValidation)
	}
	to, err := m.cfg.Normalizer.Normalize(req.To)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("%w: to: %v", ErrValidation, err)
	}
	from, err := m.cfg.Normalizer.Normalize(req.From)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("%w: from: %v", ErrValidation, err)
	}

	if m.limiter != nil {
		ok, err := m.limiter.Acquire(ctx, callerID)
		switch {
		case err != nil:
			m.log.Warn("concurrency limiter unavailable, admitting call", "caller_id", callerID, "err", err)
		case !ok:
			return InitiateResult{}, ErrConcurrencyLimit
		}
	}

	now := m.clock().UTC()
	rec := CallRecord{
		CallerID:    callerID,
		LeadID:      strings.TrimSpace(req.LeadID),
		From:        from,
		To:          to,
		StartTime:   now,
		Status:      StatusInitiated,
		CallType:    CallTypeOutbound,
		Disposition: DispositionPending,
		UpdatedAt:   now,
	}
	id, err := m.insert(ctx, rec)
	if err != nil {
		m.release(ctx, callerID)
		return InitiateResult{}, err
	}
	rec.ID = id
	log := m.log.With("call_id", id, "caller_id", callerID)

	// The row exists now; finish the lifecycle even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	if err := m.sessions.Create(ctx, id, callerID, string(StatusInitiated)); err != nil {
		log.Warn("session create failed", "err", err)
	}
	m.notify(ctx, Change{Record: rec, To: StatusInitiated, Source: "api", Actor: callerID, At: now})

	rec, _, err = m.ApplyEvent(ctx, id, Event{Kind: EventDial, Source: "api", Actor: callerID})
	if err != nil {
		return InitiateResult{InternalCallID: id, Status: StatusInitiated}, err
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	res, gerr := m.gateway.PlaceCall(pctx, telephony.PlaceCallRequest{
		CallID:   id,
		From:     from,
		To:       to,
		Metadata: map[string]string{"lead_id": rec.LeadID, "caller_id": callerID},
	})
	cancel()
	if gerr != nil {
		log.Warn("provider rejected call", "err", gerr)
		failed, _, err := m.ApplyEvent(ctx, id, Event{Kind: EventFail, Source: "gateway", Reason: gerr.Error()})
		if err != nil && !errors.Is(err, ErrStaleEvent) {
			return InitiateResult{InternalCallID: id, Status: rec.Status}, err
		}
		return InitiateResult{InternalCallID: id, Status: failed.Status}, fmt.Errorf("%w: %v", ErrGateway, gerr)
	}

	rec, err = m.assignProvider(ctx, id, res.ProviderCallID)
	if err != nil {
		return InitiateResult{InternalCallID: id, Status: rec.Status}, err
	}
	// Events that raced ahead of the id go first; later ones must not overtake them.
	for _, fn := range m.assigned {
		fn(ctx, res.ProviderCallID)
	}
	if res.Synthesized {
		log.Warn("provider response carried no call id, using placeholder", "provider_call_id", res.ProviderCallID)
		if cur, err := m.load(ctx, id); err == nil {
			rec = cur
		}
	} else {
		rec, _, err = m.ApplyEvent(ctx, id, Event{Kind: EventConnect, Source: "gateway"})
		if err != nil && !errors.Is(err, ErrStaleEvent) {
			return InitiateResult{InternalCallID: id, Status: rec.Status, ProviderCallID: res.ProviderCallID}, err
		}
	}

	log.Info("call initiated", "status", rec.Status, "provider_call_id", res.ProviderCallID)
	return InitiateResult{InternalCallID: id, Status: rec.Status, ProviderCallID: res.ProviderCallID}, nil
}

func (m *Manager) assignProvider(ctx context.Context, id, providerCallID string) (CallRecord, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.load(ctx, id)
	if err != nil {
		return rec, err
	}
	p := Patch{ProviderCallID: &providerCallID, UpdatedAt: m.clock().UTC()}
	if err := m.persist(ctx, id, p); err != nil {
		return rec, err
	}
	return p.Apply(rec), nil
}

// Answer records the human-answer flow from the signaling channel. The first
// answerer claims the session; later answerers get ErrAlreadyAnswered and
// leave the entry untouched. Returns ErrStaleEvent if the call already ended.
func (m *Manager) Answer(ctx context.Context, callID, answeredBy string, payload json.RawMessage) (CallRecord, error) {
	answeredBy = strings.TrimSpace(answeredBy)
	if answeredBy == "" {
		return CallRecord{}, fmt.Errorf("%w: answering party required", ErrValidation)
	}
	rec, err := m.load(ctx, callID)
	if err != nil {
		return rec, err
	}
	if rec.Status.IsTerminal() {
		return rec, ErrStaleEvent
	}
	if answeredBy == rec.CallerID {
		return rec, fmt.Errorf("%w: the caller cannot answer their own call", ErrValidation)
	}

	// The registry serializes updates per key, so the claim is atomic.
	_, serr := m.sessions.Update(ctx, callID, func(e *session.Entry) error {
		if e.RecipientID != "" && e.RecipientID != answeredBy {
			return ErrAlreadyAnswered
		}
		e.RecipientID = answeredBy
		if len(payload) > 0 {
			e.NegotiationAnswer = append(json.RawMessage(nil), payload...)
		}
		return nil
	})
	switch {
	case errors.Is(serr, ErrAlreadyAnswered):
		return rec, serr
	case serr != nil && !errors.Is(serr, session.ErrNotFound):
		m.log.Warn("session update failed", "call_id", callID, "err", serr)
	}

	rec, _, err = m.ApplyEvent(ctx, callID, Event{Kind: EventAnswer, Source: "signaling", Actor: answeredBy})
	return rec, err
}

// End is the client hang-up. It competes with provider termination under the
// terminal lock; ending an already ended call returns the record unchanged.
func (m *Manager) End(ctx context.Context, callID, endedBy, source string) (CallRecord, error) {
	if source == "" {
		source = "api"
	}
	rec, _, err := m.ApplyEvent(ctx, callID, Event{Kind: EventHangup, Source: source, Actor: endedBy})
	if errors.Is(err, ErrStaleEvent) {
		return rec, nil
	}
	return rec, err
}

// ApplyProviderEvent applies ev to the call carrying providerCallID.
func (m *Manager) ApplyProviderEvent(ctx context.Context, providerCallID string, ev Event) (CallRecord, Step, error) {
	rec, err := m.store.FindByProviderCallID(ctx, providerCallID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CallRecord{}, Step{}, err
		}
		return CallRecord{}, Step{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return m.ApplyEvent(ctx, rec.ID, ev)
}

const maxConflictRetries = 3

// ApplyEvent runs ev through the state machine for callID and commits the
// result. The returned record is the post-event state; on ErrStaleEvent it is
// the current terminal record.
func (m *Manager) ApplyEvent(ctx context.Context, callID string, ev Event) (CallRecord, Step, error) {
	if ev.At.IsZero() {
		ev.At = m.clock()
	}
	unlock := m.locks.Lock(callID)
	rec, step, err := m.applyLocked(ctx, callID, ev)
	unlock()
	if err == nil && step.Changed {
		m.afterCommit(ctx, rec, step, ev)
	}
	return rec, step, err
}

func (m *Manager) applyLocked(ctx context.Context, callID string, ev Event) (CallRecord, Step, error) {
	rec, err := m.load(ctx, callID)
	if err != nil {
		return rec, Step{}, err
	}
	for attempt := 0; ; attempt++ {
		step, err := Transition(rec, ev)
		if err != nil || !step.Changed {
			return rec, step, err
		}

		err = m.persist(ctx, rec.ID, step.Patch)
		if err == nil {
			return step.Patch.Apply(rec), step, nil
		}
		if !errors.Is(err, ErrStatusConflict) || attempt >= maxConflictRetries {
			return rec, step, err
		}

		// Another writer moved the row (or our first attempt landed before
		// the retry). Re-evaluate against the committed state.
		cur, lerr := m.load(ctx, callID)
		if lerr != nil {
			return rec, step, lerr
		}
		if cur.Status == step.To && sameEnd(cur, step.Patch) {
			return cur, step, nil
		}
		rec = cur
	}
}

func sameEnd(cur CallRecord, p Patch) bool {
	if p.EndTime == nil {
		return true
	}
	return cur.EndTime != nil && cur.EndTime.Equal(*p.EndTime)
}

func (m *Manager) afterCommit(ctx context.Context, rec CallRecord, step Step, ev Event) {
	log := m.log.With("call_id", rec.ID, "from", step.From, "to", step.To, "event", ev.Kind, "source", ev.Source)
	log.Info("call transition")

	_, err := m.sessions.Update(ctx, rec.ID, func(e *session.Entry) error {
		e.Status = string(step.To)
		if step.To.IsTerminal() {
			at := ev.At.UTC()
			e.TerminalAt = &at
			e.Negotiating = false
		}
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn("session update failed", "err", err)
	}

	if step.To.IsTerminal() {
		m.release(ctx, rec.CallerID)
	}
	m.notify(ctx, Change{
		Record: rec,
		From:   step.From,
		To:     step.To,
		Event:  ev.Kind,
		Source: ev.Source,
		Actor:  ev.Actor,
		Reason: ev.Reason,
		At:     ev.At.UTC(),
	})
}

func (m *Manager) notify(ctx context.Context, c Change) {
	for _, o := range m.observers {
		o.CallChanged(ctx, c)
	}
}

func (m *Manager) release(ctx context.Context, callerID string) {
	if m.limiter == nil {
		return
	}
	if err := m.limiter.Release(ctx, callerID); err != nil {
		m.log.Warn("concurrency release failed", "caller_id", callerID, "err", err)
	}
}

func (m *Manager) Get(ctx context.Context, callID string) (CallRecord, error) {
	return m.load(ctx, callID)
}

// DetailsPatch carries CRM-side edits that are not state transitions.
type DetailsPatch struct {
	Notes            *string      `json:"notes,omitempty"`
	Disposition      *Disposition `json:"disposition,omitempty"`
	CallbackDatetime *time.Time   `json:"callbackDatetime,omitempty"`
}

const (
	maxNotesLen       = 4000
	maxDispositionLen = 64
)

// UpdateDetails edits notes, the scheduled callback and, once the call has
// ended, the disposition.
func (m *Manager) UpdateDetails(ctx context.Context, callID string, d DetailsPatch) (CallRecord, error) {
	if d.Notes != nil && len(*d.Notes) > maxNotesLen {
		return CallRecord{}, fmt.Errorf("%w: notes too long", ErrValidation)
	}
	if d.Disposition != nil {
		v := strings.TrimSpace(string(*d.Disposition))
		if v == "" || len(v) > maxDispositionLen {
			return CallRecord{}, fmt.Errorf("%w: invalid disposition", ErrValidation)
		}
		disp := Disposition(v)
		d.Disposition = &disp
	}

	unlock := m.locks.Lock(callID)
	defer unlock()

	rec, err := m.load(ctx, callID)
	if err != nil {
		return rec, err
	}
	if d.Disposition != nil && !rec.Status.IsTerminal() {
		return rec, fmt.Errorf("%w: disposition can only be set after the call ended", ErrValidation)
	}

	p := Patch{
		Notes:            d.Notes,
		Disposition:      d.Disposition,
		CallbackDatetime: d.CallbackDatetime,
		UpdatedAt:        m.clock().UTC(),
	}
	if d.Disposition != nil {
		// The disposition override must not race a transition.
		p.ExpectStatus = rec.Status
	}
	if err := m.persist(ctx, rec.ID, p); err != nil {
		return rec, err
	}
	return p.Apply(rec), nil
}

type ReapStats struct {
	Failed  int `json:"failed"`
	Ended   int `json:"ended"`
	Removed int `json:"removed"`
}

// Reap fails stuck originations, ends leaked sessions and drops terminal
// session entries past their grace period.
func (m *Manager) Reap(ctx context.Context) (ReapStats, error) {
	var stats ReapStats
	now := m.clock().UTC()

	stuck, err := m.store.ListStuck(ctx, []Status{StatusInitiated, StatusProviderConnecting}, now.Add(-m.cfg.StuckTimeout), m.cfg.ReapBatch)
	if err != nil {
		return stats, fmt.Errorf("%w: list stuck: %v", ErrPersistence, err)
	}
	for _, rec := range stuck {
		_, step, err := m.ApplyEvent(ctx, rec.ID, Event{Kind: EventFail, Source: "reaper", Reason: "stuck", At: now})
		switch {
		case err == nil && step.Changed:
			stats.Failed++
		case err != nil && !errors.Is(err, ErrStaleEvent):
			m.log.Warn("reap stuck call failed", "call_id", rec.ID, "err", err)
		}
	}

	expired, err := m.sessions.Expired(ctx, now, m.cfg.SessionMaxAge, m.cfg.TerminalGrace)
	if err != nil {
		return stats, err
	}
	for _, e := range expired {
		if e.TerminalAt != nil {
			if err := m.sessions.Remove(ctx, e.CallID); err == nil {
				stats.Removed++
			}
			continue
		}
		_, step, err := m.ApplyEvent(ctx, e.CallID, Event{Kind: EventHangup, Source: "reaper", Reason: "session expired", At: now})
		switch {
		case err == nil && step.Changed:
			stats.Ended++
		case err == nil, errors.Is(err, ErrStaleEvent), errors.Is(err, ErrNotFound):
			// Record already terminal or gone; the entry is a leak.
			if rerr := m.sessions.Remove(ctx, e.CallID); rerr == nil {
				stats.Removed++
			}
		default:
			m.log.Warn("reap session failed", "call_id", e.CallID, "err", err)
		}
	}
	return stats, nil
}

func (m *Manager) load(ctx context.Context, id string) (CallRecord, error) {
	rec, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CallRecord{}, err
		}
		return CallRecord{}, fmt.Errorf("%w: load %s: %v", ErrPersistence, id, err)
	}
	return rec, nil
}

func (m *Manager) insert(ctx context.Context, rec CallRecord) (string, error) {
	id, err := m.store.Insert(ctx, rec)
	if err == nil {
		return id, nil
	}
	m.log.Warn("call insert failed, retrying", "err", err)
	id, err = m.store.Insert(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}
	return id, nil
}

// persist writes p, retrying once on failures other than a lost status guard.
func (m *Manager) persist(ctx context.Context, id string, p Patch) error {
	err := m.store.Update(ctx, id, p)
	if err == nil || errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	m.log.Warn("call update failed, retrying", "call_id", id, "err", err)
	err = m.store.Update(ctx, id, p)
	if err == nil || errors.Is(err, ErrStatusConflict) {
		return err
	}
	return fmt.Errorf("%w: update %s: %v", ErrPersistence, id, err)
}
