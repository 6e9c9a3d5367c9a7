package calls

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"telecrm/internal/session"
	"telecrm/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu    sync.Mutex
	res   telephony.PlaceCallResult
	err   error
	calls []telephony.PlaceCallRequest
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return telephony.PlaceCallResult{}, g.err
	}
	res := g.res
	if res.ProviderCallID == "" {
		res.ProviderCallID = "prov-" + req.CallID
	}
	return res, nil
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) CallChanged(_ context.Context, c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) terminal(callID string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Change
	for _, c := range r.changes {
		if c.Record.ID == callID && c.To.IsTerminal() {
			out = append(out, c)
		}
	}
	return out
}

// flakyStore fails the next failUpdates Update calls.
type flakyStore struct {
	*MemoryStore
	mu          sync.Mutex
	failUpdates int
}

func (s *flakyStore) Update(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, id, p)
}

type harness struct {
	m        *Manager
	store    Store
	sessions *session.MemoryRegistry
	gw       *fakeGateway
	obs      *recorder
	clock    *manualClock
}

func newHarness(t *testing.T, store Store, opts ...func(*Deps)) *harness {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	h := &harness{
		store:    store,
		sessions: session.NewMemoryRegistry(),
		gw:       &fakeGateway{},
		obs:      &recorder{},
		clock:    &manualClock{t: time.Now().UTC().Truncate(time.Second)},
	}
	d := Deps{Store: store, Sessions: h.sessions, Gateway: h.gw, Observers: []Observer{h.obs}}
	for _, o := range opts {
		o(&d)
	}
	h.m = NewManager(d, ManagerConfig{Normalizer: telephony.DefaultNormalizer()})
	h.m.clock = h.clock.Now
	return h
}

func (h *harness) initiate(t *testing.T, caller string) InitiateResult {
	t.Helper()
	res, err := h.m.Initiate(context.Background(), InitiateRequest{CallerID: caller, LeadID: "lead-1", From: "9000000000", To: "+91 98765 43210"})
	require.NoError(t, err)
	return res
}

func TestInitiateNormalizesAndConnects(t *testing.T) {
	h := newHarness(t, nil)
	var assigned []string
	h.m.OnProviderAssigned(func(_ context.Context, pid string) { assigned = append(assigned, pid) })

	res := h.initiate(t, "agent-1")
	assert.Equal(t, StatusConnected, res.Status)
	assert.Equal(t, "prov-"+res.InternalCallID, res.ProviderCallID)
	assert.Equal(t, []string{res.ProviderCallID}, assigned)

	require.Len(t, h.gw.calls, 1)
	assert.Equal(t, "919876543210", h.gw.calls[0].To)
	assert.Equal(t, "919000000000", h.gw.calls[0].From)

	rec, err := h.m.Get(context.Background(), res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, "919876543210", rec.To)
	assert.Equal(t, res.ProviderCallID, rec.ProviderCallID)
	assert.Equal(t, CallTypeOutbound, rec.CallType)
	assert.Nil(t, rec.EndTime)

	e, err := h.sessions.Get(context.Background(), res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, "connected", e.Status)
	assert.Equal(t, "agent-1", e.CallerID)

	var seen []Status
	for _, c := range h.obs.changes {
		seen = append(seen, c.To)
	}
	assert.Equal(t, []Status{StatusInitiated, StatusProviderConnecting, StatusConnected}, seen)
}

func TestProviderAssignedHooksRunBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	var seen Status
	h.m.OnProviderAssigned(func(ctx context.Context, pid string) {
		rec, err := h.store.FindByProviderCallID(ctx, pid)
		require.NoError(t, err)
		seen = rec.Status
		// An early provider hangup replayed here must not be overtaken by connect.
		_, _, err = h.m.ApplyProviderEvent(ctx, pid, Event{Kind: EventAnswer, Source: "webhook"})
		require.NoError(t, err)
		_, _, err = h.m.ApplyProviderEvent(ctx, pid, Event{Kind: EventHangup, Source: "webhook"})
		require.NoError(t, err)
	})

	res := h.initiate(t, "agent-1")
	assert.Equal(t, StatusProviderConnecting, seen)
	assert.Equal(t, StatusCompleted, res.Status)

	rec, err := h.m.Get(context.Background(), res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, DispositionCompleted, rec.Disposition)
}

func TestInitiatePlaceholderStaysProviderConnecting(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.res = telephony.PlaceCallResult{ProviderCallID: "temp_1_x", Synthesized: true}

	res := h.initiate(t, "agent-1")
	assert.Equal(t, StatusProviderConnecting, res.Status)
	assert.True(t, strings.HasPrefix(res.ProviderCallID, "temp_"))
}

func TestInitiateGatewayErrorRecordsFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.err = &telephony.GatewayError{Provider: "fake", StatusCode: 403}

	res, err := h.m.Initiate(context.Background(), InitiateRequest{CallerID: "agent-1", From: "9000000000", To: "9876543210"})
	require.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.InternalCallID)

	rec, err := h.m.Get(context.Background(), res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, DispositionFailed, rec.Disposition)
	assert.NotNil(t, rec.EndTime)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, nil)
	bad := []InitiateRequest{
		{From: "9000000000", To: "9876543210"},
		{CallerID: "a", From: "9000000000"},
		{CallerID: "a", To: "9876543210"},
		{CallerID: "a", From: "9000000000", To: "12345"},
	}
	for _, req := range bad {
		_, err := h.m.Initiate(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation, "%+v", req)
	}
	recs, err := h.store.ListCalls(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs, "validation failures must not create state")
	assert.Empty(t, h.gw.calls)
}

func TestAnswerThenHangupCompletes(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")
	ctx := context.Background()

	h.clock.Advance(10 * time.Second)
	rec, err := h.m.Answer(ctx, res.InternalCallID, "agent-2", json.RawMessage(`{"sdp":"v=0"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, rec.Status)
	assert.Equal(t, DispositionAnswered, rec.Disposition)

	e, err := h.sessions.Get(ctx, res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", e.RecipientID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(e.NegotiationAnswer))

	h.clock.Advance(52600 * time.Millisecond)
	rec, err = h.m.End(ctx, res.InternalCallID, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, DispositionCompleted, rec.Disposition)
	assert.Equal(t, 63, rec.DurationSeconds)

	e, err = h.sessions.Get(ctx, res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, "completed", e.Status)
	assert.NotNil(t, e.TerminalAt)
}

func TestFirstAnswerWins(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")
	ctx := context.Background()

	answerers := []string{"agent-2", "agent-3", "agent-4", "agent-5"}
	errs := make([]error, len(answerers))
	var wg sync.WaitGroup
	for i, who := range answerers {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, errs[i] = h.m.Answer(ctx, res.InternalCallID, who, json.RawMessage(`{"sdp":"`+who+`"}`))
		}(i, who)
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "more than one answer accepted")
			winner = answerers[i]
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyAnswered)
	}
	require.NotEmpty(t, winner)

	e, err := h.sessions.Get(ctx, res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, winner, e.RecipientID)
	assert.JSONEq(t, `{"sdp":"`+winner+`"}`, string(e.NegotiationAnswer))

	// A late answer leaves the claimed session alone.
	_, err = h.m.Answer(ctx, res.InternalCallID, "agent-9", json.RawMessage(`{"sdp":"late"}`))
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	e, err = h.sessions.Get(ctx, res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, winner, e.RecipientID)
}

func TestCallerCannotAnswerOwnCall(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")

	_, err := h.m.Answer(context.Background(), res.InternalCallID, "agent-1", nil)
	assert.ErrorIs(t, err, ErrValidation)

	e, err := h.sessions.Get(context.Background(), res.InternalCallID)
	require.NoError(t, err)
	assert.Empty(t, e.RecipientID)
}

func TestEndBeforeAnswerIsMissed(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")

	rec, err := h.m.End(context.Background(), res.InternalCallID, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusMissed, rec.Status)
	assert.Equal(t, DispositionMissed, rec.Disposition)
}

func TestTerminalLockDiscardsLateEvents(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")
	ctx := context.Background()

	ended, err := h.m.End(ctx, res.InternalCallID, "agent-1", "")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, _, err = h.m.ApplyProviderEvent(ctx, res.ProviderCallID, Event{Kind: EventAnswer, Source: "webhook"})
	assert.ErrorIs(t, err, ErrStaleEvent)
	_, err = h.m.Answer(ctx, res.InternalCallID, "agent-2", nil)
	assert.ErrorIs(t, err, ErrStaleEvent)

	// A second end is not an error for the client.
	again, err := h.m.End(ctx, res.InternalCallID, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, ended.Status, again.Status)
	assert.True(t, ended.EndTime.Equal(*again.EndTime))
	assert.Len(t, h.obs.terminal(res.InternalCallID), 1)
}

func TestDuplicateProviderEventIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")
	ctx := context.Background()

	_, step, err := h.m.ApplyProviderEvent(ctx, res.ProviderCallID, Event{Kind: EventAnswer, Source: "webhook"})
	require.NoError(t, err)
	assert.True(t, step.Changed)

	before := len(h.obs.changes)
	_, step, err = h.m.ApplyProviderEvent(ctx, res.ProviderCallID, Event{Kind: EventAnswer, Source: "webhook"})
	require.NoError(t, err)
	assert.False(t, step.Changed)
	assert.Equal(t, before, len(h.obs.changes))

	_, _, err = h.m.ApplyProviderEvent(ctx, "unknown", Event{Kind: EventAnswer})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndRacesProviderCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		res := h.initiate(t, "agent-1")
		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.m.End(ctx, res.InternalCallID, "agent-1", "")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, _, err := h.m.ApplyProviderEvent(ctx, res.ProviderCallID, Event{Kind: EventFail, Source: "webhook"})
			if err != nil {
				assert.ErrorIs(t, err, ErrStaleEvent)
			}
		}()
		close(start)
		wg.Wait()

		rec, err := h.m.Get(ctx, res.InternalCallID)
		require.NoError(t, err)
		assert.Contains(t, []Status{StatusMissed, StatusFailed}, rec.Status)
		assert.Len(t, h.obs.terminal(res.InternalCallID), 1)
	}
}

func TestTwoManagersSharingAStoreFinalizeOnce(t *testing.T) {
	store := NewMemoryStore()
	a := newHarness(t, store)
	b := newHarness(t, store)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		res := a.initiate(t, "agent-1")
		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, _ = a.m.End(ctx, res.InternalCallID, "agent-1", "")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, _, _ = b.m.ApplyProviderEvent(ctx, res.ProviderCallID, Event{Kind: EventFail, Source: "webhook"})
		}()
		close(start)
		wg.Wait()

		total := len(a.obs.terminal(res.InternalCallID)) + len(b.obs.terminal(res.InternalCallID))
		assert.Equal(t, 1, total, "exactly one process commits the terminal transition")
	}
}

func TestPersistenceRetriedOnce(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	h := newHarness(t, store)
	res := h.initiate(t, "agent-1")
	ctx := context.Background()

	store.failUpdates = 1
	rec, err := h.m.End(ctx, res.InternalCallID, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusMissed, rec.Status)

	res = h.initiate(t, "agent-1")
	store.failUpdates = 2
	_, err = h.m.End(ctx, res.InternalCallID, "agent-1", "")
	require.ErrorIs(t, err, ErrPersistence)

	rec, err = h.m.Get(ctx, res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status, "record stays in its last committed state")
	e, err := h.sessions.Get(ctx, res.InternalCallID)
	require.NoError(t, err)
	assert.Equal(t, "connected", e.Status, "registry is only updated after commit")
}

func TestConcurrencyLimit(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps) { d.Limiter = NewMemoryLimiter(1) })
	ctx := context.Background()

	first := h.initiate(t, "agent-1")
	_, err := h.m.Initiate(ctx, InitiateRequest{CallerID: "agent-1", From: "9000000000", To: "9876543210"})
	require.ErrorIs(t, err, ErrConcurrencyLimit)

	// Other agents are unaffected.
	h.initiate(t, "agent-2")

	_, err = h.m.End(ctx, first.InternalCallID, "agent-1", "")
	require.NoError(t, err)
	h.initiate(t, "agent-1")
}

func TestReap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	stuckID, err := h.store.Insert(ctx, CallRecord{
		CallerID:  "agent-9",
		From:      "919000000000",
		To:        "919876543210",
		StartTime: h.clock.Now().Add(-time.Hour),
		Status:    StatusProviderConnecting,
		CallType:  CallTypeOutbound,
	})
	require.NoError(t, err)
	live := h.initiate(t, "agent-1")

	h.clock.Advance(2*time.Hour + time.Minute)
	stats, err := h.m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapStats{Failed: 1, Ended: 1}, stats)

	rec, _ := h.m.Get(ctx, stuckID)
	assert.Equal(t, StatusFailed, rec.Status)
	rec, _ = h.m.Get(ctx, live.InternalCallID)
	assert.Equal(t, StatusMissed, rec.Status)

	h.clock.Advance(2 * time.Minute)
	stats, err = h.m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapStats{Removed: 1}, stats)
	_, err = h.sessions.Get(ctx, live.InternalCallID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUpdateDetails(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, "agent-1")
	ctx := context.Background()

	notes := "asked to call back"
	cb := h.clock.Now().Add(24 * time.Hour)
	rec, err := h.m.UpdateDetails(ctx, res.InternalCallID, DetailsPatch{Notes: &notes, CallbackDatetime: &cb})
	require.NoError(t, err)
	assert.Equal(t, notes, rec.Notes)
	require.NotNil(t, rec.CallbackDatetime)

	disp := Disposition("interested")
	_, err = h.m.UpdateDetails(ctx, res.InternalCallID, DetailsPatch{Disposition: &disp})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.m.End(ctx, res.InternalCallID, "agent-1", "")
	require.NoError(t, err)
	rec, err = h.m.UpdateDetails(ctx, res.InternalCallID, DetailsPatch{Disposition: &disp})
	require.NoError(t, err)
	assert.Equal(t, disp, rec.Disposition)
	assert.Equal(t, StatusMissed, rec.Status)

	long := strings.Repeat("x", maxNotesLen+1)
	_, err = h.m.UpdateDetails(ctx, res.InternalCallID, DetailsPatch{Notes: &long})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.m.UpdateDetails(ctx, "missing", DetailsPatch{Notes: &notes})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("c1")
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, k.size())
}
