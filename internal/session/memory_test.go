package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_CreateGetRemove(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.Create(ctx, "c1", "agent-1", "initiated"))
	require.ErrorIs(t, r.Create(ctx, "c1", "agent-1", "initiated"), ErrExists)

	e, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", e.CallerID)
	assert.Equal(t, "initiated", e.Status)

	require.NoError(t, r.Remove(ctx, "c1"))
	_, err = r.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing twice is fine.
	require.NoError(t, r.Remove(ctx, "c1"))
}

func TestMemoryRegistry_UpdateReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Create(ctx, "c1", "agent-1", "initiated"))

	e, err := r.Update(ctx, "c1", func(e *Entry) error {
		e.RecipientID = "agent-2"
		e.NegotiationAnswer = json.RawMessage(`{"sdp":"x"}`)
		return nil
	})
	require.NoError(t, err)
	e.NegotiationAnswer[0] = 'X'

	got, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", got.RecipientID)
	assert.JSONEq(t, `{"sdp":"x"}`, string(got.NegotiationAnswer))
}

func TestMemoryRegistry_UpdateErrorLeavesEntry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Create(ctx, "c1", "agent-1", "initiated"))

	boom := errors.New("boom")
	_, err := r.Update(ctx, "c1", func(e *Entry) error {
		e.Status = "answered"
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := r.Get(ctx, "c1")
	assert.Equal(t, "initiated", got.Status)

	_, err = r.Update(ctx, "missing", func(e *Entry) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_ConcurrentUpdatesSameKeyDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Create(ctx, "c1", "agent-1", "initiated"))

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Update(ctx, "c1", func(e *Entry) error {
				// read-modify-write on a byte slice; lost updates would show up as a short slice
				e.NegotiationAnswer = append(e.NegotiationAnswer, 'a')
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.NegotiationAnswer, workers)
}

func TestMemoryRegistry_DifferentKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Create(ctx, "slow", "a", "initiated"))
	require.NoError(t, r.Create(ctx, "fast", "b", "initiated"))

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = r.Update(ctx, "slow", func(e *Entry) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_, _ = r.Update(ctx, "fast", func(e *Entry) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("update on a different key blocked")
	}
	close(release)
}

func TestMemoryRegistry_Expired(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	base := time.Unix(1700000000, 0).UTC()

	r.clock = func() time.Time { return base }
	require.NoError(t, r.Create(ctx, "old", "a", "connected"))
	require.NoError(t, r.Create(ctx, "ended", "a", "completed"))
	r.clock = func() time.Time { return base.Add(50 * time.Minute) }
	require.NoError(t, r.Create(ctx, "fresh", "a", "connected"))

	_, err := r.Update(ctx, "ended", func(e *Entry) error {
		at := base.Add(55 * time.Minute)
		e.TerminalAt = &at
		return nil
	})
	require.NoError(t, err)

	now := base.Add(time.Hour)
	got, err := r.Expired(ctx, now, 30*time.Minute, time.Minute)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.CallID)
	}
	assert.ElementsMatch(t, []string{"old", "ended"}, ids)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
