package answer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/shared"
	"github.com/skydeck-hub/skydeck-review-hub/pkg/retry"
)

// fakeItemStore keeps review states in memory and can be switched to fail.
type fakeItemStore struct {
	mu          sync.Mutex
	states      map[string]review.State
	upsertCalls int
	statsCalls  int
	totalXP     int
	failWrites  bool
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{states: make(map[string]review.State)}
}

func stateKey(userID review.UserID, cardID card.ID) string {
	return string(userID) + "/" + string(cardID)
}

var errWriteFailed = errors.New("write failed")

func (f *fakeItemStore) FetchDueReviewStates(ctx context.Context, userID review.UserID, filters card.Filters) ([]review.DueCard, error) {
	return nil, nil
}

func (f *fakeItemStore) FetchNewCards(ctx context.Context, userID review.UserID, filters card.Filters, excluded []card.ID, limit int) ([]card.Card, error) {
	return nil, nil
}

func (f *fakeItemStore) FetchCardsByBox(ctx context.Context, userID review.UserID, box review.Box, filters card.Filters) ([]review.DueCard, error) {
	return nil, nil
}

func (f *fakeItemStore) FetchPracticeCards(ctx context.Context, filters card.Filters, limit int) ([]card.Card, error) {
	return nil, nil
}

func (f *fakeItemStore) GetReviewState(ctx context.Context, userID review.UserID, cardID card.ID) (*review.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return nil, errWriteFailed
	}
	s, ok := f.states[stateKey(userID, cardID)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeItemStore) UpsertReviewState(ctx context.Context, state review.State) (review.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return review.State{}, errWriteFailed
	}
	f.upsertCalls++
	f.states[stateKey(state.UserID, state.CardID)] = state
	return state, nil
}

func (f *fakeItemStore) UpsertUserStats(ctx context.Context, userID review.UserID, xpDelta int, correct bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWriteFailed
	}
	f.statsCalls++
	f.totalXP += xpDelta
	return nil
}

func (f *fakeItemStore) setFailWrites(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

func (f *fakeItemStore) snapshot() (upserts, stats, xp int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCalls, f.statsCalls, f.totalXP
}

func (f *fakeItemStore) state(userID review.UserID, cardID card.ID) (review.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[stateKey(userID, cardID)]
	return s, ok
}

// fakePendingStore is an in-memory review.PendingStore.
type fakePendingStore struct {
	mu      sync.Mutex
	entries []review.PendingUpdate
	applied map[string]time.Time
}

func newFakePendingStore() *fakePendingStore {
	return &fakePendingStore{applied: make(map[string]time.Time)}
}

func (f *fakePendingStore) AppendPendingAction(ctx context.Context, update review.PendingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == update.ID {
			f.entries[i] = update
			return nil
		}
	}
	f.entries = append(f.entries, update)
	return nil
}

func (f *fakePendingStore) ListPendingActions(ctx context.Context) ([]review.PendingUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]review.PendingUpdate, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *fakePendingStore) RemovePendingAction(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakePendingStore) MarkApplied(ctx context.Context, id string, appliedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[id] = appliedAt
	return nil
}

func (f *fakePendingStore) WasApplied(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.applied[id]
	return ok, nil
}

func (f *fakePendingStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// --- helpers ---

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetrier() *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(2),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
	)
}

func newTestQueue(store *fakeItemStore, pending *fakePendingStore, opts ...Option) *Queue {
	opts = append([]Option{WithRetrier(fastRetrier())}, opts...)
	return New(store, pending, quietLogger(), opts...)
}

// --- tests ---

func TestSubmitAndFlush_AppliesUpdate(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()

	reloaded := false
	q := newTestQueue(store, pending, WithReloadHook(func() { reloaded = true }))
	defer q.Close()

	_, err := q.Submit(context.Background(), "user-1", "card-1", 5)
	require.NoError(t, err)

	require.NoError(t, q.Flush(context.Background()))

	state, ok := store.state("user-1", "card-1")
	require.True(t, ok)
	assert.Equal(t, review.Box(2), state.Box, "first confident answer lands in box 2")

	_, _, xp := store.snapshot()
	assert.Equal(t, 15, xp)
	assert.True(t, reloaded)
	assert.Equal(t, 0, q.Len(), "buffer is drained after flush")
	assert.Equal(t, 0, pending.count(), "durable copy removed after apply")
}

func TestFlush_AppliesInOrderOnSameCard(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()
	q := newTestQueue(store, pending)
	defer q.Close()

	// A confident answer followed by a failed one: the reset must win.
	_, err := q.Submit(context.Background(), "user-1", "card-1", 5)
	require.NoError(t, err)
	_, err = q.Submit(context.Background(), "user-1", "card-1", 1)
	require.NoError(t, err)

	require.NoError(t, q.Flush(context.Background()))

	state, ok := store.state("user-1", "card-1")
	require.True(t, ok)
	assert.Equal(t, review.Box(1), state.Box)
	assert.Equal(t, 0, state.Streak)
	assert.Equal(t, 1, state.CorrectCount)
	assert.Equal(t, 1, state.IncorrectCount)
	assert.Equal(t, 2, state.RepetitionCount)
}

func TestApply_IdempotentAcrossWorkerAndFlush(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()
	q := newTestQueue(store, pending)
	defer q.Close()

	_, err := q.Submit(context.Background(), "user-1", "card-1", 4)
	require.NoError(t, err)

	// Flush joins the background apply; whichever ran second must skip.
	require.NoError(t, q.Flush(context.Background()))
	require.NoError(t, q.Flush(context.Background()))

	upserts, stats, xp := store.snapshot()
	assert.Equal(t, 1, upserts, "update applied exactly once")
	assert.Equal(t, 1, stats)
	assert.Equal(t, 12, xp)
}

func TestFlush_FailureKeepsUpdateQueued(t *testing.T) {
	store := newFakeItemStore()
	store.setFailWrites(true)
	pending := newFakePendingStore()

	var notices []Notice
	var noticeMu sync.Mutex
	q := newTestQueue(store, pending, WithNotifier(func(n Notice) {
		noticeMu.Lock()
		notices = append(notices, n)
		noticeMu.Unlock()
	}))
	defer q.Close()

	_, err := q.Submit(context.Background(), "user-1", "card-1", 3)
	require.NoError(t, err)

	err = q.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPersistFailed)

	assert.Equal(t, 1, q.Len(), "failed update stays buffered")
	assert.Equal(t, 1, pending.count(), "durable copy survives the failure")

	noticeMu.Lock()
	defer noticeMu.Unlock()
	require.NotEmpty(t, notices)
	assert.False(t, notices[len(notices)-1].Synced)
	assert.Equal(t, "saved locally, will sync", notices[len(notices)-1].Message)
}

func TestFlush_RecoversAfterStoreReturns(t *testing.T) {
	store := newFakeItemStore()
	store.setFailWrites(true)
	pending := newFakePendingStore()
	q := newTestQueue(store, pending)
	defer q.Close()

	_, err := q.Submit(context.Background(), "user-1", "card-1", 5)
	require.NoError(t, err)
	require.Error(t, q.Flush(context.Background()))

	store.setFailWrites(false)
	require.NoError(t, q.Flush(context.Background()))

	_, ok := store.state("user-1", "card-1")
	assert.True(t, ok)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, pending.count())
}

func TestReplay_AppliesDurableUpdates(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()

	// Updates left behind by a previous process run.
	submitted := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pending.AppendPendingAction(context.Background(), review.PendingUpdate{
		ID: "u1", UserID: "user-1", CardID: "card-1", Score: 5, SubmittedAt: submitted,
	}))
	require.NoError(t, pending.AppendPendingAction(context.Background(), review.PendingUpdate{
		ID: "u2", UserID: "user-1", CardID: "card-2", Score: 2, SubmittedAt: submitted.Add(time.Minute),
	}))

	q := newTestQueue(store, pending)
	defer q.Close()

	require.NoError(t, q.Replay(context.Background()))

	s1, ok := store.state("user-1", "card-1")
	require.True(t, ok)
	assert.Equal(t, review.Box(2), s1.Box)

	s2, ok := store.state("user-1", "card-2")
	require.True(t, ok)
	assert.Equal(t, review.Box(1), s2.Box)
	assert.Equal(t, 1, s2.IncorrectCount)

	assert.Equal(t, 0, pending.count(), "applied updates are removed one by one")
}

func TestReplay_SkipsAlreadyApplied(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()

	update := review.PendingUpdate{
		ID: "u1", UserID: "user-1", CardID: "card-1", Score: 4,
		SubmittedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, pending.AppendPendingAction(context.Background(), update))
	// Applied by a previous run that crashed before removing the entry.
	require.NoError(t, pending.MarkApplied(context.Background(), "u1", time.Now()))

	q := newTestQueue(store, pending)
	defer q.Close()

	require.NoError(t, q.Replay(context.Background()))

	upserts, stats, xp := store.snapshot()
	assert.Equal(t, 0, upserts, "already applied update must not double counters")
	assert.Equal(t, 0, stats)
	assert.Equal(t, 0, xp)
	assert.Equal(t, 0, pending.count(), "stale entry is cleaned up")
}

func TestSubmit_AfterCloseRejected(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()
	q := newTestQueue(store, pending)
	q.Close()

	_, err := q.Submit(context.Background(), "user-1", "card-1", 5)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestSubmit_ClampsScore(t *testing.T) {
	store := newFakeItemStore()
	pending := newFakePendingStore()
	q := newTestQueue(store, pending)
	defer q.Close()

	update, err := q.Submit(context.Background(), "user-1", "card-1", 11)
	require.NoError(t, err)
	assert.Equal(t, review.Score(5), update.Score)
}
