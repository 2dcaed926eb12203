package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/session"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/shared"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/cache"
	"github.com/skydeck-hub/skydeck-review-hub/pkg/retry"
)

// fakeItemStore is an in-memory review.ItemStore with switchable failures.
// Cards listed in reviewed have a review state for the user and therefore
// never count as "new", mirroring the store contract.
type fakeItemStore struct {
	due      []review.DueCard
	boxed    []review.DueCard
	fresh    []card.Card
	practice []card.Card
	reviewed map[card.ID]struct{}

	failDue      bool
	failNew      bool
	failPractice bool

	dueCalls      int
	newCalls      int
	practiceCalls int
}

var errStoreDown = errors.New("store down")

func (f *fakeItemStore) FetchDueReviewStates(ctx context.Context, userID review.UserID, filters card.Filters) ([]review.DueCard, error) {
	f.dueCalls++
	if f.failDue {
		return nil, errStoreDown
	}
	return f.due, nil
}

func (f *fakeItemStore) FetchNewCards(ctx context.Context, userID review.UserID, filters card.Filters, excluded []card.ID, limit int) ([]card.Card, error) {
	f.newCalls++
	if f.failNew {
		return nil, errStoreDown
	}
	skip := make(map[card.ID]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	var out []card.Card
	for _, c := range f.fresh {
		if _, ok := skip[c.ID]; ok {
			continue
		}
		if _, ok := f.reviewed[c.ID]; ok {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeItemStore) FetchCardsByBox(ctx context.Context, userID review.UserID, box review.Box, filters card.Filters) ([]review.DueCard, error) {
	return f.boxed, nil
}

func (f *fakeItemStore) FetchPracticeCards(ctx context.Context, filters card.Filters, limit int) ([]card.Card, error) {
	f.practiceCalls++
	if f.failPractice {
		return nil, errStoreDown
	}
	if len(f.practice) > limit {
		return f.practice[:limit], nil
	}
	return f.practice, nil
}

func (f *fakeItemStore) GetReviewState(ctx context.Context, userID review.UserID, cardID card.ID) (*review.State, error) {
	return nil, nil
}

func (f *fakeItemStore) UpsertReviewState(ctx context.Context, state review.State) (review.State, error) {
	return state, nil
}

func (f *fakeItemStore) UpsertUserStats(ctx context.Context, userID review.UserID, xpDelta int, correct bool) error {
	return nil
}

// --- helpers ---

func makeCard(id string) card.Card {
	return card.Card{
		ID:       card.ID(id),
		Category: "meteorology",
		Content:  card.Content{Question: "q-" + id},
	}
}

func makeDue(id string, nextReview time.Time) review.DueCard {
	c := makeCard(id)
	return review.DueCard{
		Card: c,
		State: review.State{
			UserID:       "user-1",
			CardID:       c.ID,
			Box:          2,
			NextReviewAt: nextReview,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func fastRetrier() *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(2),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
	)
}

func newTestComposer(store *fakeItemStore, clock func() time.Time) (*Composer, *cache.ReviewCache) {
	log := quietLogger()
	rc := cache.New(log, cache.WithClock(clock))
	c := New(store, rc, log,
		WithRetrier(fastRetrier()),
		WithClock(clock),
	)
	return c, rc
}

// --- tests ---

func TestCompose_DueSupplementedWithNewCards(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{}
	for i := 0; i < 10; i++ {
		store.due = append(store.due, makeDue(fmt.Sprintf("due-%02d", i), base.Add(-time.Duration(i)*time.Hour)))
	}
	for i := 0; i < 8; i++ {
		store.fresh = append(store.fresh, makeCard(fmt.Sprintf("new-%02d", i)))
	}

	c, _ := newTestComposer(store, func() time.Time { return base })

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:   "user-1",
		Strategy: session.StrategyDue,
	})

	require.NoError(t, err)
	assert.Equal(t, 15, sess.Len(), "10 due + 5 new up to the batch size")
	assert.Equal(t, session.StrategyDue, sess.Strategy)
	assert.False(t, sess.Degraded)

	// Due cards carry their states; the supplement does not.
	assert.Len(t, sess.States, 10)
	_, hasState := sess.States[sess.Cards[0].ID]
	assert.True(t, hasState)
}

func TestCompose_DueOrderedByNextReview(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{
		due: []review.DueCard{
			makeDue("late", base.Add(-time.Hour)),
			makeDue("oldest", base.Add(-72*time.Hour)),
			makeDue("middle", base.Add(-24*time.Hour)),
		},
	}

	c, _ := newTestComposer(store, func() time.Time { return base })

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:   "user-1",
		Strategy: session.StrategyDue,
	})

	require.NoError(t, err)
	require.GreaterOrEqual(t, sess.Len(), 3)
	assert.Equal(t, card.ID("oldest"), sess.Cards[0].ID)
	assert.Equal(t, card.ID("middle"), sess.Cards[1].ID)
	assert.Equal(t, card.ID("late"), sess.Cards[2].ID)
}

func TestCompose_DueTruncatedToBatchSize(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{}
	for i := 0; i < 40; i++ {
		store.due = append(store.due, makeDue(fmt.Sprintf("due-%02d", i), base.Add(-time.Duration(i)*time.Minute)))
	}

	c, _ := newTestComposer(store, func() time.Time { return base })

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:    "user-1",
		Strategy:  session.StrategyDue,
		BatchSize: 5,
	})

	require.NoError(t, err)
	assert.Equal(t, 5, sess.Len())
	// Most overdue first.
	assert.Equal(t, card.ID("due-39"), sess.Cards[0].ID)
	// No supplement needed, so the new-card fetch never ran.
	assert.Equal(t, 0, store.newCalls)
}

func TestCompose_SupplementFailureReturnsPartialSession(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{
		due:     []review.DueCard{makeDue("due-1", base.Add(-time.Hour))},
		failNew: true,
	}

	c, _ := newTestComposer(store, func() time.Time { return base })

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:   "user-1",
		Strategy: session.StrategyDue,
	})

	require.NoError(t, err, "supplement failure must not fail the session")
	assert.Equal(t, 1, sess.Len())
	assert.False(t, sess.Degraded)
}

func TestCompose_BoxDeduplicatesAndTruncates(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{
		boxed: []review.DueCard{
			makeDue("a", base),
			makeDue("b", base),
			makeDue("a", base), // duplicate
			makeDue("c", base),
		},
	}

	c, _ := newTestComposer(store, func() time.Time { return base })

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:    "user-1",
		Strategy:  session.StrategyBox,
		Box:       3,
		BatchSize: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, sess.Len())
	assert.Equal(t, card.ID("a"), sess.Cards[0].ID)
	assert.Equal(t, card.ID("b"), sess.Cards[1].ID)
}

func TestCompose_InvalidBoxRejected(t *testing.T) {
	store := &fakeItemStore{}
	c, _ := newTestComposer(store, time.Now)

	_, err := c.Compose(context.Background(), session.Request{
		UserID:   "user-1",
		Strategy: session.StrategyBox,
		Box:      9,
	})

	assert.ErrorIs(t, err, shared.ErrValueOutOfRange)
}

func TestCompose_UnknownStrategyRejected(t *testing.T) {
	store := &fakeItemStore{}
	c, _ := newTestComposer(store, time.Now)

	_, err := c.Compose(context.Background(), session.Request{Strategy: "cramming"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCompose_GuestDegradesDueToPractice(t *testing.T) {
	store := &fakeItemStore{
		practice: []card.Card{makeCard("p1"), makeCard("p2")},
	}

	c, _ := newTestComposer(store, time.Now)

	// A guest asking for due reviews gets practice instead.
	sess, err := c.Compose(context.Background(), session.Request{
		Strategy: session.StrategyDue,
	})

	require.NoError(t, err)
	assert.Equal(t, session.StrategyPractice, sess.Strategy)
	assert.Equal(t, 2, sess.Len())
	assert.Equal(t, 0, store.dueCalls, "guests never hit review state reads")
}

func TestCompose_StaleCacheServedOnStoreFailure(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	store := &fakeItemStore{
		due: []review.DueCard{makeDue("due-1", base.Add(-time.Hour))},
	}

	c, _ := newTestComposer(store, clock)
	req := session.Request{UserID: "user-1", Strategy: session.StrategyDue}

	// Warm the cache.
	_, err := c.Compose(context.Background(), req)
	require.NoError(t, err)

	// TTL expires, then the store goes down.
	now = base.Add(10 * time.Minute)
	store.failDue = true
	store.failNew = true
	store.failPractice = true

	sess, err := c.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Len())
	assert.Equal(t, card.ID("due-1"), sess.Cards[0].ID)
}

func TestCompose_DegradesToPracticeWhenDueFails(t *testing.T) {
	store := &fakeItemStore{
		failDue:  true,
		practice: []card.Card{makeCard("p1")},
	}

	c, _ := newTestComposer(store, time.Now)

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:   "user-1",
		Strategy: session.StrategyDue,
	})

	require.NoError(t, err)
	assert.True(t, sess.Degraded)
	assert.Equal(t, session.StrategyPractice, sess.Strategy)
	assert.Equal(t, session.StrategyDue, sess.Requested)
	assert.Equal(t, 1, sess.Len())

	snap := c.Metrics()
	assert.Equal(t, int64(1), snap.Fallbacks)
	assert.Equal(t, int64(1), snap.Degradations)
}

func TestCompose_ExhaustedFallbackReturnsError(t *testing.T) {
	store := &fakeItemStore{
		failDue:      true,
		failNew:      true,
		failPractice: true,
	}

	c, _ := newTestComposer(store, time.Now)

	_, err := c.Compose(context.Background(), session.Request{
		UserID:   "user-1",
		Strategy: session.StrategyDue,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrFallbackExhausted)
	assert.Equal(t, int64(1), c.Metrics().Exhausted)
}

func TestCompose_MalformedCardsDropped(t *testing.T) {
	broken := card.Card{ID: "", Category: "meteorology"} // no ID, no question
	store := &fakeItemStore{
		practice: []card.Card{makeCard("ok"), broken},
	}

	c, _ := newTestComposer(store, time.Now)

	sess, err := c.Compose(context.Background(), session.Request{
		Strategy: session.StrategyPractice,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, sess.Len())
	assert.Equal(t, card.ID("ok"), sess.Cards[0].ID)
}

func TestCompose_CachedResultReused(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{
		practice: []card.Card{makeCard("p1")},
	}

	c, _ := newTestComposer(store, func() time.Time { return base })
	req := session.Request{Strategy: session.StrategyPractice}

	_, err := c.Compose(context.Background(), req)
	require.NoError(t, err)
	_, err = c.Compose(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, store.practiceCalls, "second compose must hit the cache")
}

// blockingStore stalls the first practice fetch until its context dies,
// letting the test race two Compose calls against each other.
type blockingStore struct {
	*fakeItemStore
	started chan struct{}
	blocked atomic.Bool
}

func (b *blockingStore) FetchPracticeCards(ctx context.Context, filters card.Filters, limit int) ([]card.Card, error) {
	if b.blocked.CompareAndSwap(false, true) {
		close(b.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.fakeItemStore.FetchPracticeCards(ctx, filters, limit)
}

func TestCompose_NewerRequestCancelsInflightLoad(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &blockingStore{
		fakeItemStore: &fakeItemStore{practice: []card.Card{makeCard("p1")}},
		started:       make(chan struct{}),
	}

	log := quietLogger()
	rc := cache.New(log, cache.WithClock(func() time.Time { return base }))
	c := New(store, rc, log,
		WithRetrier(fastRetrier()),
		WithClock(func() time.Time { return base }),
	)

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Compose(context.Background(), session.Request{
			Strategy: session.StrategyPractice,
			Filters:  card.Filters{Category: "meteorology"},
		})
		firstDone <- err
	}()

	<-store.started

	// A second request with different filters preempts the stalled one.
	sess, err := c.Compose(context.Background(), session.Request{
		Strategy: session.StrategyPractice,
		Filters:  card.Filters{Category: "navigation"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Len())

	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("preempted compose never returned")
	}
}

func TestCompose_SupplementSkipsAlreadyReviewedCards(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeItemStore{
		due: []review.DueCard{makeDue("due-1", base.Add(-time.Hour))},
		fresh: []card.Card{
			makeCard("seen-not-due"), // answered before, matures in two weeks
			makeCard("never-seen"),
		},
		reviewed: map[card.ID]struct{}{"seen-not-due": {}},
	}

	c, _ := newTestComposer(store, func() time.Time { return base })

	sess, err := c.Compose(context.Background(), session.Request{
		UserID:    "user-1",
		Strategy:  session.StrategyDue,
		BatchSize: 5,
	})

	require.NoError(t, err)
	require.Equal(t, 2, sess.Len())
	assert.Equal(t, card.ID("due-1"), sess.Cards[0].ID)
	assert.Equal(t, card.ID("never-seen"), sess.Cards[1].ID,
		"a card with a review state must never come back as a new supplement")
}
