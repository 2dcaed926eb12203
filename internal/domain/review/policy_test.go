package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
)

var (
	testUser = UserID("user-1")
	testCard = card.ID("card-1")
	testNow  = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
)

func TestApply_FirstReviewConfident(t *testing.T) {
	out := Apply(nil, testUser, testCard, 5, testNow)

	assert.Equal(t, Box(2), out.State.Box)
	assert.Equal(t, 1, out.State.Streak)
	assert.Equal(t, 1, out.State.CorrectCount)
	assert.Equal(t, 0, out.State.IncorrectCount)
	assert.Equal(t, 1, out.State.RepetitionCount)
	assert.Equal(t, testNow.AddDate(0, 0, 3), out.State.NextReviewAt)
	assert.Equal(t, 15, out.XPDelta)
	assert.True(t, out.Correct)
}

func TestApply_FirstReviewWeak(t *testing.T) {
	out := Apply(nil, testUser, testCard, 3, testNow)

	assert.Equal(t, Box(1), out.State.Box)
	assert.Equal(t, 0, out.State.Streak)
	assert.Equal(t, 0, out.State.CorrectCount)
	assert.Equal(t, 0, out.State.IncorrectCount)
	assert.Equal(t, testNow.AddDate(0, 0, 1), out.State.NextReviewAt)
	assert.Equal(t, 10, out.XPDelta)
	assert.False(t, out.Correct)
}

func TestApply_FirstReviewFailed(t *testing.T) {
	out := Apply(nil, testUser, testCard, 1, testNow)

	assert.Equal(t, Box(1), out.State.Box)
	assert.Equal(t, 1, out.State.IncorrectCount)
	assert.Equal(t, 0, out.State.Streak)
	assert.Equal(t, 5, out.XPDelta)
}

func TestApply_FailedResetsToBoxOne(t *testing.T) {
	prev := &State{
		UserID:          testUser,
		CardID:          testCard,
		Box:             4,
		Streak:          7,
		CorrectCount:    10,
		IncorrectCount:  2,
		RepetitionCount: 12,
	}

	out := Apply(prev, testUser, testCard, 2, testNow)

	assert.Equal(t, Box(1), out.State.Box)
	assert.Equal(t, 0, out.State.Streak)
	assert.Equal(t, 10, out.State.CorrectCount)
	assert.Equal(t, 3, out.State.IncorrectCount)
	assert.Equal(t, 13, out.State.RepetitionCount)
	assert.Equal(t, testNow.AddDate(0, 0, 1), out.State.NextReviewAt)
	assert.Equal(t, 8, out.XPDelta)
}

func TestApply_CautiousAdvanceKeepsStreak(t *testing.T) {
	prev := &State{Box: 2, Streak: 3, CorrectCount: 5}

	out := Apply(prev, testUser, testCard, 3, testNow)

	assert.Equal(t, Box(3), out.State.Box)
	assert.Equal(t, 3, out.State.Streak, "score 3 must not touch the streak")
	assert.Equal(t, 5, out.State.CorrectCount, "score 3 must not count as correct")
	assert.Equal(t, testNow.AddDate(0, 0, 7), out.State.NextReviewAt)
}

func TestApply_ConfidentAdvance(t *testing.T) {
	prev := &State{Box: 3, Streak: 2, CorrectCount: 4}

	out := Apply(prev, testUser, testCard, 4, testNow)

	assert.Equal(t, Box(4), out.State.Box)
	assert.Equal(t, 3, out.State.Streak)
	assert.Equal(t, 5, out.State.CorrectCount)
	assert.Equal(t, testNow.AddDate(0, 0, 14), out.State.NextReviewAt)
	assert.Equal(t, 12, out.XPDelta)
	assert.True(t, out.Correct)
}

func TestApply_BoxCappedAtFive(t *testing.T) {
	prev := &State{Box: 5, Streak: 10}

	out := Apply(prev, testUser, testCard, 5, testNow)

	assert.Equal(t, Box(5), out.State.Box)
	assert.Equal(t, 11, out.State.Streak)
	assert.Equal(t, testNow.AddDate(0, 0, 30), out.State.NextReviewAt)
}

func TestApply_ScoreClamped(t *testing.T) {
	// Scores outside 0-5 are clamped, not rejected.
	out := Apply(nil, testUser, testCard, 9, testNow)
	assert.Equal(t, Score(5), out.State.LastScore)
	assert.Equal(t, 15, out.XPDelta)

	out = Apply(nil, testUser, testCard, -2, testNow)
	assert.Equal(t, Score(0), out.State.LastScore)
	assert.Equal(t, 5, out.XPDelta)
}

func TestApply_NextReviewDerivedFromBoxOnly(t *testing.T) {
	for box, days := range map[Box]int{1: 1, 2: 3, 3: 7, 4: 14, 5: 30} {
		assert.Equal(t, days, IntervalDays(box))
	}
	// Out-of-range boxes fall back to the shortest interval.
	assert.Equal(t, 1, IntervalDays(0))
	assert.Equal(t, 1, IntervalDays(7))
}

func TestXPForScore(t *testing.T) {
	assert.Equal(t, 5, XPForScore(0))
	assert.Equal(t, 5, XPForScore(1))
	assert.Equal(t, 8, XPForScore(2))
	assert.Equal(t, 10, XPForScore(3))
	assert.Equal(t, 12, XPForScore(4))
	assert.Equal(t, 15, XPForScore(5))
	assert.Equal(t, 10, XPForScore(42))
}

func TestDayStreak_Touch(t *testing.T) {
	day1 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	day1Later := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)
	day5 := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	var ds DayStreak

	ds = ds.Touch(day1)
	assert.Equal(t, 1, ds.Current)
	assert.Equal(t, 1, ds.Best)

	// Same calendar day does not extend the streak.
	ds = ds.Touch(day1Later)
	assert.Equal(t, 1, ds.Current)

	// Next calendar day extends it.
	ds = ds.Touch(day2)
	assert.Equal(t, 2, ds.Current)
	assert.Equal(t, 2, ds.Best)

	// A gap resets the streak but keeps the best.
	ds = ds.Touch(day5)
	assert.Equal(t, 1, ds.Current)
	assert.Equal(t, 2, ds.Best)
}

func TestState_IsDue(t *testing.T) {
	s := State{NextReviewAt: testNow}
	assert.True(t, s.IsDue(testNow))
	assert.True(t, s.IsDue(testNow.Add(time.Hour)))
	assert.False(t, s.IsDue(testNow.Add(-time.Hour)))
}
