package review

import (
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULING POLICY
// Чистые функции: (текущее состояние, оценка) -> (новая коробка, срок, XP).
// Никакого I/O, никаких исключений.
// ══════════════════════════════════════════════════════════════════════════════

// intervalDays - таблица интервалов: дни до следующего повторения
// по номеру новой коробки.
var intervalDays = map[Box]int{
	1: 1,
	2: 3,
	3: 7,
	4: 14,
	5: 30,
}

// xpByScore - начисление XP по оценке ответа.
var xpByScore = map[Score]int{
	0: 5,
	1: 5,
	2: 8,
	3: 10,
	4: 12,
	5: 15,
}

// defaultXP начисляется для неизвестных оценок.
const defaultXP = 10

// IntervalDays возвращает интервал в днях для коробки.
// Для коробки вне диапазона возвращает интервал нижней коробки.
func IntervalDays(b Box) int {
	if d, ok := intervalDays[b]; ok {
		return d
	}
	return intervalDays[MinBox]
}

// XPForScore возвращает XP за оценку.
func XPForScore(s Score) int {
	if xp, ok := xpByScore[s]; ok {
		return xp
	}
	return defaultXP
}

// Outcome - результат применения политики к одному ответу.
type Outcome struct {
	// State - новое состояние повторения (полностью заменяет старое).
	State State

	// XPDelta - начисленный XP.
	XPDelta int

	// Correct - считается ли ответ уверенно правильным (score >= 4).
	// Используется при обновлении пользовательской статистики.
	Correct bool
}

// Apply применяет оценку к текущему состоянию и возвращает новое.
// prev == nil означает первое повторение карточки.
//
// Переходы между коробками:
//   - score < 3: сброс в коробку 1, серия обнуляется, incorrect_count += 1
//   - score == 3: осторожное продвижение min(box+1, 5), серия не меняется
//   - score >= 4: min(box+1, 5), серия += 1, correct_count += 1
func Apply(prev *State, userID UserID, cardID card.ID, score Score, now time.Time) Outcome {
	score = score.Clamp()

	var next State
	if prev == nil {
		next = firstReview(userID, cardID, score)
	} else {
		next = *prev
		switch {
		case score.IsFailed():
			next.Box = MinBox
			next.Streak = 0
			next.IncorrectCount++
		case score.IsCorrect():
			next.Box = next.Box.Next()
			next.Streak++
			next.CorrectCount++
		default: // score == 3
			next.Box = next.Box.Next()
		}
	}

	next.LastScore = score
	next.LastReviewedAt = now
	next.NextReviewAt = now.AddDate(0, 0, IntervalDays(next.Box))
	next.RepetitionCount++

	return Outcome{
		State:   next,
		XPDelta: XPForScore(score),
		Correct: score.IsCorrect(),
	}
}

// firstReview строит начальное состояние: коробка 2 при уверенно правильном
// ответе, иначе коробка 1.
func firstReview(userID UserID, cardID card.ID, score Score) State {
	s := State{
		UserID: userID,
		CardID: cardID,
		Box:    MinBox,
	}
	switch {
	case score.IsCorrect():
		s.Box = 2
		s.Streak = 1
		s.CorrectCount = 1
	case score.IsFailed():
		s.IncorrectCount = 1
	}
	return s
}
