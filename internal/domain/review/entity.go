// Package review содержит доменную модель состояния повторения карточки
// и чистую политику планирования (лестница из 5 коробок).
package review

import (
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// UserID представляет идентификатор пользователя.
// Пустое значение означает гостя - у гостей нет состояний повторения.
type UserID string

// IsGuest возвращает true, если идентификатор пользователя не задан.
func (u UserID) IsGuest() bool {
	return u == ""
}

// String возвращает строковое представление идентификатора.
func (u UserID) String() string {
	return string(u)
}

// Box - номер коробки (1-5), кодирующий интервал повторения.
// Чем выше коробка, тем длиннее интервал.
type Box int

const (
	// MinBox - нижняя коробка; сюда карточка падает после ошибки.
	MinBox Box = 1
	// MaxBox - верхняя коробка с самым длинным интервалом.
	MaxBox Box = 5
)

// IsValid проверяет, что номер коробки в диапазоне [1,5].
func (b Box) IsValid() bool {
	return b >= MinBox && b <= MaxBox
}

// Next возвращает следующую коробку, не выходя за MaxBox.
func (b Box) Next() Box {
	if b >= MaxBox {
		return MaxBox
	}
	return b + 1
}

// Score - оценка ответа в диапазоне [0,5].
type Score int

// Clamp приводит оценку к допустимому диапазону [0,5].
// Политика никогда не возвращает ошибку на кривой вход.
func (s Score) Clamp() Score {
	if s < 0 {
		return 0
	}
	if s > 5 {
		return 5
	}
	return s
}

// IsCorrect возвращает true для уверенно правильных ответов (4-5).
func (s Score) IsCorrect() bool {
	return s >= 4
}

// IsFailed возвращает true для неправильных ответов (0-2).
func (s Score) IsFailed() bool {
	return s < 3
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: REVIEW STATE
// ══════════════════════════════════════════════════════════════════════════════

// State - состояние повторения одной карточки для одного пользователя.
// Создаётся при первом ответе, мутирует при каждом последующем и никогда
// не перезаписывается напрямую - только атомарно результатом политики.
type State struct {
	// UserID - идентификатор пользователя.
	UserID UserID

	// CardID - идентификатор карточки.
	CardID card.ID

	// Box - текущая коробка (1-5).
	Box Box

	// Streak - серия подряд правильных ответов по этой карточке.
	Streak int

	// CorrectCount - всего правильных ответов.
	CorrectCount int

	// IncorrectCount - всего неправильных ответов.
	IncorrectCount int

	// LastScore - последняя оценка (0-5).
	LastScore Score

	// LastReviewedAt - время последнего повторения.
	LastReviewedAt time.Time

	// NextReviewAt - время следующего повторения.
	// Всегда выводится только из Box через таблицу интервалов.
	NextReviewAt time.Time

	// RepetitionCount - всего повторений карточки.
	RepetitionCount int
}

// IsDue возвращает true, если карточка созрела для повторения.
func (s State) IsDue(now time.Time) bool {
	return !s.NextReviewAt.After(now)
}

// DueCard - состояние повторения вместе с карточкой, как возвращает Item Store.
type DueCard struct {
	Card  card.Card
	State State
}
