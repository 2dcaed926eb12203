// Package session содержит доменную модель учебной сессии: ограниченный
// упорядоченный список карточек плюс стратегия и фильтры, по которым он
// собран. Сессия эфемерна - живёт только в памяти и пересобирается при
// перезагрузке.
package session

import (
	"fmt"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
)

// DefaultBatchSize - размер сессии по умолчанию.
const DefaultBatchSize = 15

// ══════════════════════════════════════════════════════════════════════════════
// STRATEGY
// ══════════════════════════════════════════════════════════════════════════════

// Strategy определяет способ подбора карточек в сессию.
type Strategy string

const (
	// StrategyDue - созревшие повторения, добитые новыми карточками.
	StrategyDue Strategy = "due"
	// StrategyPractice - карточки без учёта сроков повторения.
	StrategyPractice Strategy = "practice"
	// StrategyBox - все карточки одной коробки.
	StrategyBox Strategy = "box"
	// StrategyCategory - карточки категории без учёта сроков.
	StrategyCategory Strategy = "category"
	// StrategyGuest - как practice, но явно без пользователя.
	StrategyGuest Strategy = "guest"
)

// IsValid проверяет, что стратегия известна.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyDue, StrategyPractice, StrategyBox, StrategyCategory, StrategyGuest:
		return true
	default:
		return false
	}
}

// NeedsUser возвращает true, если стратегии нужны состояния повторения.
func (s Strategy) NeedsUser() bool {
	return s == StrategyDue || s == StrategyBox
}

// String возвращает строковое представление стратегии.
func (s Strategy) String() string {
	return string(s)
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST / SESSION
// ══════════════════════════════════════════════════════════════════════════════

// Request описывает запрос на сборку сессии.
type Request struct {
	// UserID - пользователь; пустой = гость.
	UserID review.UserID

	// Strategy - стратегия подбора.
	Strategy Strategy

	// Box - номер коробки для StrategyBox.
	Box review.Box

	// Filters - фильтры категории/подкатегорий/регламента.
	Filters card.Filters

	// BatchSize - максимальный размер сессии; 0 = DefaultBatchSize.
	BatchSize int
}

// EffectiveBatchSize возвращает действующий размер сессии.
func (r Request) EffectiveBatchSize() int {
	if r.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return r.BatchSize
}

// Normalize приводит запрос к каноническому виду: гость всегда practice,
// отсутствие пользователя у due/box деградирует в practice.
func (r Request) Normalize() Request {
	out := r
	out.Filters = r.Filters.Normalized()
	if out.Strategy == StrategyGuest {
		out.UserID = ""
	}
	if out.UserID.IsGuest() && out.Strategy.NeedsUser() {
		out.Strategy = StrategyPractice
	}
	return out
}

// Session - собранная сессия: упорядоченный, ограниченный по размеру
// список карточек плюс то, как он был получен.
type Session struct {
	// Cards - карточки сессии, len(Cards) <= BatchSize.
	Cards []card.Card

	// States - состояния повторения по ID карточки (только для карточек,
	// у которых они есть).
	States map[card.ID]review.State

	// Strategy - стратегия, фактически давшая результат (после деградаций).
	Strategy Strategy

	// Requested - исходная стратегия запроса.
	Requested Strategy

	// Filters - фильтры, по которым собрана сессия.
	Filters card.Filters

	// Degraded - true, если сессия получена через fallback.
	Degraded bool
}

// Len возвращает количество карточек в сессии.
func (s Session) Len() int {
	return len(s.Cards)
}

// IsEmpty возвращает true для пустой сессии.
func (s Session) IsEmpty() bool {
	return len(s.Cards) == 0
}

// Describe возвращает короткое описание сессии для логов.
func (s Session) Describe() string {
	return fmt.Sprintf("%s(%d cards, degraded=%t)", s.Strategy, len(s.Cards), s.Degraded)
}
