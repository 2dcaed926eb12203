// Package card содержит доменную модель учебной карточки.
// Это ядро бизнес-логики - здесь нет внешних зависимостей.
package card

import (
	"sort"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// ID представляет уникальный идентификатор карточки (UUID в строковом формате).
type ID string

// IsValid проверяет, что ID непустой.
func (id ID) IsValid() bool {
	return len(id) > 0
}

// String возвращает строковое представление ID.
func (id ID) String() string {
	return string(id)
}

// Category представляет учебную категорию карточки (например, "airspace").
type Category string

// IsValid проверяет корректность категории.
func (c Category) IsValid() bool {
	s := string(c)
	return len(s) >= 1 && len(s) <= 100
}

// String возвращает строковое представление категории.
func (c Category) String() string {
	return string(c)
}

// Difficulty представляет сложность карточки (1 - лёгкая, 3 - сложная).
type Difficulty int

// IsValid проверяет, что сложность в допустимом диапазоне.
func (d Difficulty) IsValid() bool {
	return d >= 1 && d <= 3
}

// ══════════════════════════════════════════════════════════════════════════════
// REGULATION TAG
// ══════════════════════════════════════════════════════════════════════════════

// Regulation - тег регламента, ортогональный категории фильтр.
type Regulation string

const (
	// RegulationDS301 - карточка относится только к регламенту DS301.
	RegulationDS301 Regulation = "DS301"
	// RegulationDV301 - карточка относится только к регламенту DV301.
	RegulationDV301 Regulation = "DV301"
	// RegulationBoth - карточка относится к обоим регламентам.
	RegulationBoth Regulation = "both"
	// RegulationUnset - тег не задан; карточка видна при любом фильтре.
	RegulationUnset Regulation = ""
)

// IsValid проверяет, что тег регламента корректен.
func (r Regulation) IsValid() bool {
	switch r {
	case RegulationDS301, RegulationDV301, RegulationBoth, RegulationUnset:
		return true
	default:
		return false
	}
}

// MatchesFilter возвращает true, если карточка с этим тегом проходит фильтр.
// Конкретный фильтр (DS301 или DV301) пропускает также карточки с тегом
// "both" и карточки без тега.
func (r Regulation) MatchesFilter(filter Regulation) bool {
	if filter == RegulationUnset {
		return true
	}
	return r == filter || r == RegulationBoth || r == RegulationUnset
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: CARD
// ══════════════════════════════════════════════════════════════════════════════

// Answer - один вариант ответа на карточке.
type Answer struct {
	// Text - текст варианта ответа.
	Text string

	// Correct - является ли вариант правильным.
	Correct bool
}

// Content - содержимое карточки (текст вопроса, ответы, изображение).
type Content struct {
	// Question - текст вопроса.
	Question string

	// Answers - варианты ответов.
	Answers []Answer

	// Explanation - пояснение к правильному ответу (опционально).
	Explanation string

	// ImageURL - ссылка на изображение (опционально).
	ImageURL string
}

// Card - учебная карточка. Неизменяема с точки зрения планировщика;
// владельцем данных является Item Store.
type Card struct {
	// ID - уникальный идентификатор карточки.
	ID ID

	// Category - учебная категория.
	Category Category

	// SubCategory - подкатегория внутри категории.
	SubCategory string

	// Regulation - тег регламента (DS301/DV301/both/не задан).
	Regulation Regulation

	// Difficulty - сложность (1-3).
	Difficulty Difficulty

	// Content - содержимое карточки.
	Content Content

	// Revision - номер ревизии содержимого.
	Revision int
}

// ══════════════════════════════════════════════════════════════════════════════
// FILTERS
// ══════════════════════════════════════════════════════════════════════════════

// Filters описывает фильтры подбора карточек для сессии.
type Filters struct {
	// Category - учебная категория (обязательна для category-стратегии).
	Category Category

	// SubCategory - одиночная подкатегория.
	SubCategory string

	// SubCategories - набор выбранных подкатегорий.
	// Если задан, имеет приоритет над SubCategory.
	SubCategories []string

	// Regulation - фильтр регламента (пустой = все).
	Regulation Regulation
}

// EffectiveSubCategories возвращает действующий набор подкатегорий:
// набор имеет приоритет над одиночной подкатегорией.
func (f Filters) EffectiveSubCategories() []string {
	if len(f.SubCategories) > 0 {
		return f.SubCategories
	}
	if f.SubCategory != "" {
		return []string{f.SubCategory}
	}
	return nil
}

// Matches проверяет, проходит ли карточка фильтры.
func (f Filters) Matches(c Card) bool {
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if subs := f.EffectiveSubCategories(); len(subs) > 0 {
		found := false
		for _, s := range subs {
			if strings.EqualFold(s, c.SubCategory) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return c.Regulation.MatchesFilter(f.Regulation)
}

// Normalized возвращает копию фильтров с детерминированным порядком
// подкатегорий. Используется при построении отпечатка кеша.
func (f Filters) Normalized() Filters {
	out := f
	if len(f.SubCategories) > 0 {
		out.SubCategories = make([]string, len(f.SubCategories))
		copy(out.SubCategories, f.SubCategories)
		sort.Strings(out.SubCategories)
	}
	return out
}
