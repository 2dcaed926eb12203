package card

import (
	"github.com/go-playground/validator/v10"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/shared"
)

// record - промежуточное представление карточки для структурной валидации
// записей, пришедших из Item Store. Повреждённая запись отбрасывается из
// результатов и логируется, но никогда не валит сессию целиком.
type record struct {
	ID       string `validate:"required"`
	Category string `validate:"required,min=1,max=100"`
	Question string `validate:"required"`
}

var validate = validator.New()

// Validate проверяет, что карточка содержит все обязательные поля.
// Возвращает ErrCardMissingFields для повреждённых записей.
func Validate(c Card) error {
	rec := record{
		ID:       string(c.ID),
		Category: string(c.Category),
		Question: c.Content.Question,
	}
	if err := validate.Struct(rec); err != nil {
		return shared.WrapError("card", "Validate", shared.ErrValidation,
			"card record is missing required fields", err)
	}
	if !c.Regulation.IsValid() {
		return shared.ErrInvalidRegulation
	}
	return nil
}

// FilterValid отбрасывает повреждённые записи, возвращая валидные карточки
// и количество отброшенных.
func FilterValid(cards []Card) ([]Card, int) {
	valid := make([]Card, 0, len(cards))
	dropped := 0
	for _, c := range cards {
		if err := Validate(c); err != nil {
			dropped++
			continue
		}
		valid = append(valid, c)
	}
	return valid, dropped
}
