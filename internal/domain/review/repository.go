package review

import (
	"context"
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Эти интерфейсы определяют контракт для работы с хранилищем данных.
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// ItemStore определяет операции чтения и записи, которые потребляют
// кеш, композитор сессий и очередь отложенных обновлений.
type ItemStore interface {
	// FetchDueReviewStates возвращает состояния с next_review_at <= now
	// вместе с карточками, с учётом фильтров.
	FetchDueReviewStates(ctx context.Context, userID UserID, filters card.Filters) ([]DueCard, error)

	// FetchNewCards возвращает до limit "новых" карточек, проходящих
	// фильтры, исключая перечисленные ID. Новая - значит у пользователя
	// нет состояния повторения по этой карточке; отвеченные ранее, но
	// ещё не созревшие карточки сюда не попадают.
	FetchNewCards(ctx context.Context, userID UserID, filters card.Filters, excluded []card.ID, limit int) ([]card.Card, error)

	// FetchCardsByBox возвращает все состояния в указанной коробке
	// с учётом фильтров. Запрос не усечён - усечение делает композитор.
	FetchCardsByBox(ctx context.Context, userID UserID, box Box, filters card.Filters) ([]DueCard, error)

	// FetchPracticeCards возвращает до limit карточек, игнорируя
	// состояния повторения. Используется для гостей и practice-сессий.
	FetchPracticeCards(ctx context.Context, filters card.Filters, limit int) ([]card.Card, error)

	// GetReviewState возвращает текущее состояние повторения карточки.
	// Возвращает (nil, nil), если карточка ещё ни разу не отвечалась.
	GetReviewState(ctx context.Context, userID UserID, cardID card.ID) (*State, error)

	// UpsertReviewState атомарно сохраняет новое состояние повторения.
	UpsertReviewState(ctx context.Context, state State) (State, error)

	// UpsertUserStats обновляет пользовательскую статистику:
	// прибавляет XP и инкрементирует счётчик правильных/неправильных.
	UpsertUserStats(ctx context.Context, userID UserID, xpDelta int, correct bool) error
}

// ══════════════════════════════════════════════════════════════════════════════
// PENDING UPDATES
// ══════════════════════════════════════════════════════════════════════════════

// PendingUpdate - буферизованный, ещё не подтверждённый ответ.
// Существует с момента отправки до успешной записи в Item Store;
// переживает перезапуск процесса через durable-хранилище.
type PendingUpdate struct {
	// ID - уникальный идентификатор обновления (для идемпотентного replay).
	ID string

	// UserID - идентификатор пользователя.
	UserID UserID

	// CardID - идентификатор карточки.
	CardID card.ID

	// Score - оценка ответа.
	Score Score

	// SubmittedAt - время отправки ответа.
	SubmittedAt time.Time

	// Attempts - сколько раз применение уже проваливалось.
	Attempts int
}

// PendingStore - durable-хранилище отложенных обновлений.
// Успешно применённые обновления удаляются по одному, не пачкой,
// чтобы частичный replay не потерял неприменённые записи.
type PendingStore interface {
	// AppendPendingAction сохраняет отложенное обновление.
	AppendPendingAction(ctx context.Context, update PendingUpdate) error

	// ListPendingActions возвращает все отложенные обновления
	// в порядке отправки.
	ListPendingActions(ctx context.Context) ([]PendingUpdate, error)

	// RemovePendingAction удаляет одно обновление после успешного
	// применения.
	RemovePendingAction(ctx context.Context, id string) error

	// MarkApplied запоминает ID применённого обновления.
	MarkApplied(ctx context.Context, id string, appliedAt time.Time) error

	// WasApplied проверяет, применялось ли обновление ранее.
	// Повторный replay применённого обновления пропускается, чтобы
	// не задвоить счётчики и XP.
	WasApplied(ctx context.Context, id string) (bool, error)
}
