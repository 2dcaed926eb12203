// Package answer реализует очередь отложенных обновлений: буферизация
// ответов пользователя, оптимистичное фоновое применение через политику
// планирования и Item Store, ручной flush и durable replay после офлайна.
package answer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/shared"
	"github.com/skydeck-hub/skydeck-review-hub/pkg/retry"
)

// DefaultTaskBuffer - ёмкость канала фоновых задач.
const DefaultTaskBuffer = 256

// ══════════════════════════════════════════════════════════════════════════════
// NOTICES
// ══════════════════════════════════════════════════════════════════════════════

// Notice - неблокирующее уведомление для UI о судьбе ответа.
type Notice struct {
	// CardID - карточка, к которой относится уведомление.
	CardID card.ID

	// Message - человекочитаемое сообщение.
	Message string

	// Synced - true, если ответ подтверждён Item Store.
	Synced bool
}

// Notifier получает уведомления. Вызывается не под локами; реализация
// не должна блокировать.
type Notifier func(Notice)

// ══════════════════════════════════════════════════════════════════════════════
// QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// Queue буферизует ответы и применяет их к Item Store в фоне.
// Канал + одиночный воркер вместо fire-and-forget промисов: у Flush есть
// чёткая точка присоединения, а применения сериализованы, что исключает
// lost-update гонки на одной карточке.
type Queue struct {
	store   review.ItemStore
	pending review.PendingStore
	retrier *retry.Retrier
	logger  *slog.Logger
	clock   func() time.Time

	notifier Notifier
	onReload func()

	// mu защищает буфер и applied-набор. Не держится через I/O.
	mu      sync.Mutex
	buffer  []review.PendingUpdate
	applied map[string]struct{}
	closed  bool

	// applyMu сериализует применения: фоновый воркер, Flush и Replay
	// никогда не применяют обновления параллельно.
	applyMu sync.Mutex

	tasks  chan review.PendingUpdate
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Queue.
type Option func(*Queue)

// WithNotifier sets the UI notice callback.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithReloadHook sets the callback fired after a successful Flush,
// so the UI can rebuild its session.
func WithReloadHook(fn func()) Option {
	return func(q *Queue) { q.onReload = fn }
}

// WithClock overrides the time source (for tests).
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithRetrier overrides the persist retrier.
func WithRetrier(r *retry.Retrier) Option {
	return func(q *Queue) { q.retrier = r }
}

// New creates a Queue and starts its background worker.
func New(store review.ItemStore, pending review.PendingStore, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:   store,
		pending: pending,
		retrier: retry.PersistRetrier(),
		logger:  logger,
		clock:   time.Now,
		applied: make(map[string]struct{}),
		tasks:   make(chan review.PendingUpdate, DefaultTaskBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Add(1)
	go q.worker()

	return q
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT
// ══════════════════════════════════════════════════════════════════════════════

// Submit буферизует ответ и оптимистично запускает фоновое применение.
// Не блокирует вызывающего; параллельные отправки независимы.
func (q *Queue) Submit(ctx context.Context, userID review.UserID, cardID card.ID, score review.Score) (review.PendingUpdate, error) {
	update := review.PendingUpdate{
		ID:          uuid.NewString(),
		UserID:      userID,
		CardID:      cardID,
		Score:       score.Clamp(),
		SubmittedAt: q.clock(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return review.PendingUpdate{}, shared.ErrQueueClosed
	}
	q.buffer = append(q.buffer, update)
	q.mu.Unlock()

	// Durable-копия переживает перезапуск процесса. Сбой записи не
	// отменяет отправку: обновление остаётся в памяти.
	if err := q.pending.AppendPendingAction(ctx, update); err != nil {
		q.logger.Warn("failed to persist pending update", "update_id", update.ID, "error", err)
	}

	// Fire-and-forget через канал воркера. Если канал полон, обновление
	// дождётся Flush или replay.
	select {
	case q.tasks <- update:
	default:
		q.logger.Debug("task buffer full, update deferred to flush", "update_id", update.ID)
	}

	return update, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FLUSH / REPLAY
// ══════════════════════════════════════════════════════════════════════════════

// Flush синхронно применяет все буферизованные обновления в порядке
// отправки, затем чистит буфер и триггерит перезагрузку сессии.
// Повторное применение уже применённого обновления - no-op, поэтому Flush
// эквивалентен ожиданию всех фоновых применений.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	snapshot := make([]review.PendingUpdate, len(q.buffer))
	copy(snapshot, q.buffer)
	q.mu.Unlock()

	var firstErr error
	for _, update := range snapshot {
		// Последовательно, не параллельно: одна карточка могла быть
		// отвечена дважды, порядок применения обязан сохраниться.
		if err := q.apply(ctx, update); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr == nil && q.onReload != nil {
		q.onReload()
	}
	return firstErr
}

// Replay применяет все durable-обновления (например, после восстановления
// сети). Каждое удаляется из durable-хранилища по отдельности после
// успешной записи, поэтому частичный replay не теряет неприменённые.
func (q *Queue) Replay(ctx context.Context) error {
	stored, err := q.pending.ListPendingActions(ctx)
	if err != nil {
		return shared.WrapError("queue", "Replay", shared.ErrStoreUnavailable,
			"failed to list pending updates", err)
	}

	var firstErr error
	for _, update := range stored {
		if err := q.apply(ctx, update); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Len возвращает количество обновлений в буфере.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Close останавливает фоновый воркер. Буферизованные обновления остаются
// в durable-хранилище и будут применены при следующем запуске.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLY
// ══════════════════════════════════════════════════════════════════════════════

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case update := <-q.tasks:
			if err := q.apply(q.ctx, update); err != nil {
				q.logger.Warn("background apply failed, update stays queued",
					"update_id", update.ID,
					"card_id", update.CardID,
					"error", err,
				)
			}
		}
	}
}

// apply прогоняет одно обновление через политику и Item Store.
// Идемпотентно: уже применённое обновление пропускается, чтобы не
// задвоить счётчики и XP при replay.
func (q *Queue) apply(ctx context.Context, update review.PendingUpdate) error {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()

	if q.wasApplied(ctx, update.ID) {
		q.forget(ctx, update.ID)
		return nil
	}

	prev, err := q.store.GetReviewState(ctx, update.UserID, update.CardID)
	if err != nil {
		return q.persistFailed(update, "failed to load review state", err)
	}

	outcome := review.Apply(prev, update.UserID, update.CardID, update.Score, update.SubmittedAt)

	err = q.retrier.Do(ctx, func(ctx context.Context) error {
		if _, err := q.store.UpsertReviewState(ctx, outcome.State); err != nil {
			return retry.Retryable(err)
		}
		if err := q.store.UpsertUserStats(ctx, update.UserID, outcome.XPDelta, outcome.Correct); err != nil {
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return q.persistFailed(update, "item store write failed", err)
	}

	if err := q.pending.MarkApplied(ctx, update.ID, q.clock()); err != nil {
		q.logger.Warn("failed to mark update applied", "update_id", update.ID, "error", err)
	}
	q.forget(ctx, update.ID)

	if q.notifier != nil {
		q.notifier(Notice{CardID: update.CardID, Message: "answer synced", Synced: true})
	}
	return nil
}

// persistFailed оставляет обновление в очереди и шлёт неблокирующее
// уведомление. Обновление никогда не отбрасывается молча.
func (q *Queue) persistFailed(update review.PendingUpdate, msg string, err error) error {
	q.mu.Lock()
	for i := range q.buffer {
		if q.buffer[i].ID == update.ID {
			q.buffer[i].Attempts++
			break
		}
	}
	q.mu.Unlock()

	if q.notifier != nil {
		q.notifier(Notice{
			CardID:  update.CardID,
			Message: "saved locally, will sync",
			Synced:  false,
		})
	}
	return shared.WrapError("queue", "Apply", shared.ErrPersistFailed, msg, err)
}

// wasApplied проверяет applied-набор в памяти и durable-хранилище.
func (q *Queue) wasApplied(ctx context.Context, id string) bool {
	q.mu.Lock()
	_, ok := q.applied[id]
	q.mu.Unlock()
	if ok {
		return true
	}

	applied, err := q.pending.WasApplied(ctx, id)
	if err != nil {
		q.logger.Debug("applied check failed, assuming not applied", "update_id", id, "error", err)
		return false
	}
	return applied
}

// forget убирает применённое обновление из буфера, applied-набора
// (помечает) и durable-хранилища - по одному, не пачкой.
func (q *Queue) forget(ctx context.Context, id string) {
	q.mu.Lock()
	if len(q.applied) >= 8192 {
		// Быстрый путь; истина хранится в durable-хранилище.
		q.applied = make(map[string]struct{})
	}
	q.applied[id] = struct{}{}
	for i := range q.buffer {
		if q.buffer[i].ID == id {
			q.buffer = append(q.buffer[:i], q.buffer[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if err := q.pending.RemovePendingAction(ctx, id); err != nil && !shared.IsNotFound(err) {
		q.logger.Warn("failed to remove applied update from durable store",
			"update_id", id, "error", err)
	}
}
