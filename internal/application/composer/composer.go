// Package composer собирает учебные сессии: ограниченный список карточек
// по выбранной стратегии и фильтрам, с кешем, ретраями и цепочкой fallback.
// Queries never modify state - запись делает только очередь отложенных
// обновлений (package answer).
package composer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/session"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/shared"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/cache"
	"github.com/skydeck-hub/skydeck-review-hub/pkg/circuitbreaker"
	"github.com/skydeck-hub/skydeck-review-hub/pkg/retry"
)

// Таймауты выборки. Таймаут эквивалентен transient-ошибке для fallback.
const (
	// ProgressFetchTimeout - таймаут выборки созревших повторений.
	ProgressFetchTimeout = 5 * time.Second

	// NewCardsFetchTimeout - таймаут добора новых карточек.
	NewCardsFetchTimeout = 4 * time.Second
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSER
// ══════════════════════════════════════════════════════════════════════════════

// Composer собирает сессии. Одна консолидированная реализация для всех
// стратегий (due/practice/box/category/guest) с общей логикой фильтров -
// вместо дублирования почти одинаковых путей выборки.
type Composer struct {
	store   review.ItemStore
	cache   *cache.ReviewCache
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	logger  *slog.Logger
	clock   func() time.Time

	progressTimeout time.Duration
	newCardsTimeout time.Duration

	// Новая загрузка для изменившихся фильтров отменяет предыдущую,
	// чтобы устаревший результат не был применён.
	loadMu     sync.Mutex
	loadGen    uint64
	activeLoad context.CancelFunc

	metrics Metrics
}

// Option configures the Composer.
type Option func(*Composer)

// WithBreaker sets the circuit breaker guarding store fetches.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Composer) { c.breaker = cb }
}

// WithRetrier overrides the fetch retrier.
func WithRetrier(r *retry.Retrier) Option {
	return func(c *Composer) { c.retrier = r }
}

// WithClock overrides the time source (for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Composer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTimeouts overrides the fetch timeouts (for tests).
func WithTimeouts(progress, newCards time.Duration) Option {
	return func(c *Composer) {
		if progress > 0 {
			c.progressTimeout = progress
		}
		if newCards > 0 {
			c.newCardsTimeout = newCards
		}
	}
}

// New creates a Composer over the given store and cache.
func New(store review.ItemStore, reviewCache *cache.ReviewCache, logger *slog.Logger, opts ...Option) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Composer{
		store:           store,
		cache:           reviewCache,
		breaker:         circuitbreaker.FetchBreaker(nil),
		retrier:         retry.FetchRetrier(),
		logger:          logger,
		clock:           time.Now,
		progressTimeout: ProgressFetchTimeout,
		newCardsTimeout: NewCardsFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSE
// ══════════════════════════════════════════════════════════════════════════════

// Compose собирает одну сессию по запросу.
//
// Цепочка fallback при ошибке стратегии:
//  1. вернуть кешированный результат, если он есть (пусть и устаревший)
//  2. деградировать due/box в practice с теми же фильтрами
//  3. если и это не удалось - отдать ошибку вместе с уже собранными
//     частичными данными
//
// Частичные сбои (например, не удался добор новых карточек) никогда не
// приводят к ошибке - возвращается то, что собрано.
func (c *Composer) Compose(ctx context.Context, req session.Request) (session.Session, error) {
	req = req.Normalize()
	if !req.Strategy.IsValid() {
		return session.Session{}, shared.ErrUnknownStrategy
	}
	if req.Strategy == session.StrategyBox && !req.Box.IsValid() {
		return session.Session{}, shared.ErrInvalidBoxNumber
	}

	ctx, done := c.beginLoad(ctx)
	defer done()

	sess, err := c.composeStrategy(ctx, req)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, context.Canceled) {
		// Загрузку вытеснил более новый запрос - результат отбрасывается.
		return session.Session{}, err
	}
	if shared.IsValidation(err) {
		return session.Session{}, err
	}

	c.metrics.recordFallback()
	c.logger.Warn("strategy fetch failed, entering fallback chain",
		"strategy", req.Strategy,
		"user", req.UserID,
		"error", err,
	)

	// Fallback 1: устаревший кеш по тому же отпечатку.
	fp := c.fingerprint(req)
	if stale, ok := c.cache.Peek(fp); ok && !stale.IsEmpty() {
		c.metrics.recordStaleServe()
		c.logger.Info("serving stale cached session", "fingerprint", fp)
		return c.sessionFromResult(req, req.Strategy, stale, true), nil
	}

	// Fallback 2: деградация в practice с теми же фильтрами.
	if req.Strategy != session.StrategyPractice && req.Strategy != session.StrategyGuest {
		practiceReq := req
		practiceReq.Strategy = session.StrategyPractice
		if sess, perr := c.composeStrategy(ctx, practiceReq); perr == nil {
			c.metrics.recordDegradation()
			sess.Requested = req.Strategy
			sess.Degraded = true
			return sess, nil
		} else {
			c.logger.Warn("practice fallback failed", "error", perr)
		}
	}

	// Fallback 3: исчерпание - ошибка наружу, частичные данные сохраняются.
	c.metrics.recordExhausted()
	return sess, shared.WrapError("session", "Compose", shared.ErrFallbackExhausted,
		"no strategy produced a session", err)
}

// Invalidate сбрасывает кеш для запроса - вызывается после записи,
// которая могла изменить состав созревших карточек.
func (c *Composer) Invalidate(ctx context.Context, req session.Request) {
	c.cache.Invalidate(ctx, c.fingerprint(req.Normalize()))
}

// InvalidateAll сбрасывает весь кеш сессий.
func (c *Composer) InvalidateAll(ctx context.Context) {
	c.cache.InvalidateAll(ctx)
}

// Metrics возвращает снимок счётчиков композитора.
func (c *Composer) Metrics() MetricsSnapshot {
	return c.metrics.snapshot()
}

// ══════════════════════════════════════════════════════════════════════════════
// STRATEGIES
// ══════════════════════════════════════════════════════════════════════════════

func (c *Composer) composeStrategy(ctx context.Context, req session.Request) (session.Session, error) {
	switch req.Strategy {
	case session.StrategyDue:
		return c.composeDue(ctx, req)
	case session.StrategyBox:
		return c.composeBox(ctx, req)
	case session.StrategyPractice, session.StrategyCategory, session.StrategyGuest:
		return c.composePractice(ctx, req)
	default:
		return session.Session{}, shared.ErrUnknownStrategy
	}
}

// composeDue: созревшие повторения, добитые новыми карточками до batch size.
func (c *Composer) composeDue(ctx context.Context, req session.Request) (session.Session, error) {
	batch := req.EffectiveBatchSize()
	fp := c.fingerprint(req)

	result, err := c.cache.Get(ctx, fp, func(ctx context.Context) (cache.Result, error) {
		due, err := c.fetchDue(ctx, req)
		if err != nil {
			return cache.Result{}, err
		}
		return cache.Result{DueCards: due}, nil
	})
	if err != nil {
		return session.Session{}, shared.WrapError("session", "Compose",
			shared.ErrStoreUnavailable, "due review fetch failed", err)
	}

	due := make([]review.DueCard, len(result.DueCards))
	copy(due, result.DueCards)

	// Порядок внутри батча: самые просроченные первыми. Детерминированно.
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].State.NextReviewAt.Before(due[j].State.NextReviewAt)
	})

	if len(due) > batch {
		due = due[:batch]
	}

	sess := c.sessionFromDue(req, due)

	// Добор новыми карточками до batch size. Сбой добора - не ошибка
	// сессии: возвращаем собранное.
	shortfall := batch - len(due)
	if shortfall > 0 {
		fresh, err := c.fetchNew(ctx, req, sess.Cards, shortfall)
		if err != nil {
			c.logger.Warn("new card supplement failed, returning partial session",
				"have", len(sess.Cards),
				"wanted", batch,
				"error", err,
			)
			return sess, nil
		}
		for _, fc := range fresh {
			if len(sess.Cards) >= batch {
				break
			}
			sess.Cards = append(sess.Cards, fc)
		}
	}

	return sess, nil
}

// composeBox: все состояния одной коробки; запрос не усечён, но сессия
// ограничена batch size и дедуплицирована по ID карточки.
func (c *Composer) composeBox(ctx context.Context, req session.Request) (session.Session, error) {
	batch := req.EffectiveBatchSize()
	fp := c.fingerprint(req)

	result, err := c.cache.Get(ctx, fp, func(ctx context.Context) (cache.Result, error) {
		boxed, err := c.fetchBox(ctx, req)
		if err != nil {
			return cache.Result{}, err
		}
		return cache.Result{DueCards: boxed}, nil
	})
	if err != nil {
		return session.Session{}, shared.WrapError("session", "Compose",
			shared.ErrStoreUnavailable, "box fetch failed", err)
	}

	// Карта по ID карточки гарантирует уникальность; порядок - порядок
	// первого вхождения.
	seen := make(map[card.ID]struct{}, len(result.DueCards))
	unique := make([]review.DueCard, 0, len(result.DueCards))
	for _, dc := range result.DueCards {
		if _, dup := seen[dc.Card.ID]; dup {
			continue
		}
		seen[dc.Card.ID] = struct{}{}
		unique = append(unique, dc)
		if len(unique) >= batch {
			break
		}
	}

	return c.sessionFromDue(req, unique), nil
}

// composePractice: карточки без учёта сроков повторения.
func (c *Composer) composePractice(ctx context.Context, req session.Request) (session.Session, error) {
	batch := req.EffectiveBatchSize()
	fp := c.fingerprint(req)

	result, err := c.cache.Get(ctx, fp, func(ctx context.Context) (cache.Result, error) {
		cards, err := c.fetchPractice(ctx, req, batch)
		if err != nil {
			return cache.Result{}, err
		}
		return cache.Result{Cards: cards}, nil
	})
	if err != nil {
		return session.Session{}, shared.WrapError("session", "Compose",
			shared.ErrStoreUnavailable, "practice fetch failed", err)
	}

	cards := result.Cards
	if len(cards) > batch {
		cards = cards[:batch]
	}

	return c.sessionFromResult(req, req.Strategy, cache.Result{Cards: cards}, false), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FETCHES
// Каждая выборка: таймаут + circuit breaker + до 3 попыток с экспоненциальным
// backoff. Validation-ошибки не ретраятся; повреждённые записи отбрасываются.
// ══════════════════════════════════════════════════════════════════════════════

func (c *Composer) fetchDue(ctx context.Context, req session.Request) ([]review.DueCard, error) {
	var out []review.DueCard
	err := c.fetch(ctx, c.progressTimeout, func(ctx context.Context) error {
		due, err := c.store.FetchDueReviewStates(ctx, req.UserID, req.Filters)
		if err != nil {
			return err
		}
		out = c.dropInvalidDue(due)
		return nil
	})
	return out, err
}

func (c *Composer) fetchBox(ctx context.Context, req session.Request) ([]review.DueCard, error) {
	var out []review.DueCard
	err := c.fetch(ctx, c.progressTimeout, func(ctx context.Context) error {
		boxed, err := c.store.FetchCardsByBox(ctx, req.UserID, req.Box, req.Filters)
		if err != nil {
			return err
		}
		out = c.dropInvalidDue(boxed)
		return nil
	})
	return out, err
}

func (c *Composer) fetchNew(ctx context.Context, req session.Request, have []card.Card, limit int) ([]card.Card, error) {
	excluded := make([]card.ID, 0, len(have))
	for _, cc := range have {
		excluded = append(excluded, cc.ID)
	}

	var out []card.Card
	err := c.fetch(ctx, c.newCardsTimeout, func(ctx context.Context) error {
		fresh, err := c.store.FetchNewCards(ctx, req.UserID, req.Filters, excluded, limit)
		if err != nil {
			return err
		}
		out = c.dropInvalid(fresh)
		return nil
	})
	return out, err
}

func (c *Composer) fetchPractice(ctx context.Context, req session.Request, limit int) ([]card.Card, error) {
	var out []card.Card
	err := c.fetch(ctx, c.newCardsTimeout, func(ctx context.Context) error {
		cards, err := c.store.FetchPracticeCards(ctx, req.Filters, limit)
		if err != nil {
			return err
		}
		out = c.dropInvalid(cards)
		return nil
	})
	return out, err
}

// fetch оборачивает один вызов Item Store в таймаут, breaker и ретраи.
func (c *Composer) fetch(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := c.breaker.Execute(fetchCtx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// Таймаут эквивалентен transient-ошибке.
			err = shared.WrapError("session", "Fetch", shared.ErrTimeout, "fetch timed out", err)
		}
		if shared.IsValidation(err) || errors.Is(err, context.Canceled) {
			return retry.Permanent(err)
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			// Открытый breaker - сразу в fallback, без ретраев.
			return retry.Permanent(err)
		}
		return retry.Retryable(err)
	})
}

func (c *Composer) dropInvalid(cards []card.Card) []card.Card {
	valid, dropped := card.FilterValid(cards)
	if dropped > 0 {
		c.logger.Warn("dropped malformed card records", "count", dropped)
	}
	return valid
}

func (c *Composer) dropInvalidDue(due []review.DueCard) []review.DueCard {
	valid := make([]review.DueCard, 0, len(due))
	dropped := 0
	for _, dc := range due {
		if err := card.Validate(dc.Card); err != nil {
			dropped++
			continue
		}
		valid = append(valid, dc)
	}
	if dropped > 0 {
		c.logger.Warn("dropped malformed card records", "count", dropped)
	}
	return valid
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Composer) fingerprint(req session.Request) cache.Fingerprint {
	return cache.NewFingerprint(req.UserID, req.Strategy.String(), req.Box, req.Filters)
}

func (c *Composer) sessionFromDue(req session.Request, due []review.DueCard) session.Session {
	sess := session.Session{
		Cards:     make([]card.Card, 0, len(due)),
		States:    make(map[card.ID]review.State, len(due)),
		Strategy:  req.Strategy,
		Requested: req.Strategy,
		Filters:   req.Filters,
	}
	for _, dc := range due {
		sess.Cards = append(sess.Cards, dc.Card)
		sess.States[dc.Card.ID] = dc.State
	}
	return sess
}

func (c *Composer) sessionFromResult(req session.Request, strategy session.Strategy, result cache.Result, degraded bool) session.Session {
	batch := req.EffectiveBatchSize()

	sess := session.Session{
		States:    make(map[card.ID]review.State),
		Strategy:  strategy,
		Requested: req.Strategy,
		Filters:   req.Filters,
		Degraded:  degraded,
	}
	for _, dc := range result.DueCards {
		if len(sess.Cards) >= batch {
			break
		}
		sess.Cards = append(sess.Cards, dc.Card)
		sess.States[dc.Card.ID] = dc.State
	}
	for _, cc := range result.Cards {
		if len(sess.Cards) >= batch {
			break
		}
		sess.Cards = append(sess.Cards, cc)
	}
	return sess
}

// beginLoad отменяет предыдущую активную загрузку и регистрирует новую.
// Возвращённый done обязателен к вызову - он освобождает контекст и снимает
// регистрацию, если загрузку ещё не вытеснил более новый запрос.
func (c *Composer) beginLoad(ctx context.Context) (context.Context, func()) {
	loadCtx, cancel := context.WithCancel(ctx)

	c.loadMu.Lock()
	if c.activeLoad != nil {
		c.activeLoad()
	}
	c.loadGen++
	gen := c.loadGen
	c.activeLoad = cancel
	c.loadMu.Unlock()

	done := func() {
		cancel()
		c.loadMu.Lock()
		if c.loadGen == gen {
			c.activeLoad = nil
		}
		c.loadMu.Unlock()
	}
	return loadCtx, done
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics - внутренние счётчики композитора.
type Metrics struct {
	mu          sync.Mutex
	staleServes int64
	degradation int64
	fallbacks   int64
	exhausted   int64
}

func (m *Metrics) recordStaleServe()  { m.mu.Lock(); m.staleServes++; m.mu.Unlock() }
func (m *Metrics) recordDegradation() { m.mu.Lock(); m.degradation++; m.mu.Unlock() }
func (m *Metrics) recordFallback()    { m.mu.Lock(); m.fallbacks++; m.mu.Unlock() }
func (m *Metrics) recordExhausted()   { m.mu.Lock(); m.exhausted++; m.mu.Unlock() }

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		StaleServes:  m.staleServes,
		Degradations: m.degradation,
		Fallbacks:    m.fallbacks,
		Exhausted:    m.exhausted,
	}
}

// MetricsSnapshot - снимок счётчиков на момент вызова.
type MetricsSnapshot struct {
	StaleServes  int64
	Degradations int64
	Fallbacks    int64
	Exhausted    int64
}
