// Package network отслеживает доступность внешнего хранилища карточек.
// Монитор периодически зондирует хранилище и оповещает подписчиков
// о переходах offline → online, чтобы те могли повторить отложенные ответы.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultProbeInterval — интервал между проверками доступности.
const DefaultProbeInterval = 30 * time.Second

// DefaultProbeTimeout — максимальное время одной проверки.
const DefaultProbeTimeout = 5 * time.Second

// Prober выполняет одну проверку доступности хранилища.
// Возвращает nil, если хранилище доступно.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc адаптирует функцию к интерфейсу Prober.
type ProberFunc func(ctx context.Context) error

// Probe реализует Prober.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP PROBER
// ══════════════════════════════════════════════════════════════════════════════

// HTTPProber проверяет доступность по HTTP HEAD-запросу к health-endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber создаёт HTTP-пробер для указанного URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL: url,
		Client: &http.Client{
			Timeout: DefaultProbeTimeout,
		},
	}
}

// Probe выполняет HEAD-запрос и считает хранилище доступным
// при любом ответе с кодом меньше 500.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("network: build probe request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("network: probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("network: probe %s: status %d", p.URL, resp.StatusCode)
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// МОНИТОР
// ══════════════════════════════════════════════════════════════════════════════

// TransitionHandler вызывается при смене состояния сети.
// online == true означает переход offline → online.
type TransitionHandler func(ctx context.Context, online bool)

// Monitor отслеживает доступность хранилища и оповещает подписчиков
// о переходах между состояниями.
//
// Переход offline → online — основной сигнал: по нему очередь отложенных
// ответов повторяет накопленные записи. Переход online → offline только
// логируется, само снижение качества обслуживания обрабатывает composer.
type Monitor struct {
	prober   Prober
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	online   bool
	known    bool // false до первой проверки
	handlers []TransitionHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option настраивает Monitor.
type Option func(*Monitor)

// WithInterval задаёт интервал между проверками.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// New создаёт монитор с указанным пробером.
func New(prober Prober, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		prober:   prober,
		logger:   logger,
		interval: DefaultProbeInterval,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// OnTransition регистрирует обработчик смены состояния.
// Обработчики вызываются синхронно в порядке регистрации.
func (m *Monitor) OnTransition(h TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// IsOnline возвращает последнее известное состояние.
// До первой проверки считаем хранилище доступным, чтобы не
// блокировать запуск на ожидании первого зонда.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return true
	}
	return m.online
}

// Start запускает фоновый цикл проверок.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Первая проверка сразу, не дожидаясь тика.
		m.CheckNow(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()

	m.logger.Info("network monitor started", "interval", m.interval.String())
}

// Stop останавливает фоновый цикл и дожидается его завершения.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("network monitor stopped")
}

// CheckNow выполняет одну проверку немедленно и возвращает её результат.
// Используется планировщиком и при ручном обновлении.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	handlers := make([]TransitionHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if !changed {
		return online
	}

	if online {
		m.logger.Info("store connectivity restored")
	} else {
		m.logger.Warn("store connectivity lost", "error", err)
	}

	for _, h := range handlers {
		h(ctx, online)
	}

	return online
}
