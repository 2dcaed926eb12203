package network

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// flakyProber toggles between reachable and unreachable from the test.
type flakyProber struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (p *flakyProber) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func TestIsOnline_OptimisticBeforeFirstProbe(t *testing.T) {
	m := New(&flakyProber{fail: true}, quietLogger())
	assert.True(t, m.IsOnline(), "unknown state is treated as online")
}

func TestCheckNow_ReportsProbeResult(t *testing.T) {
	p := &flakyProber{}
	m := New(p, quietLogger())

	assert.True(t, m.CheckNow(context.Background()))
	assert.True(t, m.IsOnline())

	p.setFail(true)
	assert.False(t, m.CheckNow(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestCheckNow_HandlersFireOnlyOnTransition(t *testing.T) {
	p := &flakyProber{}
	m := New(p, quietLogger())

	var (
		mu    sync.Mutex
		calls []bool
	)
	m.OnTransition(func(ctx context.Context, online bool) {
		mu.Lock()
		calls = append(calls, online)
		mu.Unlock()
	})

	m.CheckNow(context.Background()) // unknown -> online, first known state fires
	m.CheckNow(context.Background()) // online -> online, no event
	p.setFail(true)
	m.CheckNow(context.Background()) // online -> offline
	m.CheckNow(context.Background()) // offline -> offline, no event
	p.setFail(false)
	m.CheckNow(context.Background()) // offline -> online

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, calls)
}

func TestProberFunc_Adapts(t *testing.T) {
	called := false
	p := ProberFunc(func(ctx context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, p.Probe(context.Background()))
	assert.True(t, called)
}

func TestHTTPProber(t *testing.T) {
	t.Run("server errors count as unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		assert.Error(t, NewHTTPProber(srv.URL).Probe(context.Background()))
	})

	t.Run("any non-5xx status means reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		assert.NoError(t, NewHTTPProber(srv.URL).Probe(context.Background()))
	})
}

func TestStartStop(t *testing.T) {
	p := &flakyProber{}
	m := New(p, quietLogger())

	m.Start(context.Background())
	m.Stop()

	// Start runs an immediate probe, so the state is known by now.
	assert.True(t, m.IsOnline())
}
