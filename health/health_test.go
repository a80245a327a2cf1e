package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/amqplink/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedState rabbitmq.State

func (s fixedState) State() rabbitmq.State { return rabbitmq.State(s) }

type fixedStats struct {
	stats rabbitmq.DeliveryStats
	err   error
}

func (f fixedStats) Stats(context.Context) (rabbitmq.DeliveryStats, error) {
	return f.stats, f.err
}

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestLinkChecker(t *testing.T) {
	tests := []struct {
		state rabbitmq.State
		want  Status
	}{
		{rabbitmq.StateReady, StatusHealthy},
		{rabbitmq.StateConnecting, StatusDegraded},
		{rabbitmq.StateQueueBinding, StatusDegraded},
		{rabbitmq.StateDisconnected, StatusDegraded},
		{rabbitmq.StateStopped, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			checker := NewLinkChecker("orders", fixedState(tt.state))

			result := checker.Check(context.Background())

			assert.Equal(t, "orders", checker.Name())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.state.String(), result.Details["state"])
		})
	}
}

func TestConfirmChecker(t *testing.T) {
	t.Run("healthy while pending stays under the limit", func(t *testing.T) {
		checker := NewConfirmChecker("confirms", fixedStats{stats: rabbitmq.DeliveryStats{Acked: 10, Pending: 3}}, 5)

		result := checker.Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, uint64(10), result.Details["acked"])
		assert.Equal(t, 3, result.Details["pending"])
	})

	t.Run("degraded when pending exceeds the limit", func(t *testing.T) {
		checker := NewConfirmChecker("confirms", fixedStats{stats: rabbitmq.DeliveryStats{Pending: 6}}, 5)

		result := checker.Check(context.Background())

		assert.Equal(t, StatusDegraded, result.Status)
		assert.Contains(t, result.Message, "6 publishes")
	})

	t.Run("unhealthy when stats are unavailable", func(t *testing.T) {
		checker := NewConfirmChecker("confirms", fixedStats{err: context.DeadlineExceeded}, 5)

		result := checker.Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, context.DeadlineExceeded.Error(), result.Error)
	})

	t.Run("idle publisher with no running link is healthy", func(t *testing.T) {
		checker := NewConfirmChecker("confirms", fixedStats{err: rabbitmq.ErrLinkStopped}, 5)

		result := checker.Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 0, result.Details["pending"])
		assert.Empty(t, result.Error)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())

		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusHealthy))
		registry.Register(staticChecker("b", StatusDegraded))

		report := registry.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)

		registry.Register(staticChecker("c", StatusUnhealthy))
		report = registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, []string{"a", "b", "c"}, report.Names())
	})

	t.Run("results are keyed by checker name", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("publisher", StatusHealthy))

		report := registry.Check(context.Background())

		require.Contains(t, report.Checks, "publisher")
		assert.Equal(t, "publisher", report.Checks["publisher"].Name)
	})

	t.Run("unregistered checks are not run", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusUnhealthy))
		registry.Unregister("a")

		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
	})

	t.Run("slow checks are reported unhealthy when the context ends", func(t *testing.T) {
		registry := NewRegistry()
		release := make(chan struct{})
		defer close(release)
		registry.Register(NewCheckerFunc("slow", func(context.Context) CheckResult {
			<-release
			return CheckResult{Status: StatusHealthy}
		}))
		registry.Register(staticChecker("fast", StatusHealthy))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
		assert.True(t, errors.Is(ctx.Err(), context.DeadlineExceeded))
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy report answers 200 with json", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("link", StatusHealthy))
		handler := NewHandler(registry, time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("degraded report still answers 200", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("link", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy report answers 503", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("link", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
