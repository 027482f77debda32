package backend

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// --- Circuit Breaker Tests ---

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &fakeBackend{
		name: "test",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Content: "ok"}, nil
		},
	}

	cb := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{}, newTestLogger())
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestCircuitBreakerName(t *testing.T) {
	inner := &fakeBackend{name: "ollama"}
	cb := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{}, newTestLogger())
	assert.Equal(t, "ollama", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	callCount := 0
	inner := &fakeBackend{
		name: "flaky",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			callCount++
			return nil, errors.New("backend down")
		},
	}

	cfg := config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}
	cb := NewCircuitBreakerBackend(inner, cfg, newTestLogger())

	// First 3 calls go through and fail.
	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend down")
	}
	assert.Equal(t, 3, callCount)

	// Circuit should now be open.
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Next call should fail fast without reaching the backend.
	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, callCount, "backend should not be called when circuit is open")
}

func TestCircuitBreakerClosesAfterSuccess(t *testing.T) {
	shouldFail := true
	inner := &fakeBackend{
		name: "recovering",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			if shouldFail {
				return nil, errors.New("down")
			}
			return &domain.ChatResponse{Content: "recovered"}, nil
		},
	}

	cfg := config.CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     50 * time.Millisecond, // short timeout for testing
		Interval:    60 * time.Second,
	}
	cb := NewCircuitBreakerBackend(inner, cfg, newTestLogger())

	// Trip the breaker.
	for i := 0; i < 2; i++ {
		cb.Chat(context.Background(), domain.ChatRequest{})
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Wait for half-open transition.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, cb.State())

	// Next call should probe (half-open allows 1 request).
	shouldFail = false
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)

	// Circuit should be closed again.
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerPropagatesInnerErrors(t *testing.T) {
	sentinel := errors.New("specific error")
	inner := &fakeBackend{
		name: "err",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, sentinel
		},
	}

	cb := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{MaxFailures: 10}, newTestLogger())
	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestCircuitBreakerStream_Success(t *testing.T) {
	inner := &fakeBackend{
		name: "stream",
		streamFn: func(_ context.Context, _ domain.ChatRequest) (<-chan domain.ChatDelta, error) {
			ch := make(chan domain.ChatDelta, 1)
			ch <- domain.ChatDelta{Content: "streamed", Done: true}
			close(ch)
			return ch, nil
		},
	}

	cb := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{}, newTestLogger())
	ch, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)

	delta := <-ch
	assert.Equal(t, "streamed", delta.Content)
}

func TestCircuitBreakerStream_TripsOnFailure(t *testing.T) {
	inner := &fakeBackend{
		name: "stream-flaky",
		streamFn: func(_ context.Context, _ domain.ChatRequest) (<-chan domain.ChatDelta, error) {
			return nil, errors.New("stream init failed")
		},
	}

	cfg := config.CircuitBreakerConfig{MaxFailures: 2, Timeout: 5 * time.Second}
	cb := NewCircuitBreakerBackend(inner, cfg, newTestLogger())

	// Trip the breaker.
	for i := 0; i < 2; i++ {
		cb.ChatStream(context.Background(), domain.ChatRequest{})
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestCircuitBreakerEmbedBypassesOpenCircuit(t *testing.T) {
	embedCalls := 0
	inner := &fakeBackend{
		name: "mixed",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, errors.New("chat down")
		},
		embedFn: func(_ context.Context, req domain.EmbedRequest) ([][]float32, error) {
			embedCalls++
			return [][]float32{{0.1}}, nil
		},
	}

	cfg := config.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute}
	cb := NewCircuitBreakerBackend(inner, cfg, newTestLogger())

	cb.Chat(context.Background(), domain.ChatRequest{})
	require.Equal(t, gobreaker.StateOpen, cb.State())

	// Embeddings hit a separate endpoint and keep flowing.
	vectors, err := cb.Embed(context.Background(), domain.EmbedRequest{Texts: []string{"a"}})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 1, embedCalls)
}

func TestCircuitBreakerIsHealthyWhenOpen(t *testing.T) {
	inner := &fakeBackend{
		name: "down",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, errors.New("down")
		},
	}

	cfg := config.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute}
	cb := NewCircuitBreakerBackend(inner, cfg, newTestLogger())

	assert.True(t, cb.IsHealthy(context.Background()))

	cb.Chat(context.Background(), domain.ChatRequest{})
	require.Equal(t, gobreaker.StateOpen, cb.State())

	assert.False(t, cb.IsHealthy(context.Background()), "open circuit reports unhealthy without probing")
}

func TestCircuitBreakerCounts(t *testing.T) {
	callNum := 0
	inner := &fakeBackend{
		name: "counted",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			callNum++
			if callNum <= 2 {
				return &domain.ChatResponse{Content: "ok"}, nil
			}
			return nil, errors.New("fail")
		},
	}

	cb := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{MaxFailures: 10}, newTestLogger())

	// 2 successes.
	cb.Chat(context.Background(), domain.ChatRequest{})
	cb.Chat(context.Background(), domain.ChatRequest{})

	counts := cb.Counts()
	assert.Equal(t, uint32(2), counts.TotalSuccesses)

	// 1 failure.
	cb.Chat(context.Background(), domain.ChatRequest{})

	counts = cb.Counts()
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestCircuitBreakerDefaultConfig(t *testing.T) {
	inner := &fakeBackend{
		name: "defaults",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{}, nil
		},
	}

	// Zero config should use sensible defaults, not panic.
	cb := NewCircuitBreakerBackend(inner, config.CircuitBreakerConfig{}, newTestLogger())
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp)
}

// --- Connection Pooling Tests ---

func TestNewPooledTransport_Defaults(t *testing.T) {
	tr := NewPooledTransport(0, 0, config.PoolConfig{})

	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultMaxConnsPerHost, tr.MaxConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Equal(t, 10*time.Second, tr.TLSHandshakeTimeout)
	assert.True(t, tr.ForceAttemptHTTP2)
}

func TestNewPooledTransport_CustomConfig(t *testing.T) {
	pool := config.PoolConfig{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     5 * time.Minute,
	}
	tr := NewPooledTransport(15*time.Second, 60*time.Second, pool)

	assert.Equal(t, 50, tr.MaxIdleConns)
	assert.Equal(t, 25, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 30, tr.MaxConnsPerHost)
	assert.Equal(t, 5*time.Minute, tr.IdleConnTimeout)
	assert.Equal(t, 60*time.Second, tr.ResponseHeaderTimeout)
}

func TestNewHTTPClient_Defaults(t *testing.T) {
	client := NewHTTPClient(config.BackendConfig{})

	require.NotNil(t, client.Transport)
	assert.Equal(t, defaultConnTimeout+defaultRespTimeout, client.Timeout)
}

func TestNewHTTPClient_CustomTimeouts(t *testing.T) {
	client := NewHTTPClient(config.BackendConfig{
		ConnTimeout: 5 * time.Second,
		RespTimeout: 20 * time.Second,
	})

	assert.Equal(t, 25*time.Second, client.Timeout)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, tr.ResponseHeaderTimeout)
}
