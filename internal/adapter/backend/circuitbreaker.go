package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerBackend wraps a Backend with circuit breaker protection.
// When the wrapped backend fails repeatedly, the circuit opens and subsequent
// calls fail fast without reaching the backend, preventing retry storms.
type CircuitBreakerBackend struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerBackend(inner domain.Backend, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "backend:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerBackend{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Chat implements domain.Backend. Calls are routed through the circuit breaker.
func (b *CircuitBreakerBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := b.breaker.Execute(func() (*domain.ChatResponse, error) {
		return b.inner.Chat(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: backend %q circuit open", domain.ErrBackendUnavailable, b.inner.Name())
		}
		return nil, err
	}
	return resp, nil
}

// ChatStream implements domain.Backend. The circuit breaker protects the
// initial connection; streaming errors after connection do not trip the
// breaker (they are returned through the channel).
func (b *CircuitBreakerBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatDelta, error) {
	var ch <-chan domain.ChatDelta
	_, err := b.breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = b.inner.ChatStream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: backend %q circuit open", domain.ErrBackendUnavailable, b.inner.Name())
		}
		return nil, err
	}
	return ch, nil
}

// Embed implements domain.Backend. Embedding calls bypass the breaker: they
// hit a separate endpoint with different failure characteristics.
func (b *CircuitBreakerBackend) Embed(ctx context.Context, req domain.EmbedRequest) ([][]float32, error) {
	return b.inner.Embed(ctx, req)
}

// Models implements domain.Backend.
func (b *CircuitBreakerBackend) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	return b.inner.Models(ctx)
}

// Load implements domain.Backend.
func (b *CircuitBreakerBackend) Load(ctx context.Context, model string, ttl time.Duration) error {
	return b.inner.Load(ctx, model, ttl)
}

// Unload implements domain.Backend.
func (b *CircuitBreakerBackend) Unload(ctx context.Context, model string) error {
	return b.inner.Unload(ctx, model)
}

// Pull implements domain.Backend.
func (b *CircuitBreakerBackend) Pull(ctx context.Context, model string) error {
	return b.inner.Pull(ctx, model)
}

// IsHealthy implements domain.Backend. An open circuit reports unhealthy
// without probing the backend.
func (b *CircuitBreakerBackend) IsHealthy(ctx context.Context) bool {
	if b.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return b.inner.IsHealthy(ctx)
}

// Name implements domain.Backend.
func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

// Compile-time interface check.
var _ domain.Backend = (*CircuitBreakerBackend)(nil)

// --- Connection Pooling ---

// Default connection pool settings optimized for inference API usage
// patterns: few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// optimized for inference API calls. It accepts per-connection timeouts and
// pool sizing configuration.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = 30 * time.Second
	}
	if respTimeout == 0 {
		respTimeout = 120 * time.Second
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// Default backend timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewHTTPClient creates an *http.Client with pooled transport and timeout
// defaults suitable for inference backends. Used by OpenAI, Ollama, and
// llama.cpp to avoid duplicating client setup logic.
func NewHTTPClient(cfg config.BackendConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout, cfg.Pool),
		Timeout:   connTimeout + respTimeout,
	}
}
