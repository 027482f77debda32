package backend

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// RateLimitedBackend wraps a Backend with a token-bucket rate limiter.
// Chat, ChatStream and Embed wait for a token before dispatching, so a
// burst of mission tasks cannot exceed the backend's request budget.
// Lifecycle and inventory calls are not limited.
type RateLimitedBackend struct {
	inner   domain.Backend
	limiter *rate.Limiter
}

// NewRateLimitedBackend wraps inner with a limiter allowing cfg.RPS requests
// per second with bursts up to cfg.Burst.
func NewRateLimitedBackend(inner domain.Backend, cfg config.RateLimitConfig) *RateLimitedBackend {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}
	return &RateLimitedBackend{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (b *RateLimitedBackend) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: backend %q rate limit wait: %v", domain.ErrRateLimit, b.inner.Name(), err)
	}
	return nil
}

// Chat implements domain.Backend.
func (b *RateLimitedBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.Chat(ctx, req)
}

// ChatStream implements domain.Backend.
func (b *RateLimitedBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatDelta, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.ChatStream(ctx, req)
}

// Embed implements domain.Backend.
func (b *RateLimitedBackend) Embed(ctx context.Context, req domain.EmbedRequest) ([][]float32, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.Embed(ctx, req)
}

// Models implements domain.Backend.
func (b *RateLimitedBackend) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	return b.inner.Models(ctx)
}

// Load implements domain.Backend.
func (b *RateLimitedBackend) Load(ctx context.Context, model string, ttl time.Duration) error {
	return b.inner.Load(ctx, model, ttl)
}

// Unload implements domain.Backend.
func (b *RateLimitedBackend) Unload(ctx context.Context, model string) error {
	return b.inner.Unload(ctx, model)
}

// Pull implements domain.Backend.
func (b *RateLimitedBackend) Pull(ctx context.Context, model string) error {
	return b.inner.Pull(ctx, model)
}

// IsHealthy implements domain.Backend.
func (b *RateLimitedBackend) IsHealthy(ctx context.Context) bool {
	return b.inner.IsHealthy(ctx)
}

// Name implements domain.Backend.
func (b *RateLimitedBackend) Name() string { return b.inner.Name() }

// Compile-time interface check.
var _ domain.Backend = (*RateLimitedBackend)(nil)
