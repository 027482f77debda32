package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

func TestRateLimitedBackendPassesThrough(t *testing.T) {
	inner := &fakeBackend{
		name: "fast",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Content: "ok"}, nil
		},
	}
	rl := NewRateLimitedBackend(inner, config.RateLimitConfig{RPS: 100, Burst: 10})

	resp, err := rl.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if rl.Name() != "fast" {
		t.Errorf("Name = %q", rl.Name())
	}
}

func TestRateLimitedBackendBlocksBeyondBurst(t *testing.T) {
	calls := 0
	inner := &fakeBackend{
		name: "limited",
		chatFn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			return &domain.ChatResponse{}, nil
		},
	}
	// One request per minute, burst of one: the second call cannot get a
	// token before the context deadline.
	rl := NewRateLimitedBackend(inner, config.RateLimitConfig{RPS: 1.0 / 60.0, Burst: 1})

	if _, err := rl.Chat(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rl.Chat(ctx, domain.ChatRequest{})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	if calls != 1 {
		t.Errorf("inner calls = %d, want 1", calls)
	}
}

func TestRateLimitedBackendLimitsStreamsAndEmbeds(t *testing.T) {
	inner := &fakeBackend{name: "limited"}
	rl := NewRateLimitedBackend(inner, config.RateLimitConfig{RPS: 1.0 / 60.0, Burst: 1})

	if _, err := rl.Embed(context.Background(), domain.EmbedRequest{Texts: []string{"a"}}); err != nil {
		t.Fatalf("first embed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rl.ChatStream(ctx, domain.ChatRequest{})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("expected ErrRateLimit for stream after embed consumed the token, got %v", err)
	}
}

func TestRateLimitedBackendLifecycleUnlimited(t *testing.T) {
	models := 0
	inner := &fakeBackend{
		name: "limited",
		modelsFn: func(_ context.Context) ([]domain.ModelInfo, error) {
			models++
			return nil, nil
		},
	}
	rl := NewRateLimitedBackend(inner, config.RateLimitConfig{RPS: 1.0 / 60.0, Burst: 1})

	// Inventory and lifecycle calls never wait for tokens.
	for i := 0; i < 5; i++ {
		if _, err := rl.Models(context.Background()); err != nil {
			t.Fatalf("Models: %v", err)
		}
		if err := rl.Load(context.Background(), "m", 0); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if models != 5 {
		t.Errorf("models calls = %d, want 5", models)
	}
}

func TestRateLimitedBackendDefaults(t *testing.T) {
	inner := &fakeBackend{name: "defaults"}
	rl := NewRateLimitedBackend(inner, config.RateLimitConfig{})

	// Zero config falls back to a usable limiter.
	if _, err := rl.Chat(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("Chat with default config: %v", err)
	}
}
