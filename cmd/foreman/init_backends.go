package main

import (
	"fmt"
	"log/slog"

	"foreman/internal/adapter/backend"
	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// BackendComponents holds the inference side of the runtime: the backend
// registry, the routing table, and the shared token counter.
type BackendComponents struct {
	Registry *backend.Registry
	Router   *backend.Router
	Counter  *backend.TikTokenCounter
}

// initBackends builds every configured backend adapter, wraps it with rate
// limiting and circuit breaking as configured, and assembles the router.
// The returned cleanup stops managed llama-server processes.
func initBackends(cfg *config.Config, log *slog.Logger) (*BackendComponents, func() error, error) {
	registry := backend.NewRegistry()

	var closers []func() error
	cleanup := func() error {
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, bc := range cfg.Router.Backends {
		var base domain.Backend
		switch bc.Type {
		case "openai":
			base = backend.NewOpenAIBackend(bc, log)
		case "ollama":
			base = backend.NewOllamaBackend(bc, log)
		case "llamacpp":
			lc := backend.NewLlamaCppBackend(bc, log)
			closers = append(closers, lc.Close)
			base = lc
		default:
			cleanup()
			return nil, nil, fmt.Errorf("backend %s: unknown type %q", bc.Name, bc.Type)
		}

		// Wrap order: rate limit inside, breaker outside.
		wrapped := base
		if rl := bc.EffectiveRateLimit(cfg.Router.RateLimit); rl.Enabled {
			wrapped = backend.NewRateLimitedBackend(wrapped, rl)
			log.Info("backend rate limit enabled",
				"backend", bc.Name, "rps", rl.RPS, "burst", rl.Burst)
		}
		if cfg.Router.CircuitBreaker.Enabled {
			wrapped = backend.NewCircuitBreakerBackend(wrapped, cfg.Router.CircuitBreaker, log)
		}

		if err := registry.Register(wrapped); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
	}

	if cfg.Router.CircuitBreaker.Enabled {
		log.Info("backend circuit breaker enabled",
			"max_failures", cfg.Router.CircuitBreaker.MaxFailures,
			"timeout", cfg.Router.CircuitBreaker.Timeout,
			"interval", cfg.Router.CircuitBreaker.Interval,
		)
	}

	counter, err := backend.NewTokenCounter()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("token counter: %w", err)
	}

	router := backend.NewRouter(registry, counter, cfg.Router, log)

	return &BackendComponents{
		Registry: registry,
		Router:   router,
		Counter:  counter,
	}, cleanup, nil
}
