package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
	"foreman/internal/infra/tracer"
)

// discoverProbeTimeout bounds each backend probe during inventory discovery
// so one dead endpoint cannot stall the whole scan.
const discoverProbeTimeout = 10 * time.Second

// ModelRoute is one resolved entry of the routing table: a model key mapped
// to a concrete model on a named backend, plus per-call defaults.
type ModelRoute struct {
	Key           string
	Backend       string
	Model         string
	Slots         int
	ContextWindow int
	MaxTokens     int
	Temperature   float64
	KeepAlive     time.Duration
}

// Router resolves model keys to backends and guards every completion call
// with per-model slot admission. Routing is a direct table lookup: no load
// balancing, no failover. One key maps to one backend, and the first
// configured mapping for a key wins.
type Router struct {
	registry *Registry
	gate     *SlotGate
	counter  domain.TokenCounter // nil disables the pre-flight budget check
	logger   *slog.Logger

	mu           sync.RWMutex
	routes       map[string]ModelRoute
	defaultModel string
}

// NewRouter builds the routing table from cfg. counter may be nil.
func NewRouter(registry *Registry, counter domain.TokenCounter, cfg config.RouterConfig, logger *slog.Logger) *Router {
	gate := NewSlotGate(cfg.DefaultSlots)

	routes := make(map[string]ModelRoute, len(cfg.Models))
	for _, m := range cfg.Models {
		if _, ok := routes[m.Key]; ok {
			// First configured mapping wins.
			continue
		}
		routes[m.Key] = ModelRoute{
			Key:           m.Key,
			Backend:       m.Backend,
			Model:         m.Model,
			Slots:         m.Slots,
			ContextWindow: m.ContextWindow,
			MaxTokens:     m.MaxTokens,
			Temperature:   m.Temperature,
			KeepAlive:     m.KeepAlive,
		}
		if m.Slots > 0 {
			gate.SetCapacity(m.Key, m.Slots)
		}
	}

	return &Router{
		registry:     registry,
		gate:         gate,
		counter:      counter,
		logger:       logger,
		routes:       routes,
		defaultModel: cfg.DefaultModel,
	}
}

// DefaultModel returns the model key used when a caller passes none.
func (r *Router) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// Routes returns the routing table sorted by key.
func (r *Router) Routes() []ModelRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelRoute, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resolve maps a model key onto its route. An empty key resolves to the
// default model.
func (r *Router) Resolve(modelKey string) (ModelRoute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := modelKey
	if key == "" {
		key = r.defaultModel
	}
	rt, ok := r.routes[key]
	if !ok {
		return ModelRoute{}, domain.NewDomainError("Router.Resolve", domain.ErrModelNotFound, key)
	}
	return rt, nil
}

// ContextWindow returns the configured context window for the model the key
// routes to, or 0 when the key is unmapped or no window is configured.
func (r *Router) ContextWindow(modelKey string) int {
	route, err := r.Resolve(modelKey)
	if err != nil {
		return 0
	}
	return route.ContextWindow
}

// CallLLM performs a one-shot completion against the backend the model key
// routes to. It acquires an admission slot for the duration of the call and
// rejects immediately with ErrAdmissionRejected when the model is at
// capacity. Callers that hold a slot themselves (via AcquireSlot) should
// call the backend through their own path instead.
func (r *Router) CallLLM(ctx context.Context, modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error) {
	route, err := r.Resolve(modelKey)
	if err != nil {
		return nil, err
	}

	if !r.gate.Acquire(route.Key) {
		return nil, domain.NewDomainError("Router.CallLLM", domain.ErrAdmissionRejected, route.Key)
	}
	defer r.gate.Release(route.Key)

	ctx, span := tracer.StartSpan(ctx, "router.call_llm",
		trace.WithAttributes(
			tracer.StringAttr("model_key", route.Key),
			tracer.StringAttr("backend", route.Backend),
		),
	)
	defer span.End()
	if missionID := domain.MissionIDFromContext(ctx); missionID != "" {
		span.SetAttributes(tracer.StringAttr("mission_id", missionID))
	}

	resp, err := r.dispatch(ctx, route, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

func (r *Router) dispatch(ctx context.Context, route ModelRoute, req domain.ChatRequest) (*domain.ChatResponse, error) {
	b, err := r.registry.Get(route.Backend)
	if err != nil {
		return nil, err
	}

	applyRouteDefaults(&req, route)
	if err := r.checkBudget(route, req); err != nil {
		return nil, err
	}

	resp, err := b.Chat(ctx, req)
	if err != nil {
		return nil, mapCallError("Router.CallLLM", route, err)
	}
	return resp, nil
}

// CallLLMStream performs an incremental completion. The admission slot is
// held until the returned channel closes, so callers must drain it.
func (r *Router) CallLLMStream(ctx context.Context, modelKey string, req domain.ChatRequest) (<-chan domain.ChatDelta, error) {
	route, err := r.Resolve(modelKey)
	if err != nil {
		return nil, err
	}

	if !r.gate.Acquire(route.Key) {
		return nil, domain.NewDomainError("Router.CallLLMStream", domain.ErrAdmissionRejected, route.Key)
	}

	b, err := r.registry.Get(route.Backend)
	if err != nil {
		r.gate.Release(route.Key)
		return nil, err
	}

	applyRouteDefaults(&req, route)
	if err := r.checkBudget(route, req); err != nil {
		r.gate.Release(route.Key)
		return nil, err
	}

	inner, err := b.ChatStream(ctx, req)
	if err != nil {
		r.gate.Release(route.Key)
		return nil, mapCallError("Router.CallLLMStream", route, err)
	}

	out := make(chan domain.ChatDelta, streamBuffer)
	go func() {
		defer close(out)
		defer r.gate.Release(route.Key)
		for delta := range inner {
			select {
			case out <- delta:
			case <-ctx.Done():
				// Consumer is gone; drain the adapter so it can exit.
				for range inner {
				}
				return
			}
		}
	}()
	return out, nil
}

// Embed returns one vector per input text, order-preserving. Embedding calls
// do not consume admission slots: they are cheap relative to completions and
// gating them would let bulk indexing starve interactive work.
func (r *Router) Embed(ctx context.Context, modelKey string, texts []string) ([][]float32, error) {
	route, err := r.Resolve(modelKey)
	if err != nil {
		return nil, err
	}
	b, err := r.registry.Get(route.Backend)
	if err != nil {
		return nil, err
	}

	vectors, err := b.Embed(ctx, domain.EmbedRequest{Model: route.Model, Texts: texts})
	if err != nil {
		return nil, mapCallError("Router.Embed", route, err)
	}
	if len(vectors) != len(texts) {
		return nil, domain.NewDomainError("Router.Embed", domain.ErrBackendError,
			fmt.Sprintf("got %d vectors for %d texts", len(vectors), len(texts)))
	}
	return vectors, nil
}

// DiscoverModels probes every registered backend and merges what it finds.
// Probe failures never fail discovery: unreachable backends contribute
// nothing except an entry in Inventory.Errors.
func (r *Router) DiscoverModels(ctx context.Context) domain.Inventory {
	inv := domain.Inventory{}

	for _, name := range r.registry.List() {
		b, err := r.registry.Get(name)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, discoverProbeTimeout)
		models, err := b.Models(probeCtx)
		cancel()
		if err != nil {
			if inv.Errors == nil {
				inv.Errors = make(map[string]string)
			}
			inv.Errors[name] = err.Error()
			r.logger.Warn("model discovery probe failed", "backend", name, "error", err)
			continue
		}
		inv.Models = append(inv.Models, models...)
	}

	sort.Slice(inv.Models, func(i, j int) bool {
		if inv.Models[i].Backend != inv.Models[j].Backend {
			return inv.Models[i].Backend < inv.Models[j].Backend
		}
		return inv.Models[i].ID < inv.Models[j].ID
	})
	return inv
}

// LoadModel asks the backend behind modelKey to make the model resident.
// ttl 0 uses the route's keep_alive. Best-effort: failures are logged and
// reported as false, never raised.
func (r *Router) LoadModel(ctx context.Context, modelKey string, ttl time.Duration) bool {
	route, err := r.Resolve(modelKey)
	if err != nil {
		r.logger.Warn("load model: unknown key", "model_key", modelKey)
		return false
	}
	b, err := r.registry.Get(route.Backend)
	if err != nil {
		r.logger.Warn("load model: backend missing", "model_key", modelKey, "backend", route.Backend)
		return false
	}

	if ttl <= 0 {
		ttl = route.KeepAlive
	}
	if err := b.Load(ctx, route.Model, ttl); err != nil {
		if errors.Is(err, domain.ErrNotSupported) {
			r.logger.Debug("load model not supported", "backend", route.Backend, "model_key", route.Key)
		} else {
			r.logger.Warn("load model failed", "backend", route.Backend, "model_key", route.Key, "error", err)
		}
		return false
	}
	r.logger.Info("model loaded", "backend", route.Backend, "model_key", route.Key, "ttl", ttl)
	return true
}

// UnloadModel asks the backend behind modelKey to evict the model.
// Best-effort like LoadModel.
func (r *Router) UnloadModel(ctx context.Context, modelKey string) bool {
	route, err := r.Resolve(modelKey)
	if err != nil {
		r.logger.Warn("unload model: unknown key", "model_key", modelKey)
		return false
	}
	b, err := r.registry.Get(route.Backend)
	if err != nil {
		r.logger.Warn("unload model: backend missing", "model_key", modelKey, "backend", route.Backend)
		return false
	}

	if err := b.Unload(ctx, route.Model); err != nil {
		if errors.Is(err, domain.ErrNotSupported) {
			r.logger.Debug("unload model not supported", "backend", route.Backend, "model_key", route.Key)
		} else {
			r.logger.Warn("unload model failed", "backend", route.Backend, "model_key", route.Key, "error", err)
		}
		return false
	}
	r.logger.Info("model unloaded", "backend", route.Backend, "model_key", route.Key)
	return true
}

// DownloadModel pulls a model onto a backend. When modelID matches a routing
// key the pull goes to that route's backend with the concrete model id;
// otherwise every backend is tried in name order until one accepts.
// Best-effort: false means nothing accepted the pull.
func (r *Router) DownloadModel(ctx context.Context, modelID string) bool {
	if route, err := r.Resolve(modelID); err == nil {
		b, err := r.registry.Get(route.Backend)
		if err != nil {
			return false
		}
		if err := b.Pull(ctx, route.Model); err != nil {
			r.logger.Warn("model download failed", "backend", route.Backend, "model", route.Model, "error", err)
			return false
		}
		r.logger.Info("model downloaded", "backend", route.Backend, "model", route.Model)
		return true
	}

	for _, name := range r.registry.List() {
		b, err := r.registry.Get(name)
		if err != nil {
			continue
		}
		if err := b.Pull(ctx, modelID); err != nil {
			if !errors.Is(err, domain.ErrNotSupported) {
				r.logger.Warn("model download failed", "backend", name, "model", modelID, "error", err)
			}
			continue
		}
		r.logger.Info("model downloaded", "backend", name, "model", modelID)
		return true
	}
	return false
}

// HasSlot reports whether the model key currently has admission capacity.
// Advisory only; AcquireSlot is the authoritative check.
func (r *Router) HasSlot(modelKey string) bool {
	key := r.routeKey(modelKey)
	return r.gate.Has(key)
}

// AcquireSlot takes an admission slot for the model key, returning false at
// capacity. Callers own the paired ReleaseSlot.
func (r *Router) AcquireSlot(modelKey string) bool {
	key := r.routeKey(modelKey)
	return r.gate.Acquire(key)
}

// ReleaseSlot returns a slot taken with AcquireSlot.
func (r *Router) ReleaseSlot(modelKey string) {
	key := r.routeKey(modelKey)
	r.gate.Release(key)
}

// SlotUsage snapshots per-model admission state.
func (r *Router) SlotUsage() map[string]SlotUsage {
	return r.gate.Usage()
}

// Warmup preloads every configured route, each with its own keep_alive.
// Failures are logged per model and do not abort the warmup.
func (r *Router) Warmup(ctx context.Context) {
	for _, route := range r.Routes() {
		r.LoadModel(ctx, route.Key, route.KeepAlive)
	}
}

// routeKey normalizes a caller-supplied model key to the slot-table key:
// empty resolves to the default model, unknown keys gate under their own
// name so admission still bounds them.
func (r *Router) routeKey(modelKey string) string {
	if route, err := r.Resolve(modelKey); err == nil {
		return route.Key
	}
	if modelKey == "" {
		return r.DefaultModel()
	}
	return modelKey
}

// applyRouteDefaults fills request fields the caller left unset from the
// route's configuration.
func applyRouteDefaults(req *domain.ChatRequest, route ModelRoute) {
	req.Model = route.Model
	if req.MaxTokens == 0 {
		req.MaxTokens = route.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = route.Temperature
	}
}

// checkBudget rejects prompts that cannot fit the route's context window
// before a slot-holding backend call is made.
func (r *Router) checkBudget(route ModelRoute, req domain.ChatRequest) error {
	if r.counter == nil || route.ContextWindow <= 0 {
		return nil
	}
	budget := route.ContextWindow
	if req.MaxTokens > 0 && req.MaxTokens < budget {
		budget -= req.MaxTokens
	}
	tokens := r.counter.CountMessages(req.Messages)
	if tokens > budget {
		return domain.NewDomainError("Router.CallLLM", domain.ErrContextOverflow,
			fmt.Sprintf("prompt is %d tokens, budget for %q is %d", tokens, route.Key, budget))
	}
	return nil
}

// mapCallError normalizes backend failures into the router's typed errors.
func mapCallError(op string, route ModelRoute, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewSubSystemError("backend", op, domain.ErrTimeout,
			fmt.Sprintf("model %q on backend %q", route.Key, route.Backend))
	case errors.Is(err, context.Canceled):
		return err
	default:
		return domain.WrapOp(op, err)
	}
}
