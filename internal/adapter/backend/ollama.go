package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.Backend = (*OllamaBackend)(nil)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second

	ollamaDefaultKeepAlive = 5 * time.Minute
)

// OllamaBackend implements domain.Backend against an Ollama server.
// Chat and streaming are delegated to the OpenAI-compatible /v1 endpoint;
// inventory, embeddings, and model lifecycle use the native API, which is the
// only place Ollama exposes residency control (keep_alive) and pulls.
type OllamaBackend struct {
	inner   *OpenAIBackend
	baseURL string // native API base (without /v1)
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaBackend creates an Ollama backend.
func NewOllamaBackend(cfg config.BackendConfig, logger *slog.Logger) *OllamaBackend {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}

	client := NewHTTPClient(ollamaCfg)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaBackend{
		inner: &OpenAIBackend{
			name:    cfg.Name,
			apiKey:  "", // Ollama doesn't need an API key
			baseURL: baseURL + "/v1",
			client:  client,
			logger:  logger,
		},
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Name implements domain.Backend.
func (b *OllamaBackend) Name() string { return b.inner.Name() }

// Chat implements domain.Backend.
func (b *OllamaBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return b.inner.Chat(ctx, req)
}

// ChatStream implements domain.Backend.
func (b *OllamaBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatDelta, error) {
	return b.inner.ChatStream(ctx, req)
}

// Models implements domain.Backend using the native tags endpoint, which
// reports on-disk sizes the /v1 listing omits.
func (b *OllamaBackend) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	respBody, err := doGetJSON(ctx, b.client, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	models := make([]domain.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, domain.ModelInfo{
			ID:      m.Name,
			Backend: b.Name(),
			SizeMB:  m.Size / (1024 * 1024),
		})
	}
	return models, nil
}

// Embed implements domain.Backend via the native embed endpoint.
func (b *OllamaBackend) Embed(ctx context.Context, req domain.EmbedRequest) ([][]float32, error) {
	if len(req.Texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: req.Model, Input: req.Texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/api/embed", body, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.Embeddings, nil
}

// Load implements domain.Backend. An empty generate request with keep_alive
// makes Ollama page the model in and pin it for the given duration.
func (b *OllamaBackend) Load(ctx context.Context, model string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ollamaDefaultKeepAlive
	}
	b.logger.Info("loading model", "backend", b.Name(), "model", model, "keep_alive", ttl)
	return b.generateControl(ctx, model, ttl.String())
}

// Unload implements domain.Backend. keep_alive=0 evicts immediately.
func (b *OllamaBackend) Unload(ctx context.Context, model string) error {
	b.logger.Info("unloading model", "backend", b.Name(), "model", model)
	return b.generateControl(ctx, model, "0")
}

func (b *OllamaBackend) generateControl(ctx context.Context, model, keepAlive string) error {
	body, err := json.Marshal(struct {
		Model     string `json:"model"`
		KeepAlive string `json:"keep_alive"`
	}{Model: model, KeepAlive: keepAlive})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if _, err := doJSONRequest(ctx, b.client, b.baseURL+"/api/generate", body, nil); err != nil {
		return err
	}
	return nil
}

// Pull implements domain.Backend. The download can take minutes for large
// models; the caller's context bounds it.
func (b *OllamaBackend) Pull(ctx context.Context, model string) error {
	b.logger.Info("pulling model", "backend", b.Name(), "model", model)

	body, err := json.Marshal(struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}{Model: model, Stream: false})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, b.client, b.baseURL+"/api/pull", body, nil)
	if err != nil {
		return err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Status != "success" {
		return fmt.Errorf("%w: pull %q ended with status %q", domain.ErrBackendError, model, resp.Status)
	}
	return nil
}

// IsHealthy implements domain.Backend.
func (b *OllamaBackend) IsHealthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/", nil)
	if err != nil {
		return false
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	httpResp.Body.Close()

	return httpResp.StatusCode == http.StatusOK
}
