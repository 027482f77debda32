package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"foreman/internal/domain"
	"foreman/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.Backend = (*LlamaCppBackend)(nil)

const (
	llamaStartupTimeout = 120 * time.Second
	llamaStopTimeout    = 10 * time.Second
)

// LlamaCppBackend implements domain.Backend on top of llama-server.
//
// In external mode (base_url configured) it talks to an already running
// server through its OpenAI-compatible /v1 endpoint and has no lifecycle
// control. In managed mode (bin_path configured) it spawns one llama-server
// child process per loaded model: Load starts a server, Unload kills it, and
// chat calls are routed to the process serving the requested model, starting
// it on demand.
type LlamaCppBackend struct {
	name      string
	binPath   string
	modelDir  string
	extraArgs []string
	external  *OpenAIBackend // non-nil in external mode
	client    *http.Client
	logger    *slog.Logger

	mu      sync.Mutex
	servers map[string]*llamaServer
}

type llamaServer struct {
	model string
	port  int
	cmd   *exec.Cmd
	inner *OpenAIBackend
	done  chan struct{}
}

// NewLlamaCppBackend creates a llama.cpp backend in external or managed mode
// depending on which of base_url and bin_path is configured.
func NewLlamaCppBackend(cfg config.BackendConfig, logger *slog.Logger) *LlamaCppBackend {
	llamaCfg := cfg
	if llamaCfg.ConnTimeout == 0 {
		llamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if llamaCfg.RespTimeout == 0 {
		llamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}
	client := NewHTTPClient(llamaCfg)

	b := &LlamaCppBackend{
		name:      cfg.Name,
		binPath:   cfg.BinPath,
		modelDir:  cfg.ModelDir,
		extraArgs: cfg.ExtraArgs,
		client:    client,
		logger:    logger,
		servers:   make(map[string]*llamaServer),
	}

	if cfg.BaseURL != "" {
		baseURL := strings.TrimRight(cfg.BaseURL, "/")
		b.external = &OpenAIBackend{
			name:    cfg.Name,
			baseURL: baseURL + "/v1",
			client:  client,
			logger:  logger,
		}
	}

	return b
}

// Name implements domain.Backend.
func (b *LlamaCppBackend) Name() string { return b.name }

// Chat implements domain.Backend.
func (b *LlamaCppBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	inner, err := b.endpointFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return inner.Chat(ctx, req)
}

// ChatStream implements domain.Backend.
func (b *LlamaCppBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatDelta, error) {
	inner, err := b.endpointFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return inner.ChatStream(ctx, req)
}

// Embed implements domain.Backend. The managed server must be started with
// an embedding-capable flag set via extra_args; otherwise the call fails with
// the server's error.
func (b *LlamaCppBackend) Embed(ctx context.Context, req domain.EmbedRequest) ([][]float32, error) {
	inner, err := b.endpointFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return inner.Embed(ctx, req)
}

// Models implements domain.Backend. External mode reports what the server
// says; managed mode lists the gguf files under model_dir.
func (b *LlamaCppBackend) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	if b.external != nil {
		return b.external.Models(ctx)
	}

	entries, err := os.ReadDir(b.modelDir)
	if err != nil {
		return nil, fmt.Errorf("read model dir: %w", err)
	}

	var models []domain.ModelInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gguf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		models = append(models, domain.ModelInfo{
			ID:      strings.TrimSuffix(e.Name(), ".gguf"),
			Backend: b.name,
			SizeMB:  info.Size() / (1024 * 1024),
		})
	}
	return models, nil
}

// Load implements domain.Backend. In managed mode this starts a llama-server
// process for the model; the process stays resident until Unload (ttl does
// not apply to a dedicated server).
func (b *LlamaCppBackend) Load(ctx context.Context, model string, ttl time.Duration) error {
	if b.external != nil {
		return fmt.Errorf("%w: load on external llama.cpp backend %q", domain.ErrNotSupported, b.name)
	}
	_, err := b.ensureServer(ctx, model)
	return err
}

// Unload implements domain.Backend.
func (b *LlamaCppBackend) Unload(ctx context.Context, model string) error {
	if b.external != nil {
		return fmt.Errorf("%w: unload on external llama.cpp backend %q", domain.ErrNotSupported, b.name)
	}

	b.mu.Lock()
	srv, ok := b.servers[model]
	if ok {
		delete(b.servers, model)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: model %q is not loaded", domain.ErrModelNotFound, model)
	}
	return b.stopServer(srv)
}

// Pull implements domain.Backend. Model files are provisioned out of band in
// managed mode.
func (b *LlamaCppBackend) Pull(ctx context.Context, model string) error {
	return fmt.Errorf("%w: pull on llama.cpp backend %q", domain.ErrNotSupported, b.name)
}

// IsHealthy implements domain.Backend.
func (b *LlamaCppBackend) IsHealthy(ctx context.Context) bool {
	if b.external != nil {
		return b.external.IsHealthy(ctx)
	}
	if _, err := os.Stat(b.binPath); err != nil {
		return false
	}
	return true
}

// Close stops all managed server processes.
func (b *LlamaCppBackend) Close() error {
	b.mu.Lock()
	servers := make([]*llamaServer, 0, len(b.servers))
	for _, srv := range b.servers {
		servers = append(servers, srv)
	}
	b.servers = make(map[string]*llamaServer)
	b.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := b.stopServer(srv); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// endpointFor returns the OpenAI-compatible endpoint serving model, starting
// a managed server when needed.
func (b *LlamaCppBackend) endpointFor(ctx context.Context, model string) (*OpenAIBackend, error) {
	if b.external != nil {
		return b.external, nil
	}
	srv, err := b.ensureServer(ctx, model)
	if err != nil {
		return nil, err
	}
	return srv.inner, nil
}

func (b *LlamaCppBackend) ensureServer(ctx context.Context, model string) (*llamaServer, error) {
	b.mu.Lock()
	if srv, ok := b.servers[model]; ok {
		b.mu.Unlock()
		return srv, nil
	}
	b.mu.Unlock()

	srv, err := b.startServer(ctx, model)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	// Lost a start race: keep the winner, stop ours.
	if existing, ok := b.servers[model]; ok {
		b.mu.Unlock()
		_ = b.stopServer(srv)
		return existing, nil
	}
	b.servers[model] = srv
	b.mu.Unlock()
	return srv, nil
}

func (b *LlamaCppBackend) startServer(ctx context.Context, model string) (*llamaServer, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	modelFile := model
	if filepath.Ext(modelFile) == "" {
		modelFile += ".gguf"
	}
	modelPath := filepath.Join(b.modelDir, modelFile)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model file %s", domain.ErrModelNotFound, modelPath)
	}

	args := []string{
		"-m", modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
	args = append(args, b.extraArgs...)

	// The server must outlive the request that triggered the load.
	cmd := exec.Command(b.binPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	b.logger.Info("llama-server started",
		"backend", b.name,
		"model", model,
		"port", port,
		"pid", cmd.Process.Pid,
	)

	srv := &llamaServer{
		model: model,
		port:  port,
		cmd:   cmd,
		done:  make(chan struct{}),
		inner: &OpenAIBackend{
			name:    b.name,
			baseURL: fmt.Sprintf("http://127.0.0.1:%d/v1", port),
			client:  b.client,
			logger:  b.logger,
		},
	}

	go func() {
		_ = cmd.Wait()
		close(srv.done)
		b.mu.Lock()
		if b.servers[model] == srv {
			delete(b.servers, model)
		}
		b.mu.Unlock()
		b.logger.Info("llama-server exited", "backend", b.name, "model", model)
	}()

	if err := b.waitReady(ctx, srv); err != nil {
		_ = b.stopServer(srv)
		return nil, fmt.Errorf("%w: llama-server for %q: %v", domain.ErrBackendUnavailable, model, err)
	}

	return srv, nil
}

// waitReady polls the server's health endpoint until it reports ready.
func (b *LlamaCppBackend) waitReady(ctx context.Context, srv *llamaServer) error {
	waitCtx, cancel := context.WithTimeout(ctx, llamaStartupTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", srv.port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("not ready after %s", llamaStartupTimeout)
		case <-srv.done:
			return fmt.Errorf("process exited during startup")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(waitCtx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := b.client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func (b *LlamaCppBackend) stopServer(srv *llamaServer) error {
	if srv.cmd.Process != nil {
		_ = srv.cmd.Process.Kill()
	}
	select {
	case <-srv.done:
		return nil
	case <-time.After(llamaStopTimeout):
		return fmt.Errorf("llama-server for %q did not exit within %s", srv.model, llamaStopTimeout)
	}
}

// freePort asks the kernel for an unused local port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
