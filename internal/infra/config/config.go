package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Router     RouterConfig     `yaml:"router"`
	Fleet      FleetConfig      `yaml:"fleet"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Escalation EscalationConfig `yaml:"escalation"`
	Playbooks  PlaybooksConfig  `yaml:"playbooks"`
	Schedules  []ScheduleConfig `yaml:"schedules,omitempty"`
	Channels   []ChannelConfig  `yaml:"channels,omitempty"`
	Store      StoreConfig      `yaml:"store"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// RouterConfig holds inference routing settings: the backend endpoints,
// the model table that maps routing keys onto them, and call protection.
type RouterConfig struct {
	DefaultModel   string               `yaml:"default_model"`
	DefaultSlots   int                  `yaml:"default_slots"` // admission capacity for models without an explicit slots value
	Backends       []BackendConfig      `yaml:"backends"`
	Models         []ModelConfig        `yaml:"models"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"` // default for backends without their own
	Warmup         bool                 `yaml:"warmup"` // preload configured models at startup
}

// BackendConfig holds settings for a single inference backend endpoint.
type BackendConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai", "ollama", "llamacpp"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`

	// Per-backend request budget. Disabled entries fall back to
	// router.rate_limit, so heterogeneous servers can carry different
	// budgets without every entry repeating the common one.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Managed llama-server process (type "llamacpp" only).
	BinPath   string   `yaml:"bin_path,omitempty"`
	ModelDir  string   `yaml:"model_dir,omitempty"`
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// EffectiveRateLimit resolves the request budget for this backend: its own
// entry when enabled, otherwise the router-wide default.
func (bc BackendConfig) EffectiveRateLimit(def RateLimitConfig) RateLimitConfig {
	if bc.RateLimit.Enabled {
		return bc.RateLimit
	}
	return def
}

// ModelConfig maps a routing key to a concrete model on a named backend.
type ModelConfig struct {
	Key           string        `yaml:"key"`
	Backend       string        `yaml:"backend"`
	Model         string        `yaml:"model"`
	Slots         int           `yaml:"slots,omitempty"` // 0 = router default
	ContextWindow int           `yaml:"context_window,omitempty"`
	MaxTokens     int           `yaml:"max_tokens,omitempty"`
	Temperature   float64       `yaml:"temperature,omitempty"`
	KeepAlive     time.Duration `yaml:"keep_alive,omitempty"` // how long the backend keeps the model resident
}

// CircuitBreakerConfig holds circuit breaker settings for backend calls.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig holds request rate limiting settings applied per backend.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings for backend clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// FleetConfig holds the agent fleet definitions.
type FleetConfig struct {
	DefaultAgent string        `yaml:"default_agent"`
	MailboxSize  int           `yaml:"mailbox_size"`
	Agents       []AgentConfig `yaml:"agents"`
}

// AgentConfig defines a single agent in the fleet.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Model        string   `yaml:"model"` // routing key into router.models
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Tools        bool     `yaml:"tools,omitempty"`
	MaxIter      int      `yaml:"max_iter,omitempty"`
}

// SchedulerConfig holds mission execution settings.
type SchedulerConfig struct {
	MaxParallel  int             `yaml:"max_parallel"`
	TaskTimeout  time.Duration   `yaml:"task_timeout"`
	AllowPartial bool            `yaml:"allow_partial"` // PARTIAL instead of FAILED when some tasks succeeded
	Admission    AdmissionConfig `yaml:"admission"`
	Synthesis    SynthesisConfig `yaml:"synthesis"`
}

// AdmissionConfig controls what a dispatch does when the target model has no
// free slot.
type AdmissionConfig struct {
	Policy  string        `yaml:"policy"` // "retry" or "fail"
	Retries int           `yaml:"retries"`
	Delay   time.Duration `yaml:"delay"`
}

// SynthesisConfig holds defaults for the final synthesis step of a mission.
type SynthesisConfig struct {
	Model     string `yaml:"model,omitempty"` // routing key; empty = router default model
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// SupervisorConfig holds background task supervision settings.
type SupervisorConfig struct {
	MaxTasks     int           `yaml:"max_tasks"`
	RetentionTTL time.Duration `yaml:"retention_ttl"` // how long finished tasks stay pollable
}

// EscalationConfig holds human-approval gate settings.
type EscalationConfig struct {
	Enabled         bool                     `yaml:"enabled"`
	DecisionTimeout time.Duration            `yaml:"decision_timeout"` // 0 = wait indefinitely
	TimeoutTarget   string                   `yaml:"timeout_target,omitempty"`
	Targets         []EscalationTargetConfig `yaml:"targets,omitempty"`
}

// EscalationTargetConfig describes one selectable escalation path.
type EscalationTargetConfig struct {
	Key          string `yaml:"key"`
	Label        string `yaml:"label"`
	Description  string `yaml:"description,omitempty"`
	MemoryCostMB int    `yaml:"memory_cost_mb,omitempty"`
	Available    bool   `yaml:"available"`
	Model        string `yaml:"model,omitempty"` // routing key the suspended task is re-pointed to
}

// PlaybooksConfig holds reusable mission template settings.
type PlaybooksConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ScheduleConfig defines a recurring playbook run.
type ScheduleConfig struct {
	Name     string            `yaml:"name"`
	Schedule string            `yaml:"schedule"` // cron expression, @descriptor, or Go duration
	Playbook string            `yaml:"playbook"`
	Inputs   map[string]string `yaml:"inputs,omitempty"`
}

// ChannelConfig defines a named topic channel on the message bus.
type ChannelConfig struct {
	Name   string   `yaml:"name"`
	Post   []string `yaml:"post,omitempty"` // agent ids allowed to post; empty = any
	Buffer int      `yaml:"buffer,omitempty"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig holds shared mission workspace settings.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"` // 0 or 1 samples everything
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.foreman/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".foreman", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Router: RouterConfig{
			DefaultSlots: 4,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     10,
				Burst:   20,
			},
		},
		Fleet: FleetConfig{
			MailboxSize: 64,
		},
		Scheduler: SchedulerConfig{
			MaxParallel: 4,
			TaskTimeout: 5 * time.Minute,
			Admission: AdmissionConfig{
				Policy:  "retry",
				Retries: 3,
				Delay:   500 * time.Millisecond,
			},
		},
		Supervisor: SupervisorConfig{
			MaxTasks:     16,
			RetentionTTL: time.Hour,
		},
		Escalation: EscalationConfig{
			Enabled: true,
		},
		Playbooks: PlaybooksConfig{
			Enabled: false,
			Dir:     "./playbooks",
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "foreman.db"),
		},
		Workspace: WorkspaceConfig{
			Dir: filepath.Join(dataDir, "workspaces"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("FOREMAN_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps FOREMAN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FOREMAN_ROUTER_DEFAULT_MODEL"); v != "" {
		cfg.Router.DefaultModel = v
	}
	if v := os.Getenv("FOREMAN_ROUTER_DEFAULT_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Router.DefaultSlots = n
		}
	}
	if v := os.Getenv("FOREMAN_ROUTER_WARMUP"); v == "true" {
		cfg.Router.Warmup = true
	}
	if v := os.Getenv("FOREMAN_FLEET_DEFAULT_AGENT"); v != "" {
		cfg.Fleet.DefaultAgent = v
	}
	if v := os.Getenv("FOREMAN_SCHEDULER_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxParallel = n
		}
	}
	if v := os.Getenv("FOREMAN_SCHEDULER_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Scheduler.TaskTimeout = d
		}
	}
	if v := os.Getenv("FOREMAN_SCHEDULER_ALLOW_PARTIAL"); v == "true" {
		cfg.Scheduler.AllowPartial = true
	}
	if v := os.Getenv("FOREMAN_SCHEDULER_ADMISSION_POLICY"); v != "" {
		cfg.Scheduler.Admission.Policy = v
	}
	if v := os.Getenv("FOREMAN_SCHEDULER_ADMISSION_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Scheduler.Admission.Retries = n
		}
	}
	if v := os.Getenv("FOREMAN_SCHEDULER_ADMISSION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Scheduler.Admission.Delay = d
		}
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_MAX_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Supervisor.MaxTasks = n
		}
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_RETENTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.RetentionTTL = d
		}
	}
	if v := os.Getenv("FOREMAN_ESCALATION_ENABLED"); v == "false" {
		cfg.Escalation.Enabled = false
	}
	if v := os.Getenv("FOREMAN_PLAYBOOKS_ENABLED"); v == "true" {
		cfg.Playbooks.Enabled = true
	}
	if v := os.Getenv("FOREMAN_PLAYBOOKS_DIR"); v != "" {
		cfg.Playbooks.Dir = v
	}
	if v := os.Getenv("FOREMAN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FOREMAN_WORKSPACE_DIR"); v != "" {
		cfg.Workspace.Dir = v
	}
	if v := os.Getenv("FOREMAN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FOREMAN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FOREMAN_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("FOREMAN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FOREMAN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Per-backend overrides: FOREMAN_BACKEND_<NAME>_API_KEY / _BASE_URL
	for i := range cfg.Router.Backends {
		name := strings.ToUpper(cfg.Router.Backends[i].Name)
		if v := os.Getenv(fmt.Sprintf("FOREMAN_BACKEND_%s_API_KEY", name)); v != "" {
			cfg.Router.Backends[i].APIKey = v
		}
		if v := os.Getenv(fmt.Sprintf("FOREMAN_BACKEND_%s_BASE_URL", name)); v != "" {
			cfg.Router.Backends[i].BaseURL = v
		}
	}
}

// decryptSecrets finds "enc:..." values in backend API keys and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Router.Backends {
		key := cfg.Router.Backends[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("backend %s api_key: %w", cfg.Router.Backends[i].Name, err)
			}
			cfg.Router.Backends[i].APIKey = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
