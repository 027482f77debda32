package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRouter(cfg, ve)
	validateFleet(cfg, ve)
	validateScheduler(cfg, ve)
	validateSupervisor(cfg, ve)
	validateEscalation(cfg, ve)
	validatePlaybooks(cfg, ve)
	validateSchedules(cfg, ve)
	validateTopicChannels(cfg, ve)
	validateStore(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validBackendTypes = map[string]bool{
	"openai":   true,
	"ollama":   true,
	"llamacpp": true,
}

func validateRouter(cfg *Config, ve *ValidationError) {
	if cfg.Router.DefaultSlots <= 0 {
		ve.Add("router.default_slots must be > 0")
	}

	backends := make(map[string]bool)
	for i, b := range cfg.Router.Backends {
		if b.Name == "" {
			ve.Add("router.backends[%d].name must not be empty", i)
			continue
		}
		if backends[b.Name] {
			ve.Add("router.backends[%d]: duplicate backend name %q", i, b.Name)
		}
		backends[b.Name] = true

		if !validBackendTypes[b.Type] {
			ve.Add("router.backends[%d].type %q is invalid (want: openai, ollama, llamacpp)", i, b.Type)
		}
		if b.Type == "llamacpp" && b.BinPath == "" && b.BaseURL == "" {
			ve.Add("router.backends[%d] (%s): llamacpp needs bin_path (managed) or base_url (external)", i, b.Name)
		}
		if b.Type != "llamacpp" && b.BaseURL == "" {
			ve.Add("router.backends[%d] (%s): base_url must not be empty", i, b.Name)
		}
		if b.RateLimit.Enabled {
			if b.RateLimit.RPS <= 0 {
				ve.Add("router.backends[%d] (%s): rate_limit.rps must be > 0 when rate limiting is enabled", i, b.Name)
			}
			if b.RateLimit.Burst <= 0 {
				ve.Add("router.backends[%d] (%s): rate_limit.burst must be > 0 when rate limiting is enabled", i, b.Name)
			}
		}
	}

	models := make(map[string]bool)
	for i, m := range cfg.Router.Models {
		if m.Key == "" {
			ve.Add("router.models[%d].key must not be empty", i)
			continue
		}
		if models[m.Key] {
			ve.Add("router.models[%d]: duplicate model key %q", i, m.Key)
		}
		models[m.Key] = true

		if m.Backend == "" {
			ve.Add("router.models[%d] (%s): backend must not be empty", i, m.Key)
		} else if len(cfg.Router.Backends) > 0 && !backends[m.Backend] {
			ve.Add("router.models[%d] (%s): backend %q does not match any configured backend", i, m.Key, m.Backend)
		}
		if m.Model == "" {
			ve.Add("router.models[%d] (%s): model must not be empty", i, m.Key)
		}
		if m.Slots < 0 {
			ve.Add("router.models[%d] (%s): slots must be >= 0", i, m.Key)
		}
		if m.ContextWindow < 0 {
			ve.Add("router.models[%d] (%s): context_window must be >= 0", i, m.Key)
		}
	}

	if cfg.Router.DefaultModel != "" && len(cfg.Router.Models) > 0 && !models[cfg.Router.DefaultModel] {
		ve.Add("router.default_model %q does not match any configured model", cfg.Router.DefaultModel)
	}

	if cfg.Router.RateLimit.Enabled {
		if cfg.Router.RateLimit.RPS <= 0 {
			ve.Add("router.rate_limit.rps must be > 0 when rate limiting is enabled")
		}
		if cfg.Router.RateLimit.Burst <= 0 {
			ve.Add("router.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	if cfg.Router.CircuitBreaker.Enabled && cfg.Router.CircuitBreaker.MaxFailures == 0 {
		ve.Add("router.circuit_breaker.max_failures must be > 0 when the breaker is enabled")
	}
}

func validateFleet(cfg *Config, ve *ValidationError) {
	if cfg.Fleet.MailboxSize <= 0 {
		ve.Add("fleet.mailbox_size must be > 0")
	}

	models := make(map[string]bool)
	for _, m := range cfg.Router.Models {
		models[m.Key] = true
	}

	agents := make(map[string]bool)
	for i, a := range cfg.Fleet.Agents {
		if a.ID == "" {
			ve.Add("fleet.agents[%d].id must not be empty", i)
			continue
		}
		if agents[a.ID] {
			ve.Add("fleet.agents[%d]: duplicate agent id %q", i, a.ID)
		}
		agents[a.ID] = true

		if a.Model == "" {
			ve.Add("fleet.agents[%d] (%s): model must not be empty", i, a.ID)
		} else if len(models) > 0 && !models[a.Model] {
			ve.Add("fleet.agents[%d] (%s): model %q does not match any configured model", i, a.ID, a.Model)
		}
		if a.MaxIter < 0 {
			ve.Add("fleet.agents[%d] (%s): max_iter must be >= 0", i, a.ID)
		}
	}

	if cfg.Fleet.DefaultAgent != "" && len(cfg.Fleet.Agents) > 0 && !agents[cfg.Fleet.DefaultAgent] {
		ve.Add("fleet.default_agent %q does not match any configured agent", cfg.Fleet.DefaultAgent)
	}
}

var validAdmissionPolicies = map[string]bool{
	"fail":  true,
	"retry": true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if cfg.Scheduler.MaxParallel <= 0 {
		ve.Add("scheduler.max_parallel must be > 0")
	}
	if cfg.Scheduler.TaskTimeout <= 0 {
		ve.Add("scheduler.task_timeout must be > 0")
	}
	if !validAdmissionPolicies[cfg.Scheduler.Admission.Policy] {
		ve.Add("scheduler.admission.policy %q is invalid (want: fail, retry)", cfg.Scheduler.Admission.Policy)
	}
	if cfg.Scheduler.Admission.Policy == "retry" {
		if cfg.Scheduler.Admission.Retries <= 0 {
			ve.Add("scheduler.admission.retries must be > 0 when policy is retry")
		}
		if cfg.Scheduler.Admission.Delay <= 0 {
			ve.Add("scheduler.admission.delay must be > 0 when policy is retry")
		}
	}
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	if cfg.Supervisor.MaxTasks <= 0 {
		ve.Add("supervisor.max_tasks must be > 0")
	}
	if cfg.Supervisor.RetentionTTL < 0 {
		ve.Add("supervisor.retention_ttl must be >= 0")
	}
}

func validateEscalation(cfg *Config, ve *ValidationError) {
	models := make(map[string]bool)
	for _, m := range cfg.Router.Models {
		models[m.Key] = true
	}

	targets := make(map[string]bool)
	for i, t := range cfg.Escalation.Targets {
		if t.Key == "" {
			ve.Add("escalation.targets[%d].key must not be empty", i)
			continue
		}
		if targets[t.Key] {
			ve.Add("escalation.targets[%d]: duplicate target key %q", i, t.Key)
		}
		targets[t.Key] = true

		if t.Label == "" {
			ve.Add("escalation.targets[%d] (%s): label must not be empty", i, t.Key)
		}
		if t.Model != "" && len(models) > 0 && !models[t.Model] {
			ve.Add("escalation.targets[%d] (%s): model %q does not match any configured model", i, t.Key, t.Model)
		}
	}

	if cfg.Escalation.TimeoutTarget != "" && !targets[cfg.Escalation.TimeoutTarget] {
		ve.Add("escalation.timeout_target %q does not match any configured target", cfg.Escalation.TimeoutTarget)
	}
	if cfg.Escalation.DecisionTimeout < 0 {
		ve.Add("escalation.decision_timeout must be >= 0")
	}
}

func validatePlaybooks(cfg *Config, ve *ValidationError) {
	if cfg.Playbooks.Enabled && cfg.Playbooks.Dir == "" {
		ve.Add("playbooks.dir must not be empty when playbooks are enabled")
	}
}

func validateSchedules(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Schedules {
		if s.Name == "" {
			ve.Add("schedules[%d].name must not be empty", i)
			continue
		}
		if seen[s.Name] {
			ve.Add("schedules[%d]: duplicate schedule name %q", i, s.Name)
		}
		seen[s.Name] = true

		if s.Schedule == "" {
			ve.Add("schedules[%d] (%s): schedule must not be empty", i, s.Name)
		}
		if s.Playbook == "" {
			ve.Add("schedules[%d] (%s): playbook must not be empty", i, s.Name)
		}
	}
	if len(cfg.Schedules) > 0 && !cfg.Playbooks.Enabled {
		ve.Add("schedules require playbooks.enabled = true")
	}
}

func validateTopicChannels(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			ve.Add("channels[%d].name must not be empty", i)
			continue
		}
		if seen[ch.Name] {
			ve.Add("channels[%d]: duplicate channel name %q", i, ch.Name)
		}
		seen[ch.Name] = true

		if ch.Buffer < 0 {
			ve.Add("channels[%d] (%s): buffer must be >= 0", i, ch.Name)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
	if cfg.Workspace.Dir == "" {
		ve.Add("workspace.dir must not be empty")
	}
}

var validExporters = map[string]bool{
	"":       true,
	"noop":   true,
	"stdout": true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio %v is out of range [0, 1]", cfg.Tracer.SampleRatio)
	}
}
