package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"foreman/internal/adapter/store"
	"foreman/internal/infra/config"
	"foreman/internal/infra/logger"
	"foreman/internal/usecase/playbook"
	"foreman/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Routing table", Fn: checkRoutingTable},
		{Name: "Backend connectivity", Fn: checkBackendConnectivity},
		{Name: "Model availability", Fn: checkModelAvailability},
		{Name: "Snapshot store", Fn: checkSnapshotStore},
		{Name: "Mission workspace", Fn: checkWorkspace},
		{Name: "Playbooks", Fn: checkPlaybooks},
		{Name: "Schedules", Fn: checkSchedules},
		{Name: "Escalation targets", Fn: checkEscalationTargets},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Println("foreman doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure foreman runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nforeman should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! foreman is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Create foreman.yaml with your backends and model routes",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Fix the reported foreman.yaml problems",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkRoutingTable verifies at least one model route exists and a default is set.
func checkRoutingTable(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	if len(cfg.Router.Models) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no model routes configured",
			Fix:     "Add router.models entries mapping routing keys to backend models",
		}
	}

	if cfg.Router.DefaultModel == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d route(s), no default_model set", len(cfg.Router.Models)),
			Fix:     "Set router.default_model so requests without a key have a destination",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d route(s), default %q", len(cfg.Router.Models), cfg.Router.DefaultModel),
	}
}

// checkBackendConnectivity probes every configured backend endpoint.
func checkBackendConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	if len(cfg.Router.Backends) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no backends configured",
			Fix:     "Add at least one entry under router.backends",
		}
	}

	var reachable, failed []string
	for _, bc := range cfg.Router.Backends {
		// Managed llama-server has no endpoint until a model is loaded.
		if bc.Type == "llamacpp" && bc.BaseURL == "" {
			if _, err := os.Stat(bc.BinPath); err != nil {
				failed = append(failed, fmt.Sprintf("%s (llama-server binary %s not found)", bc.Name, bc.BinPath))
			} else {
				reachable = append(reachable, bc.Name)
			}
			continue
		}

		if err := probeEndpoint(backendEndpoint(bc)); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", bc.Name, err))
			continue
		}
		reachable = append(reachable, bc.Name)
	}

	if len(failed) > 0 {
		status := StatusFail
		if len(reachable) > 0 {
			status = StatusWarn
		}
		return CheckResult{
			Status:  status,
			Message: fmt.Sprintf("unreachable: %s", strings.Join(failed, "; ")),
			Fix:     "Start the backend servers or fix the router.backends URLs",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("all backends reachable: %s", strings.Join(reachable, ", ")),
	}
}

// backendEndpoint returns a cheap probe URL for the backend.
func backendEndpoint(bc config.BackendConfig) string {
	base := strings.TrimRight(bc.BaseURL, "/")
	switch bc.Type {
	case "ollama":
		if base == "" {
			base = "http://localhost:11434"
		}
		return base + "/api/tags"
	case "llamacpp":
		return base + "/health"
	default: // openai-compatible
		return base + "/models"
	}
}

func probeEndpoint(endpoint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable", endpoint)
	}
	resp.Body.Close()
	return nil
}

// checkModelAvailability compares the routing table against the models the
// backends actually serve.
func checkModelAvailability(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}
	if len(cfg.Router.Models) == 0 || len(cfg.Router.Backends) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "skipped (no routes configured)",
		}
	}

	backends, cleanup, err := initBackends(cfg, logger.Discard())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot build backends: %v", err),
		}
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	inv := backends.Router.DiscoverModels(ctx)

	present := make(map[string]bool, len(inv.Models))
	for _, mi := range inv.Models {
		present[mi.Backend+"/"+mi.ID] = true
	}
	types := make(map[string]string, len(cfg.Router.Backends))
	for _, bc := range cfg.Router.Backends {
		types[bc.Name] = bc.Type
	}

	var missing []string
	for _, route := range backends.Router.Routes() {
		if types[route.Backend] == "llamacpp" {
			continue // managed llama-server loads model files on demand
		}
		if _, unreachable := inv.Errors[route.Backend]; unreachable {
			continue // the connectivity check reports this backend
		}
		if !present[route.Backend+"/"+route.Model] {
			missing = append(missing, fmt.Sprintf("%s (%s on %s)", route.Key, route.Model, route.Backend))
		}
	}

	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("models not present on their backends: %s", strings.Join(missing, "; ")),
			Fix:     "Pull the missing models (e.g. ollama pull <model>)",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d configured model(s) present on their backends", len(backends.Router.Routes())),
	}
}

// checkSnapshotStore verifies the SQLite store opens at the configured path.
func checkSnapshotStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("store directory cannot be created: %v", err),
				Fix:     fmt.Sprintf("Create it yourself: mkdir -p %s", dir),
			}
		}
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.Store.Path, err),
			Fix:     "Check store.path and file permissions",
		}
	}
	st.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("store opens at %s", cfg.Store.Path),
	}
}

// checkWorkspace verifies the mission workspace directory is writable.
func checkWorkspace(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	absDir, _ := filepath.Abs(cfg.Workspace.Dir)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("workspace directory %s cannot be created: %v", absDir, err),
			Fix:     fmt.Sprintf("Create it yourself: mkdir -p %s", absDir),
		}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("workspace %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("workspace %s writable", absDir),
	}
}

// checkPlaybooks parses every playbook file in the configured directory.
func checkPlaybooks(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	if !cfg.Playbooks.Enabled && len(cfg.Schedules) == 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: "playbooks disabled",
		}
	}

	entries, err := os.ReadDir(cfg.Playbooks.Dir)
	if os.IsNotExist(err) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("playbook directory %s does not exist", cfg.Playbooks.Dir),
			Fix:     fmt.Sprintf("Create it and add playbook YAML files: mkdir -p %s", cfg.Playbooks.Dir),
		}
	}
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot read playbook directory: %v", err),
		}
	}

	var valid int
	var invalid []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if _, err := playbook.ParseFile(filepath.Join(cfg.Playbooks.Dir, entry.Name())); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (%v)", entry.Name(), err))
		} else {
			valid++
		}
	}

	if len(invalid) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid playbooks: %s", strings.Join(invalid, "; ")),
			Fix:     "Fix the listed files; 'foreman playbook show <name>' renders the parsed form",
		}
	}
	if valid == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no playbooks in %s", cfg.Playbooks.Dir),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d playbook(s) parse", valid),
	}
}

// checkSchedules parses every schedule expression and resolves its playbook.
func checkSchedules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	if len(cfg.Schedules) == 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: "no schedules configured",
		}
	}

	lib := playbook.NewLibrary(cfg.Playbooks.Dir, logger.Discard())
	libErr := lib.Load()

	var broken []string
	for _, sc := range cfg.Schedules {
		if _, err := scheduling.ParseSchedule(sc.Schedule); err != nil {
			broken = append(broken, fmt.Sprintf("%s (%v)", sc.Name, err))
			continue
		}
		if libErr == nil {
			if _, ok := lib.Get(sc.Playbook); !ok {
				broken = append(broken, fmt.Sprintf("%s (playbook %q not found)", sc.Name, sc.Playbook))
			}
		}
	}

	if len(broken) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("broken schedules: %s", strings.Join(broken, "; ")),
			Fix:     "Fix the schedule expressions or add the missing playbooks",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d schedule(s) valid", len(cfg.Schedules)),
	}
}

// checkEscalationTargets verifies suspended tasks have somewhere to go.
func checkEscalationTargets(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check (config not loaded)",
		}
	}

	if !cfg.Escalation.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "escalation disabled",
		}
	}

	if len(cfg.Escalation.Targets) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no escalation targets configured; raised escalations can only time out",
			Fix:     "Add escalation.targets, or set escalation.enabled: false",
		}
	}

	var available int
	for _, tc := range cfg.Escalation.Targets {
		if tc.Available {
			available++
		}
	}
	if available == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no escalation target is marked available",
			Fix:     "Mark at least one target with available: true",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d target(s), %d available", len(cfg.Escalation.Targets), available),
	}
}

// checkDiskSpace checks available disk space under the store directory.
func checkDiskSpace(cfg *config.Config) CheckResult {
	dataDir := "."
	if cfg != nil {
		dataDir = filepath.Dir(cfg.Store.Path)
	}

	absDir, _ := filepath.Abs(dataDir)
	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusPass,
			Message: "store directory does not exist yet, space check skipped",
		}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "could not determine disk space (df command failed)",
		}
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unexpected df output format",
		}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unexpected df output format",
		}
	}

	available := fields[3]
	usePercent := fields[4]

	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	if pct >= 95 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or point store.path at a different partition",
		}
	}
	if pct >= 85 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}
