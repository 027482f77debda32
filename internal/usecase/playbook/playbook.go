// Package playbook loads reusable mission plans from YAML files. A playbook
// declares named inputs and a task graph with {{.input}} placeholders; Plan
// renders it into a plan the scheduler accepts as-is.
package playbook

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"gopkg.in/yaml.v3"

	"foreman/internal/domain"
	"foreman/internal/usecase/mission"
)

// Input declares one named playbook input.
type Input struct {
	Description string `yaml:"description,omitempty"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// Playbook is a reusable mission definition loaded from YAML.
type Playbook struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Inputs      map[string]Input `yaml:"inputs,omitempty"`
	Plan        domain.Plan      `yaml:",inline"`
}

// Library holds the playbooks loaded from one directory. Load replaces the
// whole set atomically, so readers never see a partial reload.
type Library struct {
	dir       string
	logger    *slog.Logger
	playbooks atomic.Value // map[string]Playbook
}

// NewLibrary creates an empty library reading from dir.
func NewLibrary(dir string, logger *slog.Logger) *Library {
	l := &Library{dir: dir, logger: logger}
	l.playbooks.Store(make(map[string]Playbook))
	return l
}

// Load reads every .yaml/.yml file in the configured directory. Invalid
// files are skipped with a warning; when two files declare the same name the
// first one wins.
func (l *Library) Load() error {
	if l.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Debug("playbook directory does not exist", "dir", l.dir)
			return nil
		}
		return fmt.Errorf("read playbook dir: %w", err)
	}

	loaded := make(map[string]Playbook)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		pb, err := ParseFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skip invalid playbook", "file", entry.Name(), "error", err)
			continue
		}
		if _, ok := loaded[pb.Name]; ok {
			l.logger.Warn("skip duplicate playbook name", "file", entry.Name(), "name", pb.Name)
			continue
		}
		loaded[pb.Name] = *pb
	}

	l.playbooks.Store(loaded)
	l.logger.Info("playbooks loaded", "count", len(loaded), "dir", l.dir)
	return nil
}

// List returns all loaded playbooks sorted by name.
func (l *Library) List() []Playbook {
	pm := l.playbooks.Load().(map[string]Playbook)
	out := make([]Playbook, 0, len(pm))
	for _, pb := range pm {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named playbook.
func (l *Library) Get(name string) (Playbook, bool) {
	pm := l.playbooks.Load().(map[string]Playbook)
	pb, ok := pm[name]
	return pb, ok
}

// Plan renders the named playbook into a mission description and a
// submittable plan. Caller inputs override declared defaults; required
// inputs without a value fail, as does any placeholder referencing an input
// that neither side provides.
func (l *Library) Plan(name string, inputs map[string]string) (string, *domain.Plan, error) {
	pb, ok := l.Get(name)
	if !ok {
		return "", nil, domain.NewSubSystemError("playbook", "Library.Plan", domain.ErrNotFound, name)
	}

	merged := make(map[string]string, len(pb.Inputs)+len(inputs))
	for in, decl := range pb.Inputs {
		merged[in] = decl.Default
	}
	for k, v := range inputs {
		merged[k] = v
	}
	for in, decl := range pb.Inputs {
		if decl.Required && strings.TrimSpace(merged[in]) == "" {
			return "", nil, domain.NewSubSystemError("playbook", "Library.Plan", domain.ErrInvalidInput,
				fmt.Sprintf("playbook %q: required input %q not provided", name, in))
		}
	}

	description, err := render(pb.Description, merged)
	if err != nil {
		return "", nil, domain.NewSubSystemError("playbook", "Library.Plan", domain.ErrInvalidInput,
			fmt.Sprintf("playbook %q description: %v", name, err))
	}
	if strings.TrimSpace(description) == "" {
		description = pb.Name
	}

	tasks := make([]domain.PlanTask, len(pb.Plan.Tasks))
	for i, t := range pb.Plan.Tasks {
		rendered, err := render(t.Task, merged)
		if err != nil {
			return "", nil, domain.NewSubSystemError("playbook", "Library.Plan", domain.ErrInvalidInput,
				fmt.Sprintf("playbook %q task %q: %v", name, t.ID, err))
		}
		t.Task = rendered
		tasks[i] = t
	}

	plan := &domain.Plan{
		Tasks:          tasks,
		Synthesize:     pb.Plan.Synthesize,
		SynthesisModel: pb.Plan.SynthesisModel,
	}
	if err := mission.ValidatePlan(plan); err != nil {
		return "", nil, err
	}
	return description, plan, nil
}

// ParseFile reads and validates a single playbook file. The name defaults to
// the file name without extension.
func ParseFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, domain.NewSubSystemError("playbook", "ParseFile", domain.ErrInvalidInput, err.Error())
	}
	if pb.Name == "" {
		pb.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := validate(&pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// validate checks the task graph and the template syntax of every templated
// string. It assigns default task ids in place, so loaded playbooks always
// carry the ids the scheduler will use.
func validate(pb *Playbook) error {
	if err := mission.ValidatePlan(&pb.Plan); err != nil {
		return err
	}
	if err := checkTemplate(pb.Description); err != nil {
		return domain.NewSubSystemError("playbook", "validate", domain.ErrInvalidInput,
			fmt.Sprintf("playbook %q description: %v", pb.Name, err))
	}
	for _, t := range pb.Plan.Tasks {
		if err := checkTemplate(t.Task); err != nil {
			return domain.NewSubSystemError("playbook", "validate", domain.ErrInvalidInput,
				fmt.Sprintf("playbook %q task %q: %v", pb.Name, t.ID, err))
		}
	}
	return nil
}

func checkTemplate(s string) error {
	if !strings.Contains(s, "{{") {
		return nil
	}
	_, err := template.New("playbook").Parse(s)
	return err
}

// render expands {{.input}} placeholders against the merged input map.
// Referencing an input with no value is an error rather than an empty
// substitution.
func render(s string, inputs map[string]string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := template.New("playbook").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, inputs); err != nil {
		return "", err
	}
	return buf.String(), nil
}
