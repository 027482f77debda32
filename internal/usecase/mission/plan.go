package mission

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"foreman/internal/domain"
)

// planSchemaJSON constrains submitted plan documents before normalization.
const planSchemaJSON = `{
	"type": "object",
	"properties": {
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"model": {"type": "string"},
					"task": {"type": "string", "minLength": 1},
					"tools_needed": {"type": "array", "items": {"type": "string"}},
					"depends_on": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["task"]
			}
		},
		"synthesize": {"type": "boolean"},
		"synthesis_model": {"type": "string"}
	},
	"required": ["tasks"]
}`

var planSchema = mustCompileSchema(planSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("mission: plan schema: %v", err))
	}
	return schema
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if a planner model wrapped
// its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// ParsePlan decodes a plan document, tolerating markdown fences around the
// JSON, and checks it against the plan schema. The result still needs
// NormalizePlan before execution.
func ParsePlan(data []byte) (*domain.Plan, error) {
	raw := stripCodeFences(string(data))

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, domain.NewSubSystemError("plan", "ParsePlan", domain.ErrInvalidInput, err.Error())
	}
	if result := planSchema.Validate(doc); !result.IsValid() {
		return nil, domain.NewSubSystemError("plan", "ParsePlan", domain.ErrInvalidInput, result.Error())
	}

	var plan domain.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, domain.NewSubSystemError("plan", "ParsePlan", domain.ErrInvalidInput, err.Error())
	}
	return &plan, nil
}

// NormalizePlan fills defaulted ids (t1, t2, … by position) and rejects
// duplicate ids, empty descriptions, and dependencies on unknown tasks.
func NormalizePlan(p *domain.Plan) error {
	if len(p.Tasks) == 0 {
		return domain.NewSubSystemError("plan", "NormalizePlan", domain.ErrInvalidInput, "plan has no tasks")
	}

	for i := range p.Tasks {
		if p.Tasks[i].ID == "" {
			p.Tasks[i].ID = fmt.Sprintf("t%d", i+1)
		}
		if strings.TrimSpace(p.Tasks[i].Task) == "" {
			return domain.NewSubSystemError("plan", "NormalizePlan", domain.ErrInvalidInput,
				fmt.Sprintf("task %q has no description", p.Tasks[i].ID))
		}
	}

	ids := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if ids[t.ID] {
			return domain.NewSubSystemError("plan", "NormalizePlan", domain.ErrInvalidInput,
				fmt.Sprintf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = true
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return domain.NewSubSystemError("plan", "NormalizePlan", domain.ErrInvalidInput,
					fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}
	return nil
}

// ValidatePlan normalizes ids and rejects invalid graphs. Submit runs it on
// every plan; playbook loading runs it to reject bad files early.
func ValidatePlan(p *domain.Plan) error {
	if err := NormalizePlan(p); err != nil {
		return err
	}
	return detectCycle(p.Tasks)
}

// detectCycle rejects dependency graphs that loop. Three-color DFS, run once
// at submission; execution never re-checks.
func detectCycle(tasks []domain.PlanTask) error {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)

	deps := make(map[string][]string, len(tasks))
	color := make(map[string]int, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Close the loop for the error message.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if cycle := visit(t.ID); cycle != nil {
				return domain.NewDomainError("Plan.Validate", domain.ErrDependencyCycle,
					strings.Join(cycle, " -> "))
			}
		}
	}
	return nil
}
