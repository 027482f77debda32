package mission

import (
	"errors"
	"strings"
	"testing"

	"foreman/internal/domain"
)

func TestParsePlan(t *testing.T) {
	data := []byte(`{
		"tasks": [
			{"id": "t1", "model": "primary", "task": "collect logs", "tools_needed": ["workspace_read"]},
			{"task": "summarize", "depends_on": ["t1"]}
		],
		"synthesize": true,
		"synthesis_model": "synth"
	}`)

	plan, err := ParsePlan(data)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(plan.Tasks))
	}
	if plan.Tasks[0].Model != "primary" || plan.Tasks[0].ToolsNeeded[0] != "workspace_read" {
		t.Errorf("first task = %+v", plan.Tasks[0])
	}
	if !plan.Synthesize || plan.SynthesisModel != "synth" {
		t.Errorf("synthesis = %v/%q", plan.Synthesize, plan.SynthesisModel)
	}
}

func TestParsePlanStripsCodeFences(t *testing.T) {
	data := []byte("```json\n{\"tasks\": [{\"task\": \"quick job\"}]}\n```")
	plan, err := ParsePlan(data)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if got := plan.Tasks[0].Task; got != "quick job" {
		t.Errorf("task = %q", got)
	}
}

func TestParsePlanRejects(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "the plan is: do stuff"},
		{"no tasks key", `{"steps": []}`},
		{"empty tasks", `{"tasks": []}`},
		{"task missing description", `{"tasks": [{"id": "t1"}]}`},
		{"blank description", `{"tasks": [{"task": ""}]}`},
		{"wrong deps type", `{"tasks": [{"task": "x", "depends_on": "t1"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePlan([]byte(tc.data)); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestNormalizePlanAssignsIDs(t *testing.T) {
	plan := domain.Plan{Tasks: []domain.PlanTask{
		{Task: "first"},
		{ID: "named", Task: "second"},
		{Task: "third", DependsOn: []string{"named"}},
	}}
	if err := NormalizePlan(&plan); err != nil {
		t.Fatalf("NormalizePlan: %v", err)
	}
	if plan.Tasks[0].ID != "t1" || plan.Tasks[1].ID != "named" || plan.Tasks[2].ID != "t3" {
		t.Errorf("ids = %q %q %q", plan.Tasks[0].ID, plan.Tasks[1].ID, plan.Tasks[2].ID)
	}
}

func TestNormalizePlanRejects(t *testing.T) {
	cases := []struct {
		name string
		plan domain.Plan
		want string
	}{
		{
			"empty plan",
			domain.Plan{},
			"no tasks",
		},
		{
			"duplicate ids",
			domain.Plan{Tasks: []domain.PlanTask{{ID: "a", Task: "x"}, {ID: "a", Task: "y"}}},
			"duplicate",
		},
		{
			"auto id collides with explicit",
			domain.Plan{Tasks: []domain.PlanTask{{ID: "t2", Task: "x"}, {Task: "y"}}},
			"duplicate",
		},
		{
			"unknown dependency",
			domain.Plan{Tasks: []domain.PlanTask{{ID: "a", Task: "x", DependsOn: []string{"zz"}}}},
			"unknown",
		},
		{
			"whitespace description",
			domain.Plan{Tasks: []domain.PlanTask{{ID: "a", Task: "   "}}},
			"no description",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NormalizePlan(&tc.plan)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %q, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDetectCycle(t *testing.T) {
	ok := []domain.PlanTask{
		{ID: "t1", Task: "a"},
		{ID: "t2", Task: "b", DependsOn: []string{"t1"}},
		{ID: "t3", Task: "c", DependsOn: []string{"t1", "t2"}},
	}
	if err := detectCycle(ok); err != nil {
		t.Fatalf("acyclic graph flagged: %v", err)
	}

	selfDep := []domain.PlanTask{{ID: "t1", Task: "a", DependsOn: []string{"t1"}}}
	if err := detectCycle(selfDep); !errors.Is(err, domain.ErrDependencyCycle) {
		t.Errorf("self-dependency: err = %v", err)
	}

	loop := []domain.PlanTask{
		{ID: "t1", Task: "a", DependsOn: []string{"t3"}},
		{ID: "t2", Task: "b", DependsOn: []string{"t1"}},
		{ID: "t3", Task: "c", DependsOn: []string{"t2"}},
	}
	err := detectCycle(loop)
	if !errors.Is(err, domain.ErrDependencyCycle) {
		t.Fatalf("loop: err = %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("err %q does not spell out the cycle path", err)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain {\"a\":1}", "plain {\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  ```json\n{\"a\": [1,2]}\n``` ", "{\"a\": [1,2]}"},
	}
	for _, tc := range cases {
		if got := stripCodeFences(tc.in); got != tc.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
