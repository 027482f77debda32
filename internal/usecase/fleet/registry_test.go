package fleet

import (
	"errors"
	"log/slog"
	"testing"

	"foreman/internal/domain"
)

func testLogger() *slog.Logger { return slog.Default() }

func makeAgent(id, modelKey string, caps ...string) *Agent {
	spec := domain.AgentSpec{
		AgentID:      id,
		ModelKey:     modelKey,
		Capabilities: caps,
	}
	return NewAgent(spec, nil, nil, nil, testLogger())
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry("researcher", testLogger())
	if err := r.Register(makeAgent("researcher", "fast")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("researcher")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID() != "researcher" {
		t.Errorf("ID = %q, want %q", got.ID(), "researcher")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry("researcher", testLogger())
	if err := r.Register(makeAgent("researcher", "fast")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(makeAgent("researcher", "smart"))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeAgentDuplicate {
		t.Errorf("code = %s, want %s", code, domain.CodeAgentDuplicate)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry("researcher", testLogger())
	_, err := r.Get("nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeAgentNotFound {
		t.Errorf("code = %s, want %s", code, domain.CodeAgentNotFound)
	}
}

func TestRegistryDefault(t *testing.T) {
	r := NewRegistry("main", testLogger())
	r.Register(makeAgent("main", "fast"))
	r.Register(makeAgent("helper", "fast"))

	a, err := r.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if a.ID() != "main" {
		t.Errorf("Default ID = %q, want %q", a.ID(), "main")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry("a", testLogger())
	r.Register(makeAgent("b", "fast"))
	r.Register(makeAgent("a", "fast"))

	infos := r.All()
	if len(infos) != 2 {
		t.Fatalf("All length = %d, want 2", len(infos))
	}
	if infos[0].Spec.AgentID != "a" || infos[1].Spec.AgentID != "b" {
		t.Errorf("All order: [%s, %s], want [a, b]",
			infos[0].Spec.AgentID, infos[1].Spec.AgentID)
	}
	if infos[0].State != domain.AgentIdle {
		t.Errorf("State = %s, want IDLE", infos[0].State)
	}
}

func TestRegistryIDs(t *testing.T) {
	r := NewRegistry("a", testLogger())
	r.Register(makeAgent("z", "fast"))
	r.Register(makeAgent("a", "fast"))
	r.Register(makeAgent("k", "fast"))

	ids := r.IDs()
	want := []string{"a", "k", "z"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs = %v, want %v", ids, want)
		}
	}
}

func TestRegistryByCapability(t *testing.T) {
	r := NewRegistry("a", testLogger())
	r.Register(makeAgent("writer", "fast", "writing"))
	r.Register(makeAgent("coder", "smart", "code", "writing"))
	r.Register(makeAgent("scout", "fast", "search"))

	got := r.ByCapability("writing")
	if len(got) != 2 {
		t.Fatalf("ByCapability length = %d, want 2", len(got))
	}
	// Registration order, not alphabetical.
	if got[0].ID() != "writer" || got[1].ID() != "coder" {
		t.Errorf("order: [%s, %s], want [writer, coder]", got[0].ID(), got[1].ID())
	}
}

func TestRouteTaskExactAgentID(t *testing.T) {
	r := NewRegistry("fallback", testLogger())
	r.Register(makeAgent("fallback", "fast"))
	r.Register(makeAgent("researcher", "smart"))

	a, err := r.RouteTask(&domain.Task{ID: "t1", Target: "researcher"})
	if err != nil {
		t.Fatalf("RouteTask: %v", err)
	}
	if a.ID() != "researcher" {
		t.Errorf("routed to %q, want researcher", a.ID())
	}
}

func TestRouteTaskModelKey(t *testing.T) {
	r := NewRegistry("fallback", testLogger())
	r.Register(makeAgent("fallback", "fast"))
	r.Register(makeAgent("analyst", "smart"))
	r.Register(makeAgent("analyst2", "smart"))

	a, err := r.RouteTask(&domain.Task{ID: "t1", Target: "smart"})
	if err != nil {
		t.Fatalf("RouteTask: %v", err)
	}
	// First registered agent with the model key wins.
	if a.ID() != "analyst" {
		t.Errorf("routed to %q, want analyst", a.ID())
	}
}

func TestRouteTaskAgentIDBeatsModelKey(t *testing.T) {
	r := NewRegistry("fallback", testLogger())
	// An agent named after another agent's model key: the id match wins.
	r.Register(makeAgent("analyst", "smart"))
	r.Register(makeAgent("smart", "fast"))

	a, err := r.RouteTask(&domain.Task{ID: "t1", Target: "smart"})
	if err != nil {
		t.Fatalf("RouteTask: %v", err)
	}
	if a.ID() != "smart" {
		t.Errorf("routed to %q, want the agent named smart", a.ID())
	}
}

func TestRouteTaskCapability(t *testing.T) {
	r := NewRegistry("fallback", testLogger())
	r.Register(makeAgent("fallback", "fast"))
	r.Register(makeAgent("coder", "smart", "code"))

	a, err := r.RouteTask(&domain.Task{ID: "t1", Target: "code"})
	if err != nil {
		t.Fatalf("RouteTask: %v", err)
	}
	if a.ID() != "coder" {
		t.Errorf("routed to %q, want coder", a.ID())
	}
}

func TestRouteTaskDefault(t *testing.T) {
	r := NewRegistry("fallback", testLogger())
	r.Register(makeAgent("fallback", "fast"))
	r.Register(makeAgent("coder", "smart", "code"))

	a, err := r.RouteTask(&domain.Task{ID: "t1", Target: "no-such-thing"})
	if err != nil {
		t.Fatalf("RouteTask: %v", err)
	}
	if a.ID() != "fallback" {
		t.Errorf("routed to %q, want fallback", a.ID())
	}
}

func TestRouteTaskNothingMatches(t *testing.T) {
	r := NewRegistry("missing-default", testLogger())
	r.Register(makeAgent("coder", "smart", "code"))

	_, err := r.RouteTask(&domain.Task{ID: "t1", Target: "no-such-thing"})
	if !errors.Is(err, domain.ErrRoutingFailed) {
		t.Errorf("expected ErrRoutingFailed, got %v", err)
	}
}
