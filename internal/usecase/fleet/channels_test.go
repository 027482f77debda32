package fleet

import (
	"errors"
	"testing"

	"foreman/internal/domain"
)

func TestChannelsCreateAndPost(t *testing.T) {
	c := NewChannels(testLogger())
	if err := c.CreateChannel("findings", nil, 0); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if err := c.Post("findings", "researcher", "the sky is blue"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	history, err := c.History("findings")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Sender != "researcher" || history[0].Content != "the sky is blue" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[0].CreatedAt.IsZero() {
		t.Error("post has no timestamp")
	}
}

func TestChannelsDuplicateName(t *testing.T) {
	c := NewChannels(testLogger())
	c.CreateChannel("findings", nil, 0)

	err := c.CreateChannel("findings", nil, 0)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeChannelDuplicate {
		t.Errorf("code = %s, want %s", code, domain.CodeChannelDuplicate)
	}
}

func TestChannelsPostUnknownChannel(t *testing.T) {
	c := NewChannels(testLogger())
	err := c.Post("nope", "researcher", "hello")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChannelsMembershipEnforced(t *testing.T) {
	c := NewChannels(testLogger())
	c.CreateChannel("private", []string{"coder", "reviewer"}, 0)

	if err := c.Post("private", "coder", "lgtm"); err != nil {
		t.Fatalf("member post: %v", err)
	}

	err := c.Post("private", "outsider", "let me in")
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeChannelForbidden {
		t.Errorf("code = %s, want %s", code, domain.CodeChannelForbidden)
	}

	// The rejected post left no trace.
	history, _ := c.History("private")
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestChannelsHistoryCapped(t *testing.T) {
	c := NewChannels(testLogger())
	c.CreateChannel("noisy", nil, 3)

	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		if err := c.Post("noisy", "researcher", msg); err != nil {
			t.Fatalf("Post(%s): %v", msg, err)
		}
	}

	history, err := c.History("noisy")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Content != "three" || history[2].Content != "five" {
		t.Errorf("history = [%s %s %s], want oldest dropped first",
			history[0].Content, history[1].Content, history[2].Content)
	}
}

func TestChannelsHistoryUnknown(t *testing.T) {
	c := NewChannels(testLogger())
	_, err := c.History("nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChannelsNamesSorted(t *testing.T) {
	c := NewChannels(testLogger())
	c.CreateChannel("zeta", nil, 0)
	c.CreateChannel("alpha", nil, 0)

	names := c.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names = %v, want [alpha zeta]", names)
	}
}
