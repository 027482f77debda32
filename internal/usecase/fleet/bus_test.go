package fleet

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"foreman/internal/domain"
)

func TestBusSendAndDrain(t *testing.T) {
	b := NewBus(0, testLogger())

	for i := 0; i < 3; i++ {
		err := b.Send(domain.AgentMessage{
			Type:      domain.MessageTask,
			Sender:    "scheduler",
			Recipient: "researcher",
			Content:   fmt.Sprintf("task %d", i),
		})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got := b.GetPending("researcher")
	if len(got) != 3 {
		t.Fatalf("GetPending length = %d, want 3", len(got))
	}
	// FIFO: send order preserved.
	for i, msg := range got {
		want := fmt.Sprintf("task %d", i)
		if msg.Content != want {
			t.Errorf("messages[%d].Content = %q, want %q", i, msg.Content, want)
		}
		if msg.ID == "" {
			t.Errorf("messages[%d] has no id", i)
		}
		if msg.CreatedAt.IsZero() {
			t.Errorf("messages[%d] has no timestamp", i)
		}
	}

	// Drained: nothing left.
	if again := b.GetPending("researcher"); len(again) != 0 {
		t.Errorf("second GetPending returned %d messages, want 0", len(again))
	}
}

func TestBusPeekDoesNotDrain(t *testing.T) {
	b := NewBus(0, testLogger())
	b.Send(domain.AgentMessage{Recipient: "researcher", Content: "hello"})

	if got := b.PeekPending("researcher"); len(got) != 1 {
		t.Fatalf("PeekPending length = %d, want 1", len(got))
	}
	if got := b.GetPending("researcher"); len(got) != 1 {
		t.Errorf("GetPending after peek length = %d, want 1", len(got))
	}
}

func TestBusPerRecipientIsolation(t *testing.T) {
	b := NewBus(0, testLogger())
	b.Send(domain.AgentMessage{Recipient: "a", Content: "for a"})
	b.Send(domain.AgentMessage{Recipient: "b", Content: "for b"})

	gotA := b.GetPending("a")
	if len(gotA) != 1 || gotA[0].Content != "for a" {
		t.Errorf("a's mailbox = %v", gotA)
	}
	if b.PendingCount("b") != 1 {
		t.Errorf("b's mailbox drained by a's read")
	}
}

func TestBusMailboxFull(t *testing.T) {
	b := NewBus(2, testLogger())
	b.Send(domain.AgentMessage{Recipient: "slow"})
	b.Send(domain.AgentMessage{Recipient: "slow"})

	err := b.Send(domain.AgentMessage{Recipient: "slow"})
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Errorf("expected ErrLimitReached, got %v", err)
	}
	if b.PendingCount("slow") != 2 {
		t.Errorf("PendingCount = %d, want 2", b.PendingCount("slow"))
	}
}

func TestBusMissionLog(t *testing.T) {
	b := NewBus(0, testLogger())
	b.Send(domain.AgentMessage{Recipient: "a", MissionID: "m1", Content: "first"})
	b.Send(domain.AgentMessage{Recipient: "b", MissionID: "m1", Content: "second"})
	b.Send(domain.AgentMessage{Recipient: "a", MissionID: "m2", Content: "other mission"})
	b.Send(domain.AgentMessage{Recipient: "a", Content: "no mission"})

	// Draining mailboxes never touches the audit log.
	b.GetPending("a")
	b.GetPending("b")

	log := b.MissionLog("m1")
	if len(log) != 2 {
		t.Fatalf("MissionLog length = %d, want 2", len(log))
	}
	if log[0].Content != "first" || log[1].Content != "second" {
		t.Errorf("log order: [%s, %s]", log[0].Content, log[1].Content)
	}

	b.DropMissionLog("m1")
	if got := b.MissionLog("m1"); len(got) != 0 {
		t.Errorf("log after drop length = %d, want 0", len(got))
	}
	if got := b.MissionLog("m2"); len(got) != 1 {
		t.Errorf("m2 log length = %d, want 1", len(got))
	}
}

func TestBusConcurrentSend(t *testing.T) {
	b := NewBus(1000, testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Send(domain.AgentMessage{Recipient: "busy", MissionID: "m1"})
		}(i)
	}
	wg.Wait()

	if got := len(b.GetPending("busy")); got != 100 {
		t.Errorf("delivered %d messages, want 100", got)
	}
	if got := len(b.MissionLog("m1")); got != 100 {
		t.Errorf("logged %d messages, want 100", got)
	}
}
