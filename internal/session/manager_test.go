package session

import (
	"context"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("client-1", "aria")
	if c.ID == "" {
		t.Fatalf("conversation ID should not be empty")
	}
	if c.Mode != ModeOnDemand {
		t.Fatalf("new conversation mode = %q, want %q", c.Mode, ModeOnDemand)
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ClientID != "client-1" || got.VoiceID != "aria" || got.Status != StatusActive {
		t.Fatalf("unexpected conversation state: %+v", got)
	}

	ended, err := m.End(c.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerBeginMessageSwitchesToLive(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("client-1", "")
	if err := m.BeginMessage(c.ID, "msg-1"); err != nil {
		t.Fatalf("BeginMessage() error = %v", err)
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveMessageID != "msg-1" {
		t.Fatalf("ActiveMessageID = %q, want %q", got.ActiveMessageID, "msg-1")
	}
	if got.Mode != ModeLive {
		t.Fatalf("Mode = %q, want %q", got.Mode, ModeLive)
	}
}

func TestManagerInterruptClearsMessageAndMode(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("client-1", "")
	if err := m.BeginMessage(c.ID, "msg-1"); err != nil {
		t.Fatalf("BeginMessage() error = %v", err)
	}
	if err := m.Interrupt(c.ID); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveMessageID != "" {
		t.Fatalf("ActiveMessageID = %q, want empty", got.ActiveMessageID)
	}
	if got.Mode != ModeOnDemand {
		t.Fatalf("Mode = %q, want %q", got.Mode, ModeOnDemand)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	c := m.Create("client-1", "")

	expired := make(chan string, 1)
	m.SetExpireHook(func(ec *Conversation) {
		expired <- ec.ID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != c.ID {
			t.Fatalf("expired %q, want %q", id, c.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire inactive conversation")
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}
