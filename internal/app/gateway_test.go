package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxaproject/voxa/internal/config"
	"github.com/voxaproject/voxa/internal/protocol"
	"github.com/voxaproject/voxa/internal/session"
	"github.com/voxaproject/voxa/internal/speech"
)

func testGateway(t *testing.T) (*Gateway, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	newOutput := func() (speech.AudioOutput, func() error, error) {
		out := NewPacedOutput()
		return out, out.Close, nil
	}
	g := NewGateway(config.Config{}, sessions, speech.NewMockGenerator(), newOutput, nil, zerolog.Nop())
	return g, sessions
}

func TestRunConnectionRejectsDeltaAfterFinalize(t *testing.T) {
	g, sessions := testGateway(t)
	conv := sessions.Create("client-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 64)
	go func() { _ = g.RunConnection(ctx, conv, inbound, outbound) }()

	inbound <- protocol.SpeakTextDelta{
		Type:           protocol.TypeSpeakTextDelta,
		ConversationID: conv.ID,
		MessageID:      "m1",
		TextDelta:      "Hello there, my good friend.",
	}
	inbound <- protocol.SpeakFinalize{
		Type:           protocol.TypeSpeakFinalize,
		ConversationID: conv.ID,
		MessageID:      "m1",
	}
	inbound <- protocol.SpeakTextDelta{
		Type:           protocol.TypeSpeakTextDelta,
		ConversationID: conv.ID,
		MessageID:      "m1",
		TextDelta:      " And a straggler fragment.",
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-outbound:
			evt, ok := msg.(protocol.ErrorEvent)
			if !ok {
				continue
			}
			if evt.Code != "message_finalized" {
				t.Fatalf("error code = %q, want message_finalized", evt.Code)
			}
			return
		case <-deadline:
			t.Fatalf("no error event for a delta arriving after finalize")
		}
	}
}
