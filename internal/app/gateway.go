// Package app wires the speech pipeline to websocket conversations.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/voxaproject/voxa/internal/audio"
	"github.com/voxaproject/voxa/internal/config"
	"github.com/voxaproject/voxa/internal/observability"
	"github.com/voxaproject/voxa/internal/protocol"
	"github.com/voxaproject/voxa/internal/session"
	"github.com/voxaproject/voxa/internal/speech"
)

// OutputFactory builds one speech.AudioOutput per connection. The returned
// closer releases the device when the connection ends.
type OutputFactory func() (speech.AudioOutput, func() error, error)

// Gateway runs one speech pipeline per websocket conversation: segmenter
// into generation queue into playback scheduler, with protocol translation
// in both directions.
type Gateway struct {
	cfg       config.Config
	sessions  *session.Manager
	gen       speech.Generator
	newOutput OutputFactory
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewGateway(cfg config.Config, sessions *session.Manager, gen speech.Generator, newOutput OutputFactory, metrics *observability.Metrics, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:       cfg,
		sessions:  sessions,
		gen:       gen,
		newOutput: newOutput,
		metrics:   metrics,
		log:       log.With().Str("component", "gateway").Logger(),
	}
}

func (g *Gateway) generateOptions(conv *session.Conversation) speech.GenerateOptions {
	opts := speech.GenerateOptions{
		VoiceID:      g.cfg.ElevenLabsVoice,
		ModelID:      g.cfg.ElevenLabsModel,
		OutputFormat: g.cfg.ElevenLabsOutputFormat,
		Speed:        g.cfg.SpeechSpeed,
	}
	if conv != nil && strings.TrimSpace(conv.VoiceID) != "" {
		opts.VoiceID = conv.VoiceID
	}
	return opts
}

// RunConnection owns one websocket conversation until ctx is cancelled, the
// inbound channel closes, or the client tears the conversation down.
func (g *Gateway) RunConnection(ctx context.Context, conv *session.Conversation, inbound <-chan any, outbound chan<- any) error {
	out, closeOut, err := g.newOutput()
	if err != nil {
		return fmt.Errorf("audio output: %w", err)
	}
	defer func() { _ = closeOut() }()

	queue := speech.NewGenerationQueue(g.gen, speech.GenerationQueueConfig{
		Options:      g.generateOptions(conv),
		RetryBackoff: g.cfg.GenerationBackoff,
		Logger:       g.log,
		Metrics:      g.metrics,
	})
	sched := speech.NewPlaybackScheduler(out, speech.PlaybackSchedulerConfig{
		SkipTimeout: g.cfg.PlaybackSkipTimeout,
		Logger:      g.log,
		Metrics:     g.metrics,
	})
	orch := speech.NewOrchestrator(queue, sched, speech.OrchestratorConfig{
		SegmenterMinChars: g.cfg.SegmenterMinChars,
		Logger:            g.log,
	})
	defer orch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go orch.Run(ctx)
	go g.forwardEvents(ctx, conv.ID, orch, outbound)

	// Per-message fragment streams and accumulated text for replay after a
	// hard clear. Finalized message IDs are remembered so a straggler delta
	// cannot restart a stream and duplicate sequence indices.
	streams := make(map[string]chan string)
	texts := make(map[string]*strings.Builder)
	finalized := make(map[string]bool)
	closeStream := func(messageID string) {
		if ch, ok := streams[messageID]; ok {
			close(ch)
			delete(streams, messageID)
		}
	}
	defer func() {
		for id := range streams {
			closeStream(id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.SpeakTextDelta:
				if finalized[m.MessageID] {
					sendEvent(outbound, protocol.ErrorEvent{
						Type:           protocol.TypeErrorEvent,
						ConversationID: conv.ID,
						Code:           "message_finalized",
						Source:         "ingest",
						Retryable:      false,
						Detail:         "text delta after finalize for message " + m.MessageID,
					})
					continue
				}
				ch, ok := streams[m.MessageID]
				if !ok {
					ch = make(chan string, 64)
					streams[m.MessageID] = ch
					texts[m.MessageID] = &strings.Builder{}
					if err := g.sessions.BeginMessage(conv.ID, m.MessageID); err != nil {
						g.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("begin message")
					}
					go func(id string, fragments <-chan string) {
						if _, err := orch.SpeakStream(ctx, id, fragments); err != nil && !errors.Is(err, context.Canceled) {
							g.log.Warn().Err(err).Str("message_id", id).Msg("speak stream ended")
						}
					}(m.MessageID, ch)
				}
				texts[m.MessageID].WriteString(m.TextDelta)
				select {
				case ch <- m.TextDelta:
				case <-ctx.Done():
					return ctx.Err()
				}
				_ = g.sessions.Touch(conv.ID)

			case protocol.SpeakFinalize:
				finalized[m.MessageID] = true
				closeStream(m.MessageID)
				_ = g.sessions.Touch(conv.ID)

			case protocol.ClientControl:
				g.handleControl(conv, orch, m, outbound, texts, closeStream)
				if m.Action == protocol.ActionTeardown {
					return nil
				}
				_ = g.sessions.Touch(conv.ID)
			}
		}
	}
}

func (g *Gateway) handleControl(conv *session.Conversation, orch *speech.Orchestrator, m protocol.ClientControl, outbound chan<- any, texts map[string]*strings.Builder, closeStream func(string)) {
	switch m.Action {
	case protocol.ActionCancel:
		closeStream(m.MessageID)
		orch.CancelMessage(m.MessageID)
		_ = g.sessions.Interrupt(conv.ID)

	case protocol.ActionStop:
		orch.StopMessage(m.MessageID)

	case protocol.ActionReplay:
		text := m.Text
		if text == "" {
			if b, ok := texts[m.MessageID]; ok {
				text = b.String()
			}
		}
		if err := orch.ReplayMessage(m.MessageID, text); err != nil {
			sendEvent(outbound, protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conv.ID,
				Code:           "no_audio",
				Source:         "playback",
				Retryable:      false,
				Detail:         err.Error(),
			})
		}

	case protocol.ActionTeardown:
		orch.Teardown()
	}
}

// forwardEvents translates pipeline events into outbound protocol payloads.
func (g *Gateway) forwardEvents(ctx context.Context, conversationID string, orch *speech.Orchestrator, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-orch.Events():
			switch evt.Type {
			case speech.EventClipReady, speech.EventFirstClipReady:
				msgType := protocol.TypeClipReady
				if evt.Type == speech.EventFirstClipReady {
					msgType = protocol.TypeFirstClipReady
				}
				sendEvent(outbound, protocol.ClipReady{
					Type:           msgType,
					ConversationID: conversationID,
					MessageID:      evt.MessageID,
					SequenceIndex:  evt.Clip.SequenceIndex,
					Format:         evt.Clip.Format,
					AudioBase64:    base64.StdEncoding.EncodeToString(evt.Clip.Audio),
					IsFirst:        evt.Clip.IsFirst,
				})
			case speech.EventGenerationFailure:
				sendEvent(outbound, protocol.GenerationFailure{
					Type:           protocol.TypeGenerationFailure,
					ConversationID: conversationID,
					MessageID:      evt.MessageID,
					SequenceIndex:  evt.Failure.SequenceIndex,
					Detail:         evt.Failure.Err.Error(),
				})
			case speech.EventPlaybackState:
				sendEvent(outbound, protocol.PlaybackState{
					Type:           protocol.TypePlaybackState,
					ConversationID: conversationID,
					MessageID:      evt.MessageID,
					State:          string(evt.State),
				})
			case speech.EventPlaybackComplete:
				sendEvent(outbound, protocol.PlaybackComplete{
					Type:           protocol.TypePlaybackComplete,
					ConversationID: conversationID,
					MessageID:      evt.MessageID,
				})
			}
		}
	}
}

// PreviewSpeech synthesizes one utterance and returns it as WAV for
// auditioning a voice before starting a conversation.
func (g *Gateway) PreviewSpeech(ctx context.Context, voiceID, text string) ([]byte, string, error) {
	opts := g.generateOptions(nil)
	if strings.TrimSpace(voiceID) != "" {
		opts.VoiceID = voiceID
	}

	generated, err := g.gen.Generate(ctx, text, opts)
	if err != nil {
		return nil, "", err
	}

	switch {
	case strings.HasPrefix(generated.Format, "mp3"):
		pcm, rate, err := audio.DecodeMP3(generated.Data)
		if err != nil {
			return nil, "", err
		}
		wav, err := audio.EncodeWAVPCM16LE(pcm, rate, 2)
		if err != nil {
			return nil, "", err
		}
		return wav, "audio/wav", nil
	case strings.HasPrefix(generated.Format, "pcm_"):
		rate := 44100
		if _, err := fmt.Sscanf(generated.Format, "pcm_%d", &rate); err != nil {
			rate = 44100
		}
		wav, err := audio.EncodeWAVPCM16LE(generated.Data, rate, 1)
		if err != nil {
			return nil, "", err
		}
		return wav, "audio/wav", nil
	case generated.Format == "mock_text_bytes":
		// Dev fallback provider: echo the text so previews stay usable
		// without an API key.
		return generated.Data, "text/plain; charset=utf-8", nil
	default:
		return nil, "", fmt.Errorf("unsupported preview format %q", generated.Format)
	}
}

// sendEvent drops rather than blocks when the outbound queue is saturated;
// the websocket writer is the single consumer.
func sendEvent(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}
