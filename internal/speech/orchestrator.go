package speech

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// EventType labels pipeline events surfaced to the UI layer.
type EventType string

const (
	EventClipReady         EventType = "clip_ready"
	EventFirstClipReady    EventType = "first_clip_ready"
	EventGenerationFailure EventType = "generation_failure"
	EventPlaybackState     EventType = "playback_state"
	EventPlaybackComplete  EventType = "playback_complete"
)

// Event is one pipeline notification. Exactly one of the payload fields is
// set depending on Type.
type Event struct {
	Type      EventType
	MessageID string
	Clip      *AudioClip
	Failure   *GenerationFailure
	State     SessionState
}

type playbackMode int

const (
	modeLive playbackMode = iota
	modeOnDemand
)

// ErrNoAudio is returned when replay is requested for a message with no
// retained audio and no text to regenerate from.
var ErrNoAudio = errors.New("no audio available for message")

type OrchestratorConfig struct {
	SegmenterMinChars int
	Logger            zerolog.Logger
}

// Orchestrator wires segmenter output into the generation queue and queue
// output into the playback scheduler, and owns the two operating modes:
// live streaming (every clip autoplays for gapless speech) and on-demand
// replay (only index zero autoplays; in-order advance does the rest).
type Orchestrator struct {
	queue    *GenerationQueue
	sched    *PlaybackScheduler
	log      zerolog.Logger
	minChars int

	events chan Event

	mu             sync.Mutex
	modes          map[string]playbackMode
	onDemandActive string
}

func NewOrchestrator(queue *GenerationQueue, sched *PlaybackScheduler, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		queue:    queue,
		sched:    sched,
		log:      cfg.Logger,
		minChars: cfg.SegmenterMinChars,
		events:   make(chan Event, 128),
		modes:    make(map[string]playbackMode),
	}
}

// Events surfaces pipeline notifications for the connection's UI layer.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Run pumps queue output into the scheduler and fans events upward. It
// returns when ctx is cancelled; call it once per conversation.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case clip := <-o.queue.Clips():
			o.sched.QueueClip(clip, o.autoPlayFor(clip))
			o.emit(ctx, Event{Type: EventClipReady, MessageID: clip.MessageID, Clip: &clip})
		case clip := <-o.queue.FirstClips():
			o.emit(ctx, Event{Type: EventFirstClipReady, MessageID: clip.MessageID, Clip: &clip})
		case failure := <-o.queue.Failures():
			o.sched.MarkFailed(failure.MessageID, failure.SequenceIndex)
			o.emit(ctx, Event{Type: EventGenerationFailure, MessageID: failure.MessageID, Failure: &failure})
		case change := <-o.sched.StateChanges():
			o.emit(ctx, Event{Type: EventPlaybackState, MessageID: change.MessageID, State: change.State})
		case messageID := <-o.sched.Completions():
			o.finishOnDemand(messageID)
			o.emit(ctx, Event{Type: EventPlaybackComplete, MessageID: messageID})
		}
	}
}

// SpeakStream consumes one message's streamed text fragments until the
// channel closes, submitting each detected sentence for synthesis. It
// returns the number of sentence units produced.
func (o *Orchestrator) SpeakStream(ctx context.Context, messageID string, fragments <-chan string) (int, error) {
	o.setMode(messageID, modeLive)

	seg := NewSentenceSegmenter(messageID, o.minChars, func(u SentenceUnit) {
		o.queue.Submit(u)
	})
	for {
		select {
		case <-ctx.Done():
			return seg.EmittedCount(), ctx.Err()
		case frag, ok := <-fragments:
			if !ok {
				seg.Finalize()
				n := seg.EmittedCount()
				if n > 0 {
					o.sched.SetExpectedCount(messageID, n)
				}
				return n, nil
			}
			seg.ProcessFragment(frag)
		}
	}
}

// ReplayMessage plays an already-complete message. Retained audio resumes
// without regeneration; otherwise fullText is re-segmented and resynthesized
// in on-demand mode.
func (o *Orchestrator) ReplayMessage(messageID, fullText string) error {
	if o.sched.HasAudioForMessage(messageID) {
		o.sched.StartPlaybackForMessage(messageID)
		return nil
	}
	if fullText == "" {
		return ErrNoAudio
	}

	o.setMode(messageID, modeOnDemand)
	o.mu.Lock()
	o.onDemandActive = messageID
	o.mu.Unlock()

	seg := NewSentenceSegmenter(messageID, o.minChars, func(u SentenceUnit) {
		o.queue.Submit(u)
	})
	seg.ProcessFragment(fullText)
	seg.Finalize()
	if n := seg.EmittedCount(); n > 0 {
		o.sched.SetExpectedCount(messageID, n)
	}
	return nil
}

// CancelMessage is the user-stop path: abort in-flight synthesis, gently
// stop playback so generated audio stays replayable, and release any
// on-demand bookkeeping so the next interaction is not blocked.
func (o *Orchestrator) CancelMessage(messageID string) {
	o.queue.ClearMessage(messageID)
	o.sched.StopPlaybackForMessage(messageID)
	o.finishOnDemand(messageID)
}

// StopMessage gently stops playback without touching generation.
func (o *Orchestrator) StopMessage(messageID string) {
	o.sched.StopPlaybackForMessage(messageID)
}

// Teardown ends the conversation irrecoverably: all synthesis cancelled, all
// buffers discarded.
func (o *Orchestrator) Teardown() {
	o.queue.Clear()
	o.sched.ClearAll()
	o.mu.Lock()
	o.modes = make(map[string]playbackMode)
	o.onDemandActive = ""
	o.mu.Unlock()
}

// HasAudioForMessage reports whether replay can reuse retained audio.
func (o *Orchestrator) HasAudioForMessage(messageID string) bool {
	return o.sched.HasAudioForMessage(messageID)
}

// IsPlayingMessage reports whether the message is actively playing.
func (o *Orchestrator) IsPlayingMessage(messageID string) bool {
	return o.sched.IsPlayingMessage(messageID)
}

// Close releases the underlying queue and scheduler.
func (o *Orchestrator) Close() {
	o.queue.Close()
	o.sched.Close()
}

func (o *Orchestrator) setMode(messageID string, mode playbackMode) {
	o.mu.Lock()
	o.modes[messageID] = mode
	o.mu.Unlock()
}

func (o *Orchestrator) autoPlayFor(clip AudioClip) bool {
	o.mu.Lock()
	mode, ok := o.modes[clip.MessageID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if mode == modeOnDemand {
		return clip.SequenceIndex == 0
	}
	return true
}

func (o *Orchestrator) finishOnDemand(messageID string) {
	o.mu.Lock()
	if o.onDemandActive == messageID {
		o.onDemandActive = ""
	}
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ctx context.Context, evt Event) {
	select {
	case o.events <- evt:
	case <-ctx.Done():
	}
}
