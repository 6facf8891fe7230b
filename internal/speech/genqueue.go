package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxaproject/voxa/internal/observability"
	"github.com/voxaproject/voxa/internal/reliability"
)

const (
	clipChanBuffer    = 128
	firstChanBuffer   = 16
	failureChanBuffer = 64

	defaultRetryBackoff = 150 * time.Millisecond
	retryBackoffCap     = 2 * time.Second
)

// GenerationQueueConfig tunes one queue instance.
type GenerationQueueConfig struct {
	Options      GenerateOptions
	RetryBackoff time.Duration
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
}

// GenerationQueue turns sentence units into audio clips. Every submitted unit
// is dispatched to the Generator immediately, so synthesis for one message
// runs fully concurrent and clips surface in completion order, not sequence
// order. A retryable provider error gets exactly one more attempt before the
// sentence is reported failed.
type GenerationQueue struct {
	gen     Generator
	opts    GenerateOptions
	backoff time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics

	rootCtx context.Context
	cancel  context.CancelFunc

	clips      chan AudioClip
	firstClips chan AudioClip
	failures   chan GenerationFailure

	mu       sync.Mutex
	messages map[string]*messageWork
}

type messageWork struct {
	ctx          context.Context
	cancel       context.CancelFunc
	firstEmitted bool
	firstSubmit  time.Time
	statuses     map[int]TaskStatus
}

func NewGenerationQueue(gen Generator, cfg GenerationQueueConfig) *GenerationQueue {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GenerationQueue{
		gen:        gen,
		opts:       cfg.Options,
		backoff:    cfg.RetryBackoff,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		rootCtx:    ctx,
		cancel:     cancel,
		clips:      make(chan AudioClip, clipChanBuffer),
		firstClips: make(chan AudioClip, firstChanBuffer),
		failures:   make(chan GenerationFailure, failureChanBuffer),
	}
}

// Clips delivers completed clips in completion order. Consumers must drain it.
func (q *GenerationQueue) Clips() <-chan AudioClip { return q.clips }

// FirstClips delivers the first successful clip of each message, once, for
// latency-sensitive downstream logic.
func (q *GenerationQueue) FirstClips() <-chan AudioClip { return q.firstClips }

// Failures delivers per-sentence failures. A failure never recalls clips that
// already shipped and never aborts the rest of the message.
func (q *GenerationQueue) Failures() <-chan GenerationFailure { return q.failures }

// Submit dispatches one sentence unit without waiting for prior units.
func (q *GenerationQueue) Submit(unit SentenceUnit) {
	q.mu.Lock()
	if q.messages == nil {
		q.messages = make(map[string]*messageWork)
	}
	w, ok := q.messages[unit.MessageID]
	if !ok {
		ctx, cancel := context.WithCancel(q.rootCtx)
		w = &messageWork{
			ctx:         ctx,
			cancel:      cancel,
			firstSubmit: time.Now(),
			statuses:    make(map[int]TaskStatus),
		}
		q.messages[unit.MessageID] = w
	}
	w.statuses[unit.SequenceIndex] = TaskPending
	q.mu.Unlock()

	go q.dispatch(w, unit)
}

// ClearMessage cancels in-flight work for one message and guarantees no
// further emission for it. Unknown messages are a no-op.
func (q *GenerationQueue) ClearMessage(messageID string) {
	q.mu.Lock()
	w := q.messages[messageID]
	delete(q.messages, messageID)
	q.mu.Unlock()
	if w != nil {
		w.cancel()
	}
}

// Clear cancels in-flight work for every message.
func (q *GenerationQueue) Clear() {
	q.mu.Lock()
	pending := q.messages
	q.messages = nil
	q.mu.Unlock()
	for _, w := range pending {
		w.cancel()
	}
}

// Close tears the queue down; outstanding synthesis calls are cancelled.
func (q *GenerationQueue) Close() {
	q.Clear()
	q.cancel()
}

// TaskStatuses reports the terminal/in-flight status per sequence index for
// one message. Cleared messages report nothing.
func (q *GenerationQueue) TaskStatuses(messageID string) map[int]TaskStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.messages[messageID]
	if !ok {
		return nil
	}
	out := make(map[int]TaskStatus, len(w.statuses))
	for k, v := range w.statuses {
		out[k] = v
	}
	return out
}

func (q *GenerationQueue) dispatch(w *messageWork, unit SentenceUnit) {
	q.mu.Lock()
	if q.messages[unit.MessageID] != w {
		q.mu.Unlock()
		return
	}
	w.statuses[unit.SequenceIndex] = TaskInFlight
	q.mu.Unlock()

	start := time.Now()
	audio, err := q.generateWithRetry(w.ctx, unit.Text)
	if w.ctx.Err() != nil {
		// Cancellation is a transition, not a failure; emit nothing.
		return
	}
	if q.metrics != nil {
		q.metrics.ObserveGenerationLatency(time.Since(start))
	}

	// The emission decision is taken under the lock; the sends are not, so a
	// consumer that stopped draining can never wedge ClearMessage or Close
	// behind a full buffer. Cancellation unblocks a parked send.
	q.mu.Lock()
	if q.messages[unit.MessageID] != w {
		// Message was cleared while we were synthesizing.
		q.mu.Unlock()
		return
	}

	if err != nil {
		w.statuses[unit.SequenceIndex] = TaskFailed
		if q.metrics != nil {
			q.metrics.ClipsGenerated.WithLabelValues("failed").Inc()
		}
		q.log.Warn().
			Str("message_id", unit.MessageID).
			Int("sequence_index", unit.SequenceIndex).
			Err(err).
			Msg("sentence synthesis failed")
		q.mu.Unlock()
		select {
		case q.failures <- GenerationFailure{
			MessageID:     unit.MessageID,
			SequenceIndex: unit.SequenceIndex,
			Err:           err,
		}:
		case <-w.ctx.Done():
		}
		return
	}

	w.statuses[unit.SequenceIndex] = TaskCompleted
	if q.metrics != nil {
		q.metrics.ClipsGenerated.WithLabelValues("completed").Inc()
	}
	emitFirst := !w.firstEmitted
	if emitFirst {
		w.firstEmitted = true
		if q.metrics != nil {
			q.metrics.ObserveFirstClipLatency(time.Since(w.firstSubmit))
		}
	}
	q.mu.Unlock()

	clip := AudioClip{
		MessageID:     unit.MessageID,
		SequenceIndex: unit.SequenceIndex,
		Audio:         audio.Data,
		Format:        audio.Format,
		IsFirst:       unit.IsFirst,
	}
	select {
	case q.clips <- clip:
	case <-w.ctx.Done():
		return
	}
	if emitFirst {
		select {
		case q.firstClips <- clip:
		case <-w.ctx.Done():
		}
	}
}

func (q *GenerationQueue) generateWithRetry(ctx context.Context, text string) (GeneratedAudio, error) {
	audio, err := q.gen.Generate(ctx, text, q.opts)
	if err == nil || !reliability.IsRetryableGenerationError(err) {
		return audio, err
	}

	wait := reliability.ExponentialBackoff(1, q.backoff, retryBackoffCap)
	select {
	case <-ctx.Done():
		return GeneratedAudio{}, ctx.Err()
	case <-time.After(wait):
	}
	return q.gen.Generate(ctx, text, q.opts)
}
