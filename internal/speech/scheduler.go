package speech

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxaproject/voxa/internal/observability"
)

const (
	defaultSkipTimeout = 6 * time.Second

	stateChanBuffer    = 64
	completeChanBuffer = 32
)

// PlaybackSchedulerConfig tunes one scheduler instance.
type PlaybackSchedulerConfig struct {
	// SkipTimeout bounds how long the scheduler waits on a failed sequence
	// index before treating it as silently completed and advancing.
	SkipTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

// PlaybackScheduler owns, per message, an ordered clip buffer and a play
// cursor. Clips may arrive in any order; rendering to the audio output is
// strictly sequence order. The output device is a shared resource: exactly
// one session renders to it at a time, and starting one message gently stops
// the previous one.
type PlaybackScheduler struct {
	out         AudioOutput
	skipTimeout time.Duration
	log         zerolog.Logger
	metrics     *observability.Metrics

	stateCh    chan StateChange
	completeCh chan string
	done       chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	sessions map[string]*playbackSession
	handles  map[Handle]handleRef
	active   string
}

type handleRef struct {
	messageID string
	index     int
}

type bufferedClip struct {
	clip     AudioClip
	autoPlay bool
}

type playbackSession struct {
	messageID string
	state     SessionState
	next      int
	buffer    map[int]bufferedClip
	failed    map[int]bool
	skipped   map[int]bool
	expected  int

	rendering     bool
	handleValid   bool
	currentHandle Handle
	currentIndex  int

	skipTimer *time.Timer
	skipIndex int
}

func NewPlaybackScheduler(out AudioOutput, cfg PlaybackSchedulerConfig) *PlaybackScheduler {
	if cfg.SkipTimeout <= 0 {
		cfg.SkipTimeout = defaultSkipTimeout
	}
	s := &PlaybackScheduler{
		out:         out,
		skipTimeout: cfg.SkipTimeout,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		stateCh:     make(chan StateChange, stateChanBuffer),
		completeCh:  make(chan string, completeChanBuffer),
		done:        make(chan struct{}),
		sessions:    make(map[string]*playbackSession),
		handles:     make(map[Handle]handleRef),
	}
	go s.consumeOutputEvents()
	return s
}

// StateChanges notifies observers of per-message session state transitions.
// Delivery is best effort; a slow consumer loses hints, not audio.
func (s *PlaybackScheduler) StateChanges() <-chan StateChange { return s.stateCh }

// Completions delivers the message ID once per session transition into
// Completed.
func (s *PlaybackScheduler) Completions() <-chan string { return s.completeCh }

// QueueClip stores a clip in its session's buffer, creating the session in
// AwaitingFirst if absent. With autoPlay set and the clip being the one due
// next, playback starts immediately; otherwise the clip waits its turn.
func (s *PlaybackScheduler) QueueClip(clip AudioClip, autoPlay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureSessionLocked(clip.MessageID)
	sess.buffer[clip.SequenceIndex] = bufferedClip{clip: clip, autoPlay: autoPlay}

	// A clip that was reported failed or already skipped but arrived anyway
	// wins; the next pass over its index plays it.
	delete(sess.failed, clip.SequenceIndex)
	delete(sess.skipped, clip.SequenceIndex)
	s.cancelSkipTimerLocked(sess, clip.SequenceIndex)

	if clip.SequenceIndex != sess.next {
		return
	}
	switch sess.state {
	case StateAwaitingFirst:
		if autoPlay {
			s.startLocked(sess)
		}
	case StatePlaying:
		// Playback already began; advance-on-arrival needs no autoplay flag.
		if !sess.rendering && !sess.handleValid {
			s.renderNextLocked(sess)
		}
	}
}

// StartPlaybackForMessage moves a session into Playing. If the due clip is
// already buffered it renders now; otherwise the session stays in a waiting
// sub-state until it arrives. A Completed session restarts from index zero
// over its retained buffer.
func (s *PlaybackScheduler) StartPlaybackForMessage(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureSessionLocked(messageID)
	switch sess.state {
	case StatePlaying:
		return
	case StateCompleted:
		sess.next = 0
		sess.handleValid = false
	}
	s.startLocked(sess)
}

// StopPlaybackForMessage is the gentle stop: it halts audio output but
// retains the buffer so the session can be resumed or replayed without
// regenerating anything.
func (s *PlaybackScheduler) StopPlaybackForMessage(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[messageID]
	if sess == nil {
		return
	}
	s.gentleStopLocked(sess)
}

// ClearMessage is the hard clear: output stops and the session state and
// buffer are discarded entirely.
func (s *PlaybackScheduler) ClearMessage(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSessionLocked(messageID)
}

// ClearAll hard-clears every session.
func (s *PlaybackScheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		s.clearSessionLocked(id)
	}
}

// SetExpectedCount declares the total clip count for a message once
// segmentation finalizes, enabling natural completion detection.
func (s *PlaybackScheduler) SetExpectedCount(messageID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureSessionLocked(messageID)
	sess.expected = n
	if sess.state == StatePlaying && !sess.rendering && !sess.handleValid {
		s.renderNextLocked(sess)
	}
}

// MarkFailed records that no clip will arrive for a sequence index unless a
// late one shows up. If that index is currently awaited, the bounded skip
// timer starts.
func (s *PlaybackScheduler) MarkFailed(messageID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureSessionLocked(messageID)
	if index < sess.next {
		return
	}
	if _, buffered := sess.buffer[index]; buffered {
		return
	}
	sess.failed[index] = true
	if index == sess.next && !sess.rendering && !sess.handleValid &&
		(sess.state == StatePlaying || sess.state == StateAwaitingFirst) {
		s.armSkipTimerLocked(sess, index)
	}
}

// HasAudioForMessage reports whether any clip is retained for the message.
func (s *PlaybackScheduler) HasAudioForMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[messageID]
	return sess != nil && len(sess.buffer) > 0
}

// IsPlayingMessage reports whether the message's session is in Playing.
func (s *PlaybackScheduler) IsPlayingMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[messageID]
	return sess != nil && sess.state == StatePlaying
}

// SessionState reports the session's current state, if one exists.
func (s *PlaybackScheduler) SessionState(messageID string) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[messageID]
	if sess == nil {
		return StateIdle, false
	}
	return sess.state, true
}

// Close stops event consumption and discards all sessions.
func (s *PlaybackScheduler) Close() {
	s.ClearAll()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *PlaybackScheduler) ensureSessionLocked(messageID string) *playbackSession {
	sess := s.sessions[messageID]
	if sess == nil {
		sess = &playbackSession{
			messageID: messageID,
			state:     StateAwaitingFirst,
			buffer:    make(map[int]bufferedClip),
			failed:    make(map[int]bool),
			skipped:   make(map[int]bool),
			expected:  -1,
		}
		s.sessions[messageID] = sess
		if s.metrics != nil {
			s.metrics.ActiveSessions.Inc()
		}
		s.notifyStateLocked(sess)
	}
	return sess
}

// startLocked claims the shared output device for sess and begins rendering.
func (s *PlaybackScheduler) startLocked(sess *playbackSession) {
	if s.active != "" && s.active != sess.messageID {
		if prev := s.sessions[s.active]; prev != nil {
			s.gentleStopLocked(prev)
		}
	}
	s.active = sess.messageID

	if sess.state != StatePlaying {
		sess.state = StatePlaying
		s.notifyStateLocked(sess)
	}

	if sess.handleValid && !sess.rendering {
		// Resume the clip that was paused mid-render.
		if err := s.out.Play(sess.currentHandle); err != nil {
			s.log.Warn().Str("message_id", sess.messageID).Err(err).Msg("resume failed, skipping clip")
			s.skipCurrentLocked(sess)
			return
		}
		sess.rendering = true
		return
	}
	s.renderNextLocked(sess)
}

// renderNextLocked renders the clip at the play cursor, or parks the session
// in its waiting sub-state when that clip has not arrived yet.
func (s *PlaybackScheduler) renderNextLocked(sess *playbackSession) {
	if sess.expected >= 0 && sess.next >= sess.expected {
		s.completeLocked(sess)
		return
	}

	entry, ok := sess.buffer[sess.next]
	if !ok {
		// An index skipped on an earlier pass with no late arrival since
		// stays skipped; replay moves straight over it.
		if sess.skipped[sess.next] {
			sess.next++
			s.renderNextLocked(sess)
			return
		}
		// Generation is running behind the speaking pace; keep the Playing
		// intent and wait for the clip, bounded only when it is known failed.
		sess.rendering = false
		sess.handleValid = false
		if sess.failed[sess.next] {
			s.armSkipTimerLocked(sess, sess.next)
		}
		return
	}

	h, err := s.out.Load(entry.clip.Audio, entry.clip.Format)
	if err == nil {
		err = s.out.Play(h)
	}
	if err != nil {
		// Playback errors mirror generation failures: drop the sentence and
		// keep moving.
		s.log.Warn().
			Str("message_id", sess.messageID).
			Int("sequence_index", sess.next).
			Err(err).
			Msg("device rejected clip, skipping")
		s.skipIndexLocked(sess, sess.next)
		s.renderNextLocked(sess)
		return
	}

	sess.currentHandle = h
	sess.currentIndex = sess.next
	sess.handleValid = true
	sess.rendering = true
	s.handles[h] = handleRef{messageID: sess.messageID, index: sess.next}
}

func (s *PlaybackScheduler) gentleStopLocked(sess *playbackSession) {
	s.cancelSkipTimerLocked(sess, -1)
	if sess.rendering && sess.handleValid {
		if err := s.out.Pause(sess.currentHandle); err != nil {
			s.log.Warn().Str("message_id", sess.messageID).Err(err).Msg("pause failed")
		}
		sess.rendering = false
	}
	if s.active == sess.messageID {
		s.active = ""
	}
	if sess.state == StatePlaying || sess.state == StateAwaitingFirst {
		sess.state = StateStopped
		s.notifyStateLocked(sess)
	}
}

func (s *PlaybackScheduler) clearSessionLocked(messageID string) {
	sess := s.sessions[messageID]
	if sess == nil {
		return
	}
	s.cancelSkipTimerLocked(sess, -1)
	if sess.rendering && sess.handleValid {
		_ = s.out.Pause(sess.currentHandle)
	}
	for h, ref := range s.handles {
		if ref.messageID == messageID {
			delete(s.handles, h)
		}
	}
	if s.active == messageID {
		s.active = ""
	}
	delete(s.sessions, messageID)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
	s.notifyState(StateChange{MessageID: messageID, State: StateIdle})
}

func (s *PlaybackScheduler) completeLocked(sess *playbackSession) {
	if sess.state == StateCompleted {
		return
	}
	sess.state = StateCompleted
	sess.rendering = false
	sess.handleValid = false
	if s.active == sess.messageID {
		s.active = ""
	}
	s.notifyStateLocked(sess)
	select {
	case s.completeCh <- sess.messageID:
	default:
		s.log.Warn().Str("message_id", sess.messageID).Msg("completion listener not draining")
	}
}

// skipCurrentLocked abandons the clip currently loaded in the device.
func (s *PlaybackScheduler) skipCurrentLocked(sess *playbackSession) {
	delete(s.handles, sess.currentHandle)
	sess.handleValid = false
	sess.rendering = false
	s.skipIndexLocked(sess, sess.next)
	s.renderNextLocked(sess)
}

func (s *PlaybackScheduler) skipIndexLocked(sess *playbackSession, index int) {
	delete(sess.failed, index)
	sess.skipped[index] = true
	sess.next = index + 1
	if s.metrics != nil {
		s.metrics.ClipsSkipped.Inc()
	}
}

func (s *PlaybackScheduler) armSkipTimerLocked(sess *playbackSession, index int) {
	if sess.skipTimer != nil {
		if sess.skipIndex == index {
			return
		}
		sess.skipTimer.Stop()
	}
	sess.skipIndex = index
	messageID := sess.messageID
	sess.skipTimer = time.AfterFunc(s.skipTimeout, func() {
		s.onSkipTimeout(messageID, index)
	})
}

// cancelSkipTimerLocked stops a pending skip. index -1 cancels regardless of
// which index the timer guards.
func (s *PlaybackScheduler) cancelSkipTimerLocked(sess *playbackSession, index int) {
	if sess.skipTimer == nil {
		return
	}
	if index >= 0 && sess.skipIndex != index {
		return
	}
	sess.skipTimer.Stop()
	sess.skipTimer = nil
}

func (s *PlaybackScheduler) onSkipTimeout(messageID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[messageID]
	if sess == nil || sess.next != index || sess.skipTimer == nil || sess.skipIndex != index {
		return
	}
	sess.skipTimer = nil
	if _, buffered := sess.buffer[index]; buffered {
		return
	}

	s.log.Info().
		Str("message_id", messageID).
		Int("sequence_index", index).
		Msg("skipping stalled sentence")
	s.skipIndexLocked(sess, index)

	switch sess.state {
	case StatePlaying:
		s.renderNextLocked(sess)
	case StateAwaitingFirst:
		// The skipped index was holding back a buffered autoplay clip.
		if entry, ok := sess.buffer[sess.next]; ok && entry.autoPlay {
			s.startLocked(sess)
		}
	}
}

func (s *PlaybackScheduler) consumeOutputEvents() {
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.out.Events():
			if !ok {
				return
			}
			s.handleOutputEvent(evt)
		}
	}
}

func (s *PlaybackScheduler) handleOutputEvent(evt OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.handles[evt.Handle]
	if !ok {
		return
	}
	delete(s.handles, evt.Handle)

	sess := s.sessions[ref.messageID]
	if sess == nil || !sess.handleValid || sess.currentHandle != evt.Handle {
		return
	}
	sess.handleValid = false
	sess.rendering = false

	if evt.Type == OutputEventError {
		s.log.Warn().
			Str("message_id", ref.messageID).
			Int("sequence_index", ref.index).
			Err(evt.Err).
			Msg("playback error, skipping clip")
		s.skipIndexLocked(sess, ref.index)
	} else {
		sess.next = ref.index + 1
	}

	if sess.state == StatePlaying {
		s.renderNextLocked(sess)
	}
}

func (s *PlaybackScheduler) notifyStateLocked(sess *playbackSession) {
	s.notifyState(StateChange{MessageID: sess.messageID, State: sess.state})
}

func (s *PlaybackScheduler) notifyState(change StateChange) {
	select {
	case s.stateCh <- change:
	default:
	}
}
