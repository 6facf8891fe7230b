package speech

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testScheduler(t *testing.T, skipTimeout time.Duration) (*PlaybackScheduler, *MockOutput) {
	t.Helper()
	out := NewMockOutput()
	s := NewPlaybackScheduler(out, PlaybackSchedulerConfig{
		SkipTimeout: skipTimeout,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(s.Close)
	return s, out
}

func clipFor(messageID string, index int) AudioClip {
	return AudioClip{
		MessageID:     messageID,
		SequenceIndex: index,
		Audio:         []byte(fmt.Sprintf("clip %d", index)),
		Format:        "mock",
		IsFirst:       index == 0,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func playedTexts(out *MockOutput) []string {
	var texts []string
	for _, b := range out.Played() {
		texts = append(texts, string(b))
	}
	return texts
}

func TestSchedulerRendersOutOfOrderArrivalsInSequence(t *testing.T) {
	s, out := testScheduler(t, 0)

	// Clips complete generation in the order 2, 0, 1.
	s.QueueClip(clipFor("m1", 2), true)
	if h := out.PlayingHandle(); h != 0 {
		t.Fatalf("clip 2 started playing ahead of its turn")
	}
	s.QueueClip(clipFor("m1", 0), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	s.QueueClip(clipFor("m1", 1), true)

	for i := 0; i < 3; i++ {
		waitFor(t, "next clip playing", func() bool { return out.PlayingHandle() != 0 })
		out.EndCurrent()
	}

	want := []string{"clip 0", "clip 1", "clip 2"}
	waitFor(t, "all clips played", func() bool { return len(out.Played()) == 3 })
	got := playedTexts(out)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("played order = %v, want %v", got, want)
		}
	}
}

func TestSchedulerWaitsWhenGenerationFallsBehind(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()

	// Nothing buffered for index 1: Playing in intent, no audio in flight.
	waitFor(t, "session parked waiting", func() bool {
		state, ok := s.SessionState("m1")
		return ok && state == StatePlaying && out.PlayingHandle() == 0
	})

	s.QueueClip(clipFor("m1", 1), false)
	waitFor(t, "clip 1 playing on arrival", func() bool { return out.PlayingHandle() != 0 })
	if got := playedTexts(out); got[len(got)-1] != "clip 1" {
		t.Fatalf("played = %v, want clip 1 last", got)
	}
}

func TestSchedulerAutoplayFalseWaitsForExplicitStart(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), false)
	time.Sleep(20 * time.Millisecond)
	if out.PlayingHandle() != 0 {
		t.Fatalf("clip rendered without autoplay or explicit start")
	}
	if state, _ := s.SessionState("m1"); state != StateAwaitingFirst {
		t.Fatalf("state = %q, want %q", state, StateAwaitingFirst)
	}

	s.StartPlaybackForMessage("m1")
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
}

func TestSchedulerGentleStopRetainsBufferAndResumes(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), true)
	s.QueueClip(clipFor("m1", 1), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })

	s.StopPlaybackForMessage("m1")
	if state, _ := s.SessionState("m1"); state != StateStopped {
		t.Fatalf("state after gentle stop = %q, want %q", state, StateStopped)
	}
	if !s.HasAudioForMessage("m1") {
		t.Fatalf("gentle stop discarded buffered audio")
	}
	if out.PlayingHandle() != 0 {
		t.Fatalf("device still playing after gentle stop")
	}

	// New clips while stopped must not auto-resume.
	s.QueueClip(clipFor("m1", 2), true)
	time.Sleep(20 * time.Millisecond)
	if out.PlayingHandle() != 0 {
		t.Fatalf("stopped session resumed without an explicit start")
	}

	s.StartPlaybackForMessage("m1")
	waitFor(t, "resumed mid-clip", func() bool { return out.PlayingHandle() != 0 })

	// The same handle resumes; finishing it advances to clip 1 then 2.
	out.EndCurrent()
	waitFor(t, "clip 1 playing", func() bool {
		texts := playedTexts(out)
		return len(texts) == 2 && texts[1] == "clip 1" && out.PlayingHandle() != 0
	})
	out.EndCurrent()
	waitFor(t, "clip 2 playing", func() bool { return len(out.Played()) == 3 })
}

func TestSchedulerHardClearDiscardsState(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })

	s.ClearMessage("m1")
	if s.HasAudioForMessage("m1") {
		t.Fatalf("HasAudioForMessage = true after hard clear")
	}
	if _, ok := s.SessionState("m1"); ok {
		t.Fatalf("session survived hard clear")
	}

	// A later queue for the message starts a fresh session at index 0.
	s.QueueClip(clipFor("m1", 0), true)
	waitFor(t, "fresh session playing", func() bool { return out.PlayingHandle() != 0 })
	if state, _ := s.SessionState("m1"); state != StatePlaying {
		t.Fatalf("fresh session state = %q, want %q", state, StatePlaying)
	}
}

func TestSchedulerSkipsPermanentlyFailedIndex(t *testing.T) {
	s, out := testScheduler(t, 40*time.Millisecond)

	s.QueueClip(clipFor("m1", 0), true)
	s.QueueClip(clipFor("m1", 2), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	s.MarkFailed("m1", 1)
	out.EndCurrent()

	// Index 1 never arrives; after the bound the scheduler must advance.
	waitFor(t, "clip 2 playing after skip", func() bool {
		texts := playedTexts(out)
		return len(texts) == 2 && texts[1] == "clip 2"
	})
}

func TestSchedulerFailedClipArrivingBeforeTimeoutStillPlays(t *testing.T) {
	s, out := testScheduler(t, 500*time.Millisecond)

	s.QueueClip(clipFor("m1", 0), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	s.MarkFailed("m1", 1)
	out.EndCurrent()

	// The "failed" clip shows up late but inside the bound.
	time.Sleep(30 * time.Millisecond)
	s.QueueClip(clipFor("m1", 1), false)

	waitFor(t, "late clip 1 playing", func() bool {
		texts := playedTexts(out)
		return len(texts) == 2 && texts[1] == "clip 1"
	})
}

func TestSchedulerSkipsFailedFirstIndex(t *testing.T) {
	s, out := testScheduler(t, 40*time.Millisecond)

	// Live mode: clip 1 arrives with autoplay while index 0 is already
	// known failed; the session must not stall in AwaitingFirst.
	s.MarkFailed("m1", 0)
	s.QueueClip(clipFor("m1", 1), true)

	waitFor(t, "clip 1 playing after skipping index 0", func() bool {
		texts := playedTexts(out)
		return len(texts) == 1 && texts[0] == "clip 1"
	})
}

func TestSchedulerCompletesWhenExpectedCountReached(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), true)
	s.QueueClip(clipFor("m1", 1), true)
	s.SetExpectedCount("m1", 2)

	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()
	waitFor(t, "clip 1 playing", func() bool { return len(out.Played()) == 2 && out.PlayingHandle() != 0 })
	out.EndCurrent()

	select {
	case id := <-s.Completions():
		if id != "m1" {
			t.Fatalf("completion for %q, want m1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion")
	}
	if state, _ := s.SessionState("m1"); state != StateCompleted {
		t.Fatalf("state = %q, want %q", state, StateCompleted)
	}
	// Audio stays retained for replay until a hard clear.
	if !s.HasAudioForMessage("m1") {
		t.Fatalf("completion discarded the buffer")
	}
}

func TestSchedulerDeviceErrorSkipsClipAndAdvances(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), true)
	s.QueueClip(clipFor("m1", 1), true)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })

	out.FailHandle(out.PlayingHandle(), errors.New("decode failure"))

	waitFor(t, "clip 1 playing after device error", func() bool {
		texts := playedTexts(out)
		return len(texts) == 2 && texts[1] == "clip 1"
	})
}

func TestSchedulerSwitchingMessagesStopsPreviousSession(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("a", 0), true)
	waitFor(t, "message a playing", func() bool { return out.PlayingHandle() != 0 })

	s.QueueClip(clipFor("b", 0), false)
	s.StartPlaybackForMessage("b")

	waitFor(t, "message b owns the device", func() bool {
		stateA, _ := s.SessionState("a")
		stateB, _ := s.SessionState("b")
		return stateA == StateStopped && stateB == StatePlaying
	})
	if !s.HasAudioForMessage("a") {
		t.Fatalf("switching messages must gently stop, not clear, the old session")
	}
}

func TestSchedulerReplayAfterCompletionRestartsFromZero(t *testing.T) {
	s, out := testScheduler(t, 0)

	s.QueueClip(clipFor("m1", 0), true)
	s.SetExpectedCount("m1", 1)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()
	waitFor(t, "session completed", func() bool {
		state, _ := s.SessionState("m1")
		return state == StateCompleted
	})

	s.StartPlaybackForMessage("m1")
	waitFor(t, "replay playing clip 0 again", func() bool { return len(out.Played()) == 2 })
	if got := playedTexts(out); got[1] != "clip 0" {
		t.Fatalf("replayed clip = %q, want clip 0", got[1])
	}
}

func TestSchedulerReplayAfterSkipCompletesAgain(t *testing.T) {
	s, out := testScheduler(t, 30*time.Millisecond)

	s.QueueClip(clipFor("m1", 0), true)
	s.SetExpectedCount("m1", 2)
	s.MarkFailed("m1", 1)
	waitFor(t, "clip 0 playing", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()

	// Index 1 never arrives; the first pass completes through the skip bound.
	select {
	case <-s.Completions():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first completion")
	}

	s.StartPlaybackForMessage("m1")
	waitFor(t, "replay playing clip 0", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()

	// The replay pass must advance straight over the skipped index and
	// complete again rather than park in Playing forever.
	select {
	case id := <-s.Completions():
		if id != "m1" {
			t.Fatalf("completion for %q, want m1", id)
		}
	case <-time.After(2 * time.Second):
		state, _ := s.SessionState("m1")
		t.Fatalf("replay stalled in %q at the skipped index", state)
	}
}
