package speech

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testOrchestrator(t *testing.T, gen Generator) (*Orchestrator, *MockOutput) {
	t.Helper()
	out := NewMockOutput()
	queue := NewGenerationQueue(gen, GenerationQueueConfig{
		RetryBackoff: 5 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	sched := NewPlaybackScheduler(out, PlaybackSchedulerConfig{
		SkipTimeout: 50 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	o := NewOrchestrator(queue, sched, OrchestratorConfig{Logger: zerolog.Nop()})
	t.Cleanup(o.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)
	return o, out
}

func echoGenerator() Generator {
	return GeneratorFunc(func(ctx context.Context, text string, _ GenerateOptions) (GeneratedAudio, error) {
		return GeneratedAudio{Data: []byte(text), Format: "mock"}, nil
	})
}

func TestOrchestratorLiveStreamPlaysSentencesInOrder(t *testing.T) {
	o, out := testOrchestrator(t, echoGenerator())

	fragments := make(chan string)
	done := make(chan int, 1)
	go func() {
		n, _ := o.SpeakStream(context.Background(), "m1", fragments)
		done <- n
	}()

	for _, frag := range []string{"Hello there, friend. ", "How are ", "you today? ", "Good"} {
		fragments <- frag
	}
	close(fragments)

	n := <-done
	if n != 3 {
		t.Fatalf("sentence units = %d, want 3", n)
	}

	// Live mode autoplays every clip; finish each as it renders.
	for i := 0; i < 3; i++ {
		waitFor(t, "clip rendering", func() bool { return out.PlayingHandle() != 0 })
		out.EndCurrent()
	}

	waitFor(t, "all clips played", func() bool { return len(out.Played()) == 3 })
	got := playedTexts(out)
	if got[0] != "Hello there, friend." || !strings.Contains(got[1], "How are you today?") {
		t.Fatalf("played order = %v", got)
	}

	// Natural completion once the expected count is rendered.
	waitFor(t, "playback complete event", func() bool {
		for {
			select {
			case evt := <-o.Events():
				if evt.Type == EventPlaybackComplete && evt.MessageID == "m1" {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestOrchestratorEmitsFirstClipEvent(t *testing.T) {
	o, out := testOrchestrator(t, echoGenerator())
	_ = out

	fragments := make(chan string, 2)
	fragments <- "One complete sentence here. And then another one follows."
	close(fragments)
	if _, err := o.SpeakStream(context.Background(), "m1", fragments); err != nil {
		t.Fatalf("SpeakStream: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var sawFirst bool
	for !sawFirst {
		select {
		case evt := <-o.Events():
			if evt.Type == EventFirstClipReady {
				if evt.MessageID != "m1" || evt.Clip == nil {
					t.Fatalf("first clip event = %+v", evt)
				}
				sawFirst = true
			}
		case <-deadline:
			t.Fatalf("no first-clip event")
		}
	}
}

func TestOrchestratorCancelKeepsAudioReplayable(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	gen := GeneratorFunc(func(ctx context.Context, text string, _ GenerateOptions) (GeneratedAudio, error) {
		calls.Add(1)
		if strings.Contains(text, "first") {
			return GeneratedAudio{Data: []byte(text), Format: "mock"}, nil
		}
		select {
		case <-ctx.Done():
			return GeneratedAudio{}, ctx.Err()
		case <-release:
			return GeneratedAudio{Data: []byte(text), Format: "mock"}, nil
		}
	})
	o, out := testOrchestrator(t, gen)
	defer close(release)

	fragments := make(chan string, 1)
	fragments <- "This first sentence synthesizes fast. This second one hangs forever."
	close(fragments)
	if _, err := o.SpeakStream(context.Background(), "m1", fragments); err != nil {
		t.Fatalf("SpeakStream: %v", err)
	}

	waitFor(t, "first clip rendering", func() bool { return out.PlayingHandle() != 0 })

	// User stops generation: in-flight synthesis aborted, playback gently
	// stopped, audio retained.
	o.CancelMessage("m1")
	waitFor(t, "playback stopped", func() bool { return !o.IsPlayingMessage("m1") })
	if !o.HasAudioForMessage("m1") {
		t.Fatalf("cancel discarded generated audio")
	}

	// Replay resumes from the retained buffer without regenerating.
	before := calls.Load()
	if err := o.ReplayMessage("m1", ""); err != nil {
		t.Fatalf("ReplayMessage: %v", err)
	}
	waitFor(t, "replay rendering", func() bool { return o.IsPlayingMessage("m1") })
	if calls.Load() != before {
		t.Fatalf("replay re-invoked the generator")
	}
}

func TestOrchestratorReplayRegeneratesClearedMessage(t *testing.T) {
	o, out := testOrchestrator(t, echoGenerator())

	if err := o.ReplayMessage("gone", ""); err != ErrNoAudio {
		t.Fatalf("replay without audio or text = %v, want ErrNoAudio", err)
	}

	text := "The first sentence comes back. The second sentence does too."
	if err := o.ReplayMessage("m2", text); err != nil {
		t.Fatalf("ReplayMessage: %v", err)
	}

	// On-demand mode: index 0 autoplays, the rest follow by in-order advance.
	waitFor(t, "clip 0 rendering", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()
	waitFor(t, "clip 1 rendering", func() bool { return len(out.Played()) == 2 })
	if got := playedTexts(out); got[0] != "The first sentence comes back." {
		t.Fatalf("played order = %v", got)
	}
}

func TestOrchestratorTeardownDiscardsEverything(t *testing.T) {
	o, out := testOrchestrator(t, echoGenerator())

	fragments := make(chan string, 1)
	fragments <- "Something to say out loud here. And a little more after that."
	close(fragments)
	if _, err := o.SpeakStream(context.Background(), "m1", fragments); err != nil {
		t.Fatalf("SpeakStream: %v", err)
	}
	waitFor(t, "rendering", func() bool { return out.PlayingHandle() != 0 })

	o.Teardown()
	if o.HasAudioForMessage("m1") {
		t.Fatalf("teardown retained audio")
	}
	if o.IsPlayingMessage("m1") {
		t.Fatalf("teardown left playback running")
	}
}

func TestOrchestratorFailedSentenceIsSkippedNotFatal(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, text string, _ GenerateOptions) (GeneratedAudio, error) {
		if strings.Contains(text, "poison") {
			return GeneratedAudio{}, context.DeadlineExceeded
		}
		return GeneratedAudio{Data: []byte(text), Format: "mock"}, nil
	})
	o, out := testOrchestrator(t, gen)

	fragments := make(chan string, 1)
	fragments <- "The opening line reads fine. This poison sentence fails loudly. The closing line still plays."
	close(fragments)
	if _, err := o.SpeakStream(context.Background(), "m1", fragments); err != nil {
		t.Fatalf("SpeakStream: %v", err)
	}

	waitFor(t, "clip 0 rendering", func() bool { return out.PlayingHandle() != 0 })
	out.EndCurrent()

	// Index 1 failed; the skip bound elapses and index 2 renders.
	waitFor(t, "clip 2 after skip", func() bool {
		texts := playedTexts(out)
		return len(texts) == 2 && strings.Contains(texts[1], "closing line")
	})
}
