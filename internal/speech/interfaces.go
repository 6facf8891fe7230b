package speech

import "context"

// GenerateOptions carries per-request voice parameters for a Generator.
type GenerateOptions struct {
	VoiceID      string
	ModelID      string
	OutputFormat string
	Speed        float64
}

// GeneratedAudio is the raw result of one synthesis call.
type GeneratedAudio struct {
	Data   []byte
	Format string
}

// Generator synthesizes one sentence of text into audio. Calls may run
// concurrently and take provider-dependent time; implementations must honor
// ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, text string, opts GenerateOptions) (GeneratedAudio, error)
}

// Handle identifies a clip loaded into an audio output device.
type Handle int64

type OutputEventType string

const (
	OutputEventEnded OutputEventType = "ended"
	OutputEventError OutputEventType = "error"
)

// OutputEvent reports that a loaded clip finished rendering or failed.
type OutputEvent struct {
	Handle Handle
	Type   OutputEventType
	Err    error
}

// AudioOutput abstracts the playback device. At most one handle is actively
// playing at a time per conversation; Play on a paused handle resumes it.
type AudioOutput interface {
	Load(data []byte, format string) (Handle, error)
	Play(h Handle) error
	Pause(h Handle) error
	Events() <-chan OutputEvent
}
