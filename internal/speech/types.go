package speech

// SentenceUnit is one segmented, ready-to-synthesize chunk of assistant text
// with a stable position inside its message. Immutable after creation.
type SentenceUnit struct {
	Text          string
	MessageID     string
	SequenceIndex int
	IsFirst       bool
}

// AudioClip is synthesized audio for exactly one sentence unit.
type AudioClip struct {
	MessageID     string
	SequenceIndex int
	Audio         []byte
	Format        string
	IsFirst       bool
}

// GenerationFailure reports a per-sentence synthesis failure. It is local to
// one sequence index and never fatal to the rest of the message.
type GenerationFailure struct {
	MessageID     string
	SequenceIndex int
	Err           error
}

// TaskStatus tracks a generation task from submission to terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskInFlight  TaskStatus = "in_flight"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// SessionState is the tagged lifecycle state of one playback session.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateAwaitingFirst SessionState = "awaiting_first"
	StatePlaying       SessionState = "playing"
	StateStopped       SessionState = "stopped"
	StateCompleted     SessionState = "completed"
)

// StateChange notifies observers that a session moved to a new state.
type StateChange struct {
	MessageID string
	State     SessionState
}
