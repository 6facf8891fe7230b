package speech

import (
	"context"
	"errors"
	"sync"
	"time"
)

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, text string, opts GenerateOptions) (GeneratedAudio, error)

func (f GeneratorFunc) Generate(ctx context.Context, text string, opts GenerateOptions) (GeneratedAudio, error) {
	return f(ctx, text, opts)
}

// MockGenerator is a local fallback generator used when no provider is
// configured. It returns the sentence text itself as the clip payload after
// an optional simulated latency.
type MockGenerator struct {
	Latency time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, text string, _ GenerateOptions) (GeneratedAudio, error) {
	if g.Latency > 0 {
		select {
		case <-ctx.Done():
			return GeneratedAudio{}, ctx.Err()
		case <-time.After(g.Latency):
		}
	}
	if ctx.Err() != nil {
		return GeneratedAudio{}, ctx.Err()
	}
	return GeneratedAudio{Data: []byte(text), Format: "mock_text_bytes"}, nil
}

var errUnknownHandle = errors.New("unknown audio handle")

// MockOutput is an in-memory audio device. By default a playing handle stays
// playing until EndCurrent or EndHandle is called, which keeps rendering
// order fully deterministic; AutoComplete switches to timer-driven clip ends
// for running without a real device.
type MockOutput struct {
	mu        sync.Mutex
	events    chan OutputEvent
	next      Handle
	autoDelay time.Duration

	clips   map[Handle]*mockClip
	playing Handle
	played  [][]byte
}

type mockClip struct {
	data   []byte
	ended  bool
	paused bool
	starts int
}

func NewMockOutput() *MockOutput {
	return &MockOutput{
		events: make(chan OutputEvent, 64),
		clips:  make(map[Handle]*mockClip),
	}
}

// AutoComplete makes every played clip end on its own after d.
func (m *MockOutput) AutoComplete(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoDelay = d
}

func (m *MockOutput) Load(data []byte, _ string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := m.next
	buf := make([]byte, len(data))
	copy(buf, data)
	m.clips[h] = &mockClip{data: buf}
	return h, nil
}

func (m *MockOutput) Play(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[h]
	if !ok {
		return errUnknownHandle
	}
	if c.ended {
		return errors.New("clip already ended")
	}
	if c.starts == 0 {
		m.played = append(m.played, c.data)
	}
	c.starts++
	c.paused = false
	m.playing = h
	if m.autoDelay > 0 {
		go m.endAfter(h, m.autoDelay)
	}
	return nil
}

func (m *MockOutput) Pause(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[h]
	if !ok {
		return errUnknownHandle
	}
	c.paused = true
	if m.playing == h {
		m.playing = 0
	}
	return nil
}

func (m *MockOutput) Events() <-chan OutputEvent { return m.events }

// EndCurrent finishes the handle that is actively playing, if any.
func (m *MockOutput) EndCurrent() bool {
	m.mu.Lock()
	h := m.playing
	m.mu.Unlock()
	if h == 0 {
		return false
	}
	return m.EndHandle(h)
}

// EndHandle finishes one handle and emits its ended event.
func (m *MockOutput) EndHandle(h Handle) bool {
	m.mu.Lock()
	c, ok := m.clips[h]
	if !ok || c.ended || c.paused {
		m.mu.Unlock()
		return false
	}
	c.ended = true
	if m.playing == h {
		m.playing = 0
	}
	m.mu.Unlock()
	m.events <- OutputEvent{Handle: h, Type: OutputEventEnded}
	return true
}

// FailHandle emits an error event for one handle.
func (m *MockOutput) FailHandle(h Handle, err error) {
	m.mu.Lock()
	if c, ok := m.clips[h]; ok {
		c.ended = true
	}
	if m.playing == h {
		m.playing = 0
	}
	m.mu.Unlock()
	m.events <- OutputEvent{Handle: h, Type: OutputEventError, Err: err}
}

// Played returns clip payloads in the order playback first started them.
func (m *MockOutput) Played() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.played))
	copy(out, m.played)
	return out
}

// PlayingHandle reports the handle currently rendering, zero if none.
func (m *MockOutput) PlayingHandle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *MockOutput) endAfter(h Handle, d time.Duration) {
	time.Sleep(d)
	m.EndHandle(h)
}
