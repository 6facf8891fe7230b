package app

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxaproject/voxa/internal/audio"
	"github.com/voxaproject/voxa/internal/speech"
)

const defaultClipDuration = 250 * time.Millisecond

// PacedOutput implements speech.AudioOutput without a local audio device.
// Clip bytes reach the browser through clip_ready events; this output keeps
// the scheduler's ordering clock by reporting a clip as ended after its
// decoded wall-clock duration. Pausing freezes the remaining duration so a
// resume picks up mid-clip, matching real device semantics.
type PacedOutput struct {
	mu         sync.Mutex
	clips      map[speech.Handle]*pacedClip
	nextHandle int64
	events     chan speech.OutputEvent
	closed     bool
}

type pacedClip struct {
	remaining time.Duration
	startedAt time.Time
	timer     *time.Timer
	playing   bool
}

func NewPacedOutput() *PacedOutput {
	return &PacedOutput{
		clips:  make(map[speech.Handle]*pacedClip),
		events: make(chan speech.OutputEvent, 32),
	}
}

func (p *PacedOutput) Load(data []byte, format string) (speech.Handle, error) {
	d := clipDuration(data, format)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("output closed")
	}
	p.nextHandle++
	h := speech.Handle(p.nextHandle)
	p.clips[h] = &pacedClip{remaining: d}
	return h, nil
}

func (p *PacedOutput) Play(h speech.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clips[h]
	if !ok {
		return errors.New("unknown audio handle")
	}
	if c.playing {
		return nil
	}
	if c.remaining <= 0 {
		c.remaining = defaultClipDuration
	}
	c.playing = true
	c.startedAt = time.Now()
	c.timer = time.AfterFunc(c.remaining, func() { p.finish(h) })
	return nil
}

func (p *PacedOutput) Pause(h speech.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clips[h]
	if !ok {
		return errors.New("unknown audio handle")
	}
	if !c.playing {
		return nil
	}
	c.timer.Stop()
	c.timer = nil
	c.playing = false
	c.remaining -= time.Since(c.startedAt)
	if c.remaining < 0 {
		c.remaining = 0
	}
	return nil
}

func (p *PacedOutput) Events() <-chan speech.OutputEvent {
	return p.events
}

func (p *PacedOutput) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clips {
		if c.timer != nil {
			c.timer.Stop()
		}
	}
	p.clips = make(map[speech.Handle]*pacedClip)
	p.closed = true
	return nil
}

func (p *PacedOutput) finish(h speech.Handle) {
	p.mu.Lock()
	c, ok := p.clips[h]
	if !ok || !c.playing {
		p.mu.Unlock()
		return
	}
	c.playing = false
	c.timer = nil
	c.remaining = 0
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	select {
	case p.events <- speech.OutputEvent{Handle: h, Type: speech.OutputEventEnded}:
	default:
	}
}

// clipDuration estimates playback time from the encoded bytes. Falls back
// to a small constant when the payload cannot be decoded, which keeps the
// scheduler advancing instead of stalling on an odd clip.
func clipDuration(data []byte, format string) time.Duration {
	switch {
	case strings.HasPrefix(format, "mp3"):
		pcm, rate, err := audio.DecodeMP3(data)
		if err != nil || rate <= 0 {
			return defaultClipDuration
		}
		// go-mp3 output is stereo PCM16LE: 4 bytes per frame.
		frames := len(pcm) / 4
		return time.Duration(frames) * time.Second / time.Duration(rate)
	case strings.HasPrefix(format, "pcm_"):
		rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
		if err != nil || rate <= 0 {
			return defaultClipDuration
		}
		frames := len(data) / 2
		return time.Duration(frames) * time.Second / time.Duration(rate)
	default:
		return defaultClipDuration
	}
}
