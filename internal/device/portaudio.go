// Package device renders generated speech clips on the host's default
// audio output via portaudio.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/voxaproject/voxa/internal/audio"
	"github.com/voxaproject/voxa/internal/speech"
)

const framesPerBuffer = 1024

var ErrUnknownHandle = errors.New("unknown audio handle")

type clip struct {
	samples    []int16
	sampleRate float64
	channels   int
	pos        int
	playing    bool
	stop       chan struct{}
}

// Output implements speech.AudioOutput on the default portaudio device.
// Pausing a clip keeps its position so a later Play resumes mid-clip.
type Output struct {
	mu         sync.Mutex
	clips      map[speech.Handle]*clip
	nextHandle int64
	events     chan speech.OutputEvent
	log        zerolog.Logger
	closed     bool
}

func NewOutput(log zerolog.Logger) (*Output, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &Output{
		clips:  make(map[speech.Handle]*clip),
		events: make(chan speech.OutputEvent, 32),
		log:    log.With().Str("component", "device").Logger(),
	}, nil
}

func (o *Output) Load(data []byte, format string) (speech.Handle, error) {
	samples, rate, channels, err := decode(data, format)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, errors.New("output closed")
	}
	o.nextHandle++
	h := speech.Handle(o.nextHandle)
	o.clips[h] = &clip{
		samples:    samples,
		sampleRate: float64(rate),
		channels:   channels,
	}
	return h, nil
}

func (o *Output) Play(h speech.Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clips[h]
	if !ok {
		return ErrUnknownHandle
	}
	if c.playing {
		return nil
	}
	c.playing = true
	c.stop = make(chan struct{})
	go o.render(h, c, c.stop)
	return nil
}

func (o *Output) Pause(h speech.Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clips[h]
	if !ok {
		return ErrUnknownHandle
	}
	if !c.playing {
		return nil
	}
	c.playing = false
	close(c.stop)
	c.stop = nil
	return nil
}

func (o *Output) Events() <-chan speech.OutputEvent {
	return o.events
}

func (o *Output) Close() error {
	o.mu.Lock()
	for _, c := range o.clips {
		if c.playing {
			c.playing = false
			close(c.stop)
			c.stop = nil
		}
	}
	o.clips = make(map[speech.Handle]*clip)
	o.closed = true
	o.mu.Unlock()
	return portaudio.Terminate()
}

// render streams one clip to the default device until it ends, errors, or
// is paused via the stop channel. The clip position is persisted after
// every buffer so pause/resume picks up where playback left off.
func (o *Output) render(h speech.Handle, c *clip, stop chan struct{}) {
	buf := make([]int16, framesPerBuffer*c.channels)
	stream, err := portaudio.OpenDefaultStream(0, c.channels, c.sampleRate, framesPerBuffer, buf)
	if err != nil {
		o.finish(h, c, stop, fmt.Errorf("open stream: %w", err))
		return
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		o.finish(h, c, stop, fmt.Errorf("start stream: %w", err))
		return
	}
	defer stream.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		o.mu.Lock()
		remaining := len(c.samples) - c.pos
		if remaining <= 0 {
			o.mu.Unlock()
			o.finish(h, c, stop, nil)
			return
		}
		n := copy(buf, c.samples[c.pos:])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		c.pos += n
		o.mu.Unlock()

		if err := stream.Write(); err != nil {
			o.finish(h, c, stop, fmt.Errorf("write stream: %w", err))
			return
		}
	}
}

func (o *Output) finish(h speech.Handle, c *clip, stop chan struct{}, err error) {
	o.mu.Lock()
	if c.stop == stop {
		c.playing = false
		c.stop = nil
	}
	if err == nil {
		c.pos = 0
	}
	o.mu.Unlock()

	ev := speech.OutputEvent{Handle: h, Type: speech.OutputEventEnded}
	if err != nil {
		o.log.Warn().Err(err).Int64("handle", int64(h)).Msg("device playback failed")
		ev = speech.OutputEvent{Handle: h, Type: speech.OutputEventError, Err: err}
	}
	select {
	case o.events <- ev:
	default:
		o.log.Warn().Int64("handle", int64(h)).Msg("device event dropped, consumer is behind")
	}
}

// decode converts clip bytes to interleaved int16 samples. MP3 payloads
// are decoded with go-mp3; pcm_<rate> payloads are raw PCM16LE mono.
func decode(data []byte, format string) (samples []int16, rate, channels int, err error) {
	switch {
	case strings.HasPrefix(format, "mp3"):
		pcm, sampleRate, err := audio.DecodeMP3(data)
		if err != nil {
			return nil, 0, 0, err
		}
		return bytesToSamples(pcm), sampleRate, 2, nil
	case strings.HasPrefix(format, "pcm_"):
		sampleRate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
		if err != nil || sampleRate <= 0 {
			return nil, 0, 0, fmt.Errorf("invalid pcm format %q", format)
		}
		return bytesToSamples(data), sampleRate, 1, nil
	default:
		return nil, 0, 0, fmt.Errorf("unsupported audio format %q", format)
	}
}

func bytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return samples
}
