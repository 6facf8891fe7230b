package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 byte stream into interleaved stereo PCM16LE
// samples and reports the source sample rate. go-mp3 always emits two
// channels regardless of the encoded channel count.
func DecodeMP3(data []byte) (pcm []byte, sampleRate int, err error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}

	var out bytes.Buffer
	if _, err := io.Copy(&out, dec); err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}
	return out.Bytes(), dec.SampleRate(), nil
}
