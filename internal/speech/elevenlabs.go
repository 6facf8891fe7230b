package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voxaproject/voxa/internal/observability"
	"github.com/voxaproject/voxa/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey    string
	WSBaseURL string
	Metrics   *observability.Metrics
}

// ElevenLabsGenerator synthesizes one sentence per call over the ElevenLabs
// TTS websocket stream-input endpoint.
type ElevenLabsGenerator struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsGenerator(cfg ElevenLabsConfig) *ElevenLabsGenerator {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	return &ElevenLabsGenerator{cfg: cfg}
}

func (g *ElevenLabsGenerator) countError(code string) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ProviderErrors.WithLabelValues("elevenlabs", code).Inc()
	}
}

func (g *ElevenLabsGenerator) Generate(ctx context.Context, text string, opts GenerateOptions) (GeneratedAudio, error) {
	if strings.TrimSpace(opts.VoiceID) == "" {
		return GeneratedAudio{}, fmt.Errorf("voice_id is required")
	}
	modelID := opts.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}
	format := opts.OutputFormat
	if strings.TrimSpace(format) == "" {
		format = "mp3_44100_128"
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.7 {
		speed = 0.7
	} else if speed > 1.2 {
		speed = 1.2
	}

	u, err := url.Parse(strings.TrimRight(g.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(opts.VoiceID) + "/stream-input")
	if err != nil {
		return GeneratedAudio{}, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", format)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", g.cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		// A rejected handshake with a non-retryable status (bad key, missing
		// voice) will not get better on a second attempt.
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			g.countError("handshake_" + strconv.Itoa(resp.StatusCode))
			return GeneratedAudio{}, fmt.Errorf("tts handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		g.countError("tts_dial_failed")
		return GeneratedAudio{}, &reliability.TransientError{Code: "tts_dial_failed", Err: err}
	}

	// Unblock the read loop if the caller cancels mid-synthesis.
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-watchDone:
		}
	}()

	// Prime the stream as documented for TTS websocket flows, then send the
	// sentence and close input so the provider flushes.
	init := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.42,
			"similarity_boost": 0.85,
			"speed":            speed,
		},
	}
	if err := conn.WriteJSON(init); err != nil {
		return GeneratedAudio{}, fmt.Errorf("prime tts stream: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": text, "try_trigger_generation": true}); err != nil {
		return GeneratedAudio{}, fmt.Errorf("send tts text: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": ""}); err != nil {
		return GeneratedAudio{}, fmt.Errorf("close tts input: %w", err)
	}

	var out bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return GeneratedAudio{}, ctx.Err()
			}
			if out.Len() > 0 {
				// Provider closed after sending audio but before the final
				// marker; treat what we have as the clip.
				return GeneratedAudio{Data: out.Bytes(), Format: format}, nil
			}
			g.countError("tts_stream_closed")
			return GeneratedAudio{}, &reliability.TransientError{Code: "tts_stream_closed", Err: err}
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if audio := asString(raw["audio"]); audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				return GeneratedAudio{}, fmt.Errorf("decode audio chunk: %w", err)
			}
			out.Write(chunk)
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			g.countError(code)
			err := fmt.Errorf("tts error: %s %s", code, errMsg)
			if reliability.IsRetryableRealtimeMessageType(code) {
				return GeneratedAudio{}, &reliability.TransientError{Code: code, Err: err}
			}
			return GeneratedAudio{}, err
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return GeneratedAudio{Data: out.Bytes(), Format: format}, nil
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
