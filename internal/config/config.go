package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice pipeline service.
type Config struct {
	BindAddr                      string
	ShutdownTimeout               time.Duration
	ConversationInactivityTimeout time.Duration
	MetricsNamespace              string

	LogLevel  string
	LogPretty bool

	AllowAnyOrigin bool

	VoiceProvider string
	AudioOutput   string

	ElevenLabsAPIKey       string
	ElevenLabsWSBaseURL    string
	ElevenLabsVoice        string
	ElevenLabsModel        string
	ElevenLabsOutputFormat string

	SpeechSpeed         float64
	SegmenterMinChars   int
	PlaybackSkipTimeout time.Duration
	GenerationBackoff   time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voxa"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:   false,
		VoiceProvider:    envOrDefault("VOICE_PROVIDER", "auto"),
		// "ws" keeps audio on the websocket only; "portaudio" also renders
		// to the local default output device.
		AudioOutput:         envOrDefault("AUDIO_OUTPUT", "ws"),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoice:     envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// MP3 keeps ws payloads small and the local device decoder handles it.
		ElevenLabsOutputFormat:        envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
		SpeechSpeed:                   1.0,
		SegmenterMinChars:             0,
		ShutdownTimeout:               15 * time.Second,
		ConversationInactivityTimeout: 2 * time.Minute,
		PlaybackSkipTimeout:           6 * time.Second,
		GenerationBackoff:             150 * time.Millisecond,
	}

	var err error
	cfg.LogPretty, err = boolFromEnv("APP_LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationInactivityTimeout, err = durationFromEnv("APP_CONVERSATION_INACTIVITY_TIMEOUT", cfg.ConversationInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackSkipTimeout, err = durationFromEnv("PLAYBACK_SKIP_TIMEOUT", cfg.PlaybackSkipTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationBackoff, err = durationFromEnv("GENERATION_RETRY_BACKOFF", cfg.GenerationBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.SegmenterMinChars, err = intFromEnv("SEGMENTER_MIN_CHARS", cfg.SegmenterMinChars)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechSpeed, err = floatFromEnv("SPEECH_SPEED", cfg.SpeechSpeed)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConversationInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CONVERSATION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PlaybackSkipTimeout <= 0 {
		return Config{}, fmt.Errorf("PLAYBACK_SKIP_TIMEOUT must be positive")
	}
	if cfg.SegmenterMinChars < 0 {
		return Config{}, fmt.Errorf("SEGMENTER_MIN_CHARS must be >= 0")
	}
	if cfg.SpeechSpeed <= 0 {
		return Config{}, fmt.Errorf("SPEECH_SPEED must be positive")
	}
	switch cfg.AudioOutput {
	case "ws", "portaudio":
	default:
		return Config{}, fmt.Errorf("AUDIO_OUTPUT must be ws or portaudio")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
