package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/voxaproject/voxa/internal/app"
	"github.com/voxaproject/voxa/internal/config"
	"github.com/voxaproject/voxa/internal/device"
	"github.com/voxaproject/voxa/internal/httpapi"
	"github.com/voxaproject/voxa/internal/observability"
	"github.com/voxaproject/voxa/internal/session"
	"github.com/voxaproject/voxa/internal/speech"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootstrapLog().Fatal().Err(err).Msg("config error")
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogPretty)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	gen, providerName := selectGenerator(cfg, metrics, log)
	log.Info().Str("provider", providerName).Msg("speech provider selected")

	newOutput, err := selectOutputFactory(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("audio_output", cfg.AudioOutput).Msg("audio output init failed")
	}

	conversations := session.NewManager(cfg.ConversationInactivityTimeout)
	conversations.SetExpireHook(func(c *session.Conversation) {
		metrics.ActiveConversations.Set(float64(conversations.ActiveCount()))
		log.Info().Str("conversation_id", c.ID).Msg("conversation expired")
	})

	gateway := app.NewGateway(cfg, conversations, gen, newOutput, metrics, log)

	api := httpapi.New(cfg, conversations, gateway, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	conversations.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

func selectGenerator(cfg config.Config, metrics *observability.Metrics, log zerolog.Logger) (speech.Generator, string) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	elevenlabs := func() speech.Generator {
		return speech.NewElevenLabsGenerator(speech.ElevenLabsConfig{
			APIKey:    cfg.ElevenLabsAPIKey,
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
			Metrics:   metrics,
		})
	}

	switch mode {
	case "elevenlabs":
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			log.Fatal().Msg("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		return elevenlabs(), "elevenlabs"
	case "mock":
		return speech.NewMockGenerator(), "mock"
	case "auto":
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
			return elevenlabs(), "elevenlabs"
		}
		log.Warn().Msg("no elevenlabs key, falling back to mock provider")
		return speech.NewMockGenerator(), "mock"
	default:
		log.Fatal().Str("provider", cfg.VoiceProvider).Msg("invalid VOICE_PROVIDER (expected auto|elevenlabs|mock)")
		return nil, ""
	}
}

func selectOutputFactory(cfg config.Config, log zerolog.Logger) (app.OutputFactory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AudioOutput)) {
	case "", "ws":
		return func() (speech.AudioOutput, func() error, error) {
			out := app.NewPacedOutput()
			return out, out.Close, nil
		}, nil
	case "portaudio":
		return func() (speech.AudioOutput, func() error, error) {
			out, err := device.NewOutput(log)
			if err != nil {
				return nil, nil, err
			}
			return out, out.Close, nil
		}, nil
	default:
		return nil, errors.New("invalid AUDIO_OUTPUT (expected ws|portaudio)")
	}
}

func bootstrapLog() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
