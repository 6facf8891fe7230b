package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxaproject/voxa/internal/reliability"
)

func TestElevenLabsHandshakeStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"unauthorized is permanent", http.StatusUnauthorized, false},
		{"missing voice is permanent", http.StatusNotFound, false},
		{"rate limited is retryable", http.StatusTooManyRequests, true},
		{"bad gateway is retryable", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "handshake refused", tt.status)
			}))
			defer srv.Close()

			gen := NewElevenLabsGenerator(ElevenLabsConfig{
				APIKey:    "test-key",
				WSBaseURL: "ws://" + strings.TrimPrefix(srv.URL, "http://"),
			})
			_, err := gen.Generate(context.Background(), "Hello there.", GenerateOptions{VoiceID: "voice-1"})
			if err == nil {
				t.Fatalf("expected handshake error for status %d", tt.status)
			}
			if got := reliability.IsRetryableGenerationError(err); got != tt.retryable {
				t.Fatalf("retryable = %v for status %d, want %v", got, tt.status, tt.retryable)
			}
		})
	}
}
