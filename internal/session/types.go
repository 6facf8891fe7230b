package session

import "time"

// CreateRequest defines payload for opening a new conversation.
type CreateRequest struct {
	ClientID string `json:"client_id"`
	VoiceID  string `json:"voice_id"`
}

// CreateResponse returns created conversation metadata.
type CreateResponse struct {
	ConversationID  string    `json:"conversation_id"`
	ClientID        string    `json:"client_id"`
	Status          Status    `json:"status"`
	Mode            Mode      `json:"mode"`
	VoiceID         string    `json:"voice_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
