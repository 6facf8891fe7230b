package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Mode controls the autoplay policy for a conversation's speech.
type Mode string

const (
	// ModeLive autoplays every clip as the assistant streams a reply.
	ModeLive Mode = "live"
	// ModeOnDemand autoplays only the first clip of an explicitly
	// requested replay; later clips wait for playback to reach them.
	ModeOnDemand Mode = "on_demand"
)

var ErrNotFound = errors.New("conversation not found")

type Conversation struct {
	ID                string    `json:"conversation_id"`
	ClientID          string    `json:"client_id"`
	Status            Status    `json:"status"`
	Mode              Mode      `json:"mode"`
	VoiceID           string    `json:"voice_id"`
	ActiveMessageID   string    `json:"active_message_id"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	conversations     map[string]*Conversation
	byClient          map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Conversation)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		conversations:     make(map[string]*Conversation),
		byClient:          make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Conversation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(clientID, voiceID string) *Conversation {
	now := time.Now().UTC()
	c := &Conversation{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		Status:         StatusActive,
		Mode:           ModeOnDemand,
		VoiceID:        voiceID,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	if clientID != "" {
		m.byClient[clientID] = c.ID
	}
	return clone(c)
}

func (m *Manager) Get(conversationID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) Touch(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// BeginMessage records a new streamed assistant message and switches the
// conversation into live mode until the stream ends or is interrupted.
func (m *Manager) BeginMessage(conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.ActiveMessageID = messageID
	c.Mode = ModeLive
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// Interrupt marks a user-initiated cancellation of the active message and
// drops the conversation back to on-demand playback.
func (m *Manager) Interrupt(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.InterruptionCount++
	c.ActiveMessageID = ""
	c.Mode = ModeOnDemand
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(conversationID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	c.Status = StatusEnded
	c.ActiveMessageID = ""
	c.LastActivityAt = time.Now().UTC()
	if c.ClientID != "" {
		delete(m.byClient, c.ClientID)
	}
	return clone(c), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conversations {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Conversation

	m.mu.Lock()
	for _, c := range m.conversations {
		if c.Status != StatusActive {
			continue
		}
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		c.Status = StatusEnded
		c.ActiveMessageID = ""
		c.LastActivityAt = now
		expired = append(expired, clone(c))
		if c.ClientID != "" {
			delete(m.byClient, c.ClientID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Conversation) *Conversation {
	cp := *c
	return &cp
}
