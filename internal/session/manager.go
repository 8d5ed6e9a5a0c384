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

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyConfigured = errors.New("session already configured")
)

// Session is the per-connection state owned by the Orchestrator. It never
// participates in cross-session sharing except through the model adapter
// mutexes (§5).
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	Configured     bool      `json:"configured"`
	SourceLang     string    `json:"source_lang"`
	TargetLang     string    `json:"target_lang"`
	WindowSeconds  float64   `json:"window_seconds"`
	ASRIntervalMS  int       `json:"asr_interval_ms"`
	StabilityK     int       `json:"commit_stability_k"`
	TimeoutSeconds float64   `json:"commit_timeout_seconds"`
	MinWords       int       `json:"commit_min_words"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 60 * time.Second
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new, not-yet-configured session. The config frame
// (§4.1) later fills in SourceLang/TargetLang and marks it Configured.
func (m *Manager) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Configure applies the mandatory first config frame. A second call fails
// with ErrAlreadyConfigured, matching §4.1's "repeated config frames after
// start fail with an error event."
func (m *Manager) Configure(sessionID, sourceLang, targetLang string, windowSeconds float64, asrIntervalMS, stabilityK int, timeoutSeconds float64, minWords int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Configured {
		return ErrAlreadyConfigured
	}
	s.Configured = true
	s.SourceLang = sourceLang
	s.TargetLang = targetLang
	s.WindowSeconds = windowSeconds
	s.ASRIntervalMS = asrIntervalMS
	s.StabilityK = stabilityK
	s.TimeoutSeconds = timeoutSeconds
	s.MinWords = minWords
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
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
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
