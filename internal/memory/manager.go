package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/models"
)

// Manager orchestrates checkpoints and per-session exclusivity
type Manager struct {
	store      Store
	sessionTTL time.Duration
	archiveTTL time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a new memory manager. Suspended and running sessions
// live for sessionTTL, finished ones are archived for archiveTTL.
func NewManager(store Store, sessionTTL, archiveTTL time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		sessionTTL: sessionTTL,
		archiveTTL: archiveTTL,
		logger:     logger.Named("memory"),
		locks:      make(map[string]*sessionLock),
	}
}

// Acquire blocks until the caller is the only driver of the session in this
// process. Drivers in other processes are fenced by the checkpoint version.
// The returned func releases it.
func (m *Manager) Acquire(sessionID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		m.locks[sessionID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, sessionID)
		}
		m.mu.Unlock()
	}
}

// Load returns the session checkpoint, or ErrNotFound
func (m *Manager) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	checkpoint, err := m.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return checkpoint, nil
}

// Save stamps metadata and writes the checkpoint
func (m *Manager) Save(ctx context.Context, checkpoint *Checkpoint) error {
	now := time.Now()
	if checkpoint.Metadata.StartedAt.IsZero() {
		checkpoint.Metadata.StartedAt = now
	}
	checkpoint.Metadata.LastActivity = now
	if checkpoint.State != nil {
		checkpoint.Metadata.MessageCount = len(checkpoint.State.Messages)
		checkpoint.Metadata.Turns = checkpoint.State.Turn
	}

	ttl := m.sessionTTL
	if checkpoint.Finished() {
		ttl = m.archiveTTL
	}

	if err := m.store.Save(ctx, checkpoint, ttl); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.logger.Debug("Saved checkpoint",
		zap.String("session_id", checkpoint.SessionID),
		zap.String("status", checkpoint.Status),
		zap.String("pending_node", checkpoint.PendingNode),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// ClearSession removes a session checkpoint
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	m.logger.Info("Cleared session", zap.String("session_id", sessionID))
	return nil
}

// UpdateActivity refreshes the session TTL
func (m *Manager) UpdateActivity(ctx context.Context, sessionID string) error {
	return m.store.Touch(ctx, sessionID, m.sessionTTL)
}

// GetActiveSessionCount returns the number of sessions currently being driven or waited on
func (m *Manager) GetActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close closes the underlying store
func (m *Manager) Close() error {
	return m.store.Close()
}

// NewConversationBuffer loads history into a LangChainGo memory buffer
func NewConversationBuffer(ctx context.Context, history []models.Message) (*memory.ConversationBuffer, error) {
	mem := memory.NewConversationBuffer()

	for _, msg := range history {
		var chatMsg llms.ChatMessage

		switch msg.Role {
		case models.RoleUser:
			chatMsg = llms.HumanChatMessage{Content: msg.Content}
		case models.RoleAssistant:
			chatMsg = llms.AIChatMessage{Content: msg.Content}
		case models.RoleSystem:
			chatMsg = llms.SystemChatMessage{Content: msg.Content}
		default:
			continue
		}

		if err := mem.ChatHistory.AddMessage(ctx, chatMsg); err != nil {
			return nil, fmt.Errorf("failed to add message to memory: %w", err)
		}
	}

	return mem, nil
}

// FormatHistory returns conversation history as a formatted string
// This is used for building prompts
func FormatHistory(ctx context.Context, history []models.Message) (string, error) {
	mem, err := NewConversationBuffer(ctx, history)
	if err != nil {
		return "", err
	}

	messages, err := mem.ChatHistory.Messages(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get messages: %w", err)
	}

	if len(messages) == 0 {
		return "No previous conversation.", nil
	}

	return llms.GetBufferString(messages, "User", "Assistant")
}
