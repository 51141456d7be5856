package memory

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/planbuddy/internal/models"
)

// ErrNotFound is returned when a session has no checkpoint (never started or expired)
var ErrNotFound = errors.New("checkpoint not found")

// ErrConflict is returned when another driver saved the session since it was loaded
var ErrConflict = errors.New("checkpoint was modified concurrently")

// Checkpoint is the durable snapshot of a session between turns
type Checkpoint struct {
	SessionID   string                    `json:"session_id"`
	UserID      string                    `json:"user_id,omitempty"`
	State       *models.ConversationState `json:"state"`
	Status      string                    `json:"status"`                 // awaiting_input, running, completed, failed
	PendingNode string                    `json:"pending_node,omitempty"` // node to resume at
	ResumeToken string                    `json:"resume_token,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Version     int64                     `json:"version"` // bumped on every save
	Metadata    Metadata                  `json:"metadata"`
}

// Metadata contains session information
type Metadata struct {
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Turns        int       `json:"turns"`
}

// StatusRunning marks a checkpoint written between nodes of an active turn
const StatusRunning = "running"

// Suspended reports whether the session waits for user input
func (c *Checkpoint) Suspended() bool {
	return c.Status == models.StatusAwaitingInput
}

// Finished reports whether the session reached a terminal status
func (c *Checkpoint) Finished() bool {
	return c.Status == models.StatusCompleted || c.Status == models.StatusFailed
}

// Store defines the interface for checkpoint storage
// This allows us to swap between Redis, in-memory, etc.
type Store interface {
	// Load returns the checkpoint or ErrNotFound
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)

	// Save writes the checkpoint with the given time to live. It fails with
	// ErrConflict unless the stored version still equals checkpoint.Version
	// (zero for a session with no checkpoint), and bumps Version on success.
	Save(ctx context.Context, checkpoint *Checkpoint, ttl time.Duration) error

	// Delete removes a session from storage
	Delete(ctx context.Context, sessionID string) error

	// Touch refreshes the time to live
	Touch(ctx context.Context, sessionID string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}
