package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/models"
)

// Publisher is the part of *nats.Conn the progress channel needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ProgressPublisher sends progress events to <prefix>.<session_id>.
// Delivery is best effort: nothing is buffered or retried.
type ProgressPublisher struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

func NewProgressPublisher(pub Publisher, prefix string, logger *zap.Logger) *ProgressPublisher {
	return &ProgressPublisher{pub: pub, prefix: prefix, logger: logger.Named("progress")}
}

// Subject returns the progress subject of a session
func (p *ProgressPublisher) Subject(sessionID string) string {
	return p.prefix + "." + sessionID
}

func (p *ProgressPublisher) OnProgress(_ context.Context, event models.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to marshal progress event", zap.Error(err))
		return
	}
	if err := p.pub.Publish(p.Subject(event.SessionID), data); err != nil {
		p.logger.Warn("Failed to publish progress",
			zap.String("session_id", event.SessionID),
			zap.String("step", event.Step),
			zap.Error(err),
		)
	}
}
