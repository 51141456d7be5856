package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/config"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/prompts"
)

const queueGroup = "planbuddy"

// TurnHandler processes one user turn
type TurnHandler interface {
	Handle(ctx context.Context, req *models.TurnRequest) *models.TurnResponse
}

type NATSTransport struct {
	conn    *nats.Conn
	config  *config.Config
	handler TurnHandler
	logger  *zap.Logger
	sub     *nats.Subscription
}

// Connect dials NATS with infinite reconnects
func Connect(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS server", zap.String("url", cfg.NatsURL))
	return conn, nil
}

func NewNATSTransport(conn *nats.Conn, cfg *config.Config, handler TurnHandler, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{
		conn:    conn,
		config:  cfg,
		handler: handler,
		logger:  logger.Named("nats"),
	}
}

// Start subscribes to turn requests. Replicas share the load through a queue group.
func (nt *NATSTransport) Start() error {
	sub, err := nt.conn.QueueSubscribe(nt.config.NatsRequestSubject, queueGroup, nt.handleTurnRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nt.config.NatsRequestSubject, err)
	}
	nt.sub = sub

	nt.logger.Info("Subscribed to subject", zap.String("subject", nt.config.NatsRequestSubject))
	return nil
}

func (nt *NATSTransport) handleTurnRequest(msg *nats.Msg) {
	// a turn spans several model and tool calls
	ctx, cancel := context.WithTimeout(context.Background(), nt.config.TurnTimeout())
	defer cancel()

	response := nt.process(ctx, msg.Data)
	if err := nt.sendResponse(msg, response); err != nil {
		nt.logger.Error("Error sending response", zap.String("session_id", response.SessionID), zap.Error(err))
	}
}

// process decodes a request and runs it. Malformed payloads get an
// INVALID_REQUEST response instead of silence.
func (nt *NATSTransport) process(ctx context.Context, data []byte) *models.TurnResponse {
	var request models.TurnRequest
	if err := json.Unmarshal(data, &request); err != nil {
		nt.logger.Warn("Error parsing request", zap.Error(err))
		return errorResponse(request.SessionID, models.ErrorInvalidRequest, "Invalid request format")
	}

	nt.logger.Info("Processing turn", zap.String("session_id", request.SessionID))
	return nt.handler.Handle(ctx, &request)
}

func (nt *NATSTransport) sendResponse(msg *nats.Msg, response *models.TurnResponse) error {
	responseData, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := msg.Respond(responseData); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}

	nt.logger.Info("Response sent",
		zap.String("session_id", response.SessionID),
		zap.String("status", response.Status),
	)
	return nil
}

func errorResponse(sessionID, errorCode, errorMessage string) *models.TurnResponse {
	return &models.TurnResponse{
		SessionID:    sessionID,
		Status:       models.StatusFailed,
		UserMessage:  prompts.ApologyMessage,
		ErrorCode:    &errorCode,
		ErrorMessage: &errorMessage,
	}
}

// Close drains the subscription so in-flight turns finish before the connection closes
func (nt *NATSTransport) Close() error {
	if nt.sub != nil {
		if err := nt.sub.Drain(); err != nil {
			nt.logger.Warn("Failed to drain subscription", zap.Error(err))
		}
	}
	if nt.conn != nil {
		if err := nt.conn.Drain(); err != nil {
			nt.conn.Close()
			return err
		}
		nt.logger.Info("NATS connection closed")
	}
	return nil
}
