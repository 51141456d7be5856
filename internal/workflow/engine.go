package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avvvet/planbuddy/internal/llm"
	"github.com/avvvet/planbuddy/internal/memory"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/observability"
	"github.com/avvvet/planbuddy/internal/prompts"
)

// Engine drives sessions through the graph, one turn per Handle call
type Engine struct {
	graph    *Graph
	sessions *memory.Manager
	observer Observer
	retry    llm.RetryConfig
	logger   *zap.Logger
	newToken func() string

	recoverAfter time.Duration
}

// NewEngine creates an engine. retry supplies the backoff shape; the attempt
// budget comes from each node's policy.
func NewEngine(graph *Graph, sessions *memory.Manager, observer Observer, retry llm.RetryConfig, logger *zap.Logger) *Engine {
	return &Engine{
		graph:    graph,
		sessions: sessions,
		observer: observer,
		retry:    retry,
		logger:   logger.Named("workflow"),
		newToken: uuid.NewString,
	}
}

// WithRecoveryAfter sets how long a running checkpoint must sit idle before
// another turn may take it over. Younger ones belong to a live driver.
func (e *Engine) WithRecoveryAfter(d time.Duration) *Engine {
	e.recoverAfter = d
	return e
}

// stepError remembers which node aborted the session
type stepError struct {
	node *Node
	err  error
}

func (s *stepError) Error() string { return fmt.Sprintf("%s: %v", s.node.Name, s.err) }
func (s *stepError) Unwrap() error { return s.err }

// Handle processes one user turn: it starts a new session, resumes a
// suspended one, or rejects a stale resume. It never returns nil.
func (e *Engine) Handle(ctx context.Context, req *models.TurnRequest) *models.TurnResponse {
	if err := validateRequest(req); err != nil {
		observability.RecordTurn(models.StatusFailed)
		return errorResponse(req.SessionID, models.ErrorInvalidRequest, err.Error(), prompts.FallbackMessage)
	}

	release := e.sessions.Acquire(req.SessionID)
	defer release()

	logger := e.logger.With(zap.String("session_id", req.SessionID))

	checkpoint, start, rejected := e.begin(ctx, req, logger)
	if rejected != nil {
		observability.RecordTurn(rejected.Status)
		return rejected
	}

	response := e.run(ctx, checkpoint, start, logger)
	observability.RecordTurn(response.Status)
	return response
}

// Reset drops the session checkpoint so its id can start over
func (e *Engine) Reset(ctx context.Context, sessionID string) error {
	release := e.sessions.Acquire(sessionID)
	defer release()
	return e.sessions.ClearSession(ctx, sessionID)
}

func validateRequest(req *models.TurnRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return fmt.Errorf("user_message is required")
	}
	return nil
}

// begin loads or creates the checkpoint and folds the new message in.
// It returns the node to run next, or a response when the turn is rejected.
func (e *Engine) begin(ctx context.Context, req *models.TurnRequest, logger *zap.Logger) (*memory.Checkpoint, string, *models.TurnResponse) {
	checkpoint, err := e.sessions.Load(ctx, req.SessionID)
	start := e.graph.Entry()

	switch {
	case errors.Is(err, memory.ErrNotFound):
		logger.Info("Starting new session")
		checkpoint = e.newCheckpoint(req)
		e.applyInput(checkpoint, req.UserMessage)

	case err != nil:
		logger.Error("Failed to load checkpoint", zap.Error(err))
		return nil, "", errorResponse(req.SessionID, models.ErrorStorage, err.Error(), prompts.ApologyMessage)

	case checkpoint.Finished():
		logger.Info("Previous session finished, starting a new one", zap.String("previous_status", checkpoint.Status))
		version := checkpoint.Version
		checkpoint = e.newCheckpoint(req)
		checkpoint.Version = version
		e.applyInput(checkpoint, req.UserMessage)

	case checkpoint.Suspended():
		node, ok := e.graph.Node(checkpoint.PendingNode)
		if !ok || node.Interrupt == nil {
			logger.Warn("Suspended at unknown node, restarting classification", zap.String("pending_node", checkpoint.PendingNode))
			e.applyInput(checkpoint, req.UserMessage)
			break
		}
		if req.ResumeToken != "" && req.ResumeToken != checkpoint.ResumeToken {
			logger.Warn("Rejected stale resume token")
			// the user is still around; keep the pending question alive
			if err := e.sessions.UpdateActivity(ctx, req.SessionID); err != nil {
				logger.Warn("Failed to refresh session TTL", zap.Error(err))
			}
			return nil, "", staleResponse(req.SessionID, node, checkpoint.State, "resume token does not match the pending question")
		}

		update, err := node.Interrupt.Resume(ctx, checkpoint.State, req.UserMessage)
		if err != nil {
			return nil, "", errorResponse(req.SessionID, models.ErrorInvalidRequest, err.Error(), prompts.FallbackMessage)
		}
		next, err := e.graph.Next(node.Name, checkpoint.State)
		if err != nil {
			return nil, "", errorResponse(req.SessionID, models.ErrorConfig, err.Error(), prompts.ApologyMessage)
		}
		checkpoint.State.Apply(update)
		checkpoint.ResumeToken = ""
		start = next
		logger.Info("Resuming session", zap.Int("turn", checkpoint.State.Turn+1), zap.String("next", next))

	case time.Since(checkpoint.Metadata.LastActivity) < e.recoverAfter:
		logger.Warn("Session is busy with another turn", zap.String("pending_node", checkpoint.PendingNode))
		return nil, "", busyResponse(req.SessionID)

	default:
		// a running checkpoint means the previous driver died mid-turn
		logger.Warn("Recovering interrupted session", zap.String("pending_node", checkpoint.PendingNode))
		e.applyInput(checkpoint, req.UserMessage)
	}

	checkpoint.State.Turn++
	if req.Preferences != nil {
		checkpoint.State.Apply(models.Update{Preferences: req.Preferences})
	}
	if checkpoint.UserID == "" {
		checkpoint.UserID = req.UserID
	}
	return checkpoint, start, nil
}

func (e *Engine) newCheckpoint(req *models.TurnRequest) *memory.Checkpoint {
	return &memory.Checkpoint{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		State:       models.NewConversationState(req.SessionID),
		Status:      memory.StatusRunning,
		PendingNode: e.graph.Entry(),
	}
}

func (e *Engine) applyInput(checkpoint *memory.Checkpoint, input string) {
	checkpoint.State.Apply(models.Update{UserInput: &input})
}

// run executes nodes from start until the session suspends, completes or fails.
// The checkpoint is saved after every node.
func (e *Engine) run(ctx context.Context, checkpoint *memory.Checkpoint, start string, logger *zap.Logger) *models.TurnResponse {
	checkpoint.Status = memory.StatusRunning
	checkpoint.Error = ""
	current := start

	// claim the session before any step runs; a concurrent driver loses here
	checkpoint.PendingNode = current
	if err := e.sessions.Save(ctx, checkpoint); err != nil {
		return e.saveFailed(ctx, checkpoint.SessionID, err, logger)
	}

	for {
		node, ok := e.graph.Node(current)
		if !ok {
			return e.abort(ctx, checkpoint, &Node{Name: current}, llm.NewFatalError(fmt.Errorf("undeclared node %q", current)), logger)
		}
		if node.Interrupt != nil {
			return e.suspend(ctx, checkpoint, node, logger)
		}

		update, err := e.execute(ctx, checkpoint.State, node, logger)
		if err != nil {
			return e.abort(ctx, checkpoint, node, err, logger)
		}
		checkpoint.State.Apply(update)

		if current == e.graph.Terminal() {
			return e.complete(ctx, checkpoint, logger)
		}

		if fan, ok := e.graph.FanOutFrom(current); ok {
			updates, err := e.fanOut(ctx, checkpoint.State, fan, logger)
			if err != nil {
				failed := node
				var se *stepError
				if errors.As(err, &se) {
					failed = se.node
				}
				return e.abort(ctx, checkpoint, failed, err, logger)
			}
			for _, u := range updates {
				checkpoint.State.Apply(u)
			}
			current = fan.Join
		} else {
			next, err := e.graph.Next(current, checkpoint.State)
			if err != nil {
				return e.abort(ctx, checkpoint, node, llm.NewFatalError(err), logger)
			}
			current = next
		}

		checkpoint.PendingNode = current
		if err := e.sessions.Save(ctx, checkpoint); err != nil {
			return e.saveFailed(ctx, checkpoint.SessionID, err, logger)
		}
	}
}

// saveFailed turns a failed checkpoint write into a response. A version
// conflict means another driver owns the session now.
func (e *Engine) saveFailed(ctx context.Context, sessionID string, err error, logger *zap.Logger) *models.TurnResponse {
	if !errors.Is(err, memory.ErrConflict) {
		logger.Error("Failed to checkpoint", zap.Error(err))
		return errorResponse(sessionID, models.ErrorStorage, err.Error(), prompts.ApologyMessage)
	}

	logger.Warn("Session was taken over by another turn")
	latest, loadErr := e.sessions.Load(ctx, sessionID)
	if loadErr == nil && latest.Suspended() {
		if node, ok := e.graph.Node(latest.PendingNode); ok && node.Interrupt != nil {
			return staleResponse(sessionID, node, latest.State, "the session moved on while this message was handled")
		}
	}
	return busyResponse(sessionID)
}

// execute runs a node with its retry budget, degrading to the fallback when it has one
func (e *Engine) execute(ctx context.Context, state *models.ConversationState, node *Node, logger *zap.Logger) (models.Update, error) {
	cfg := e.retry
	cfg.MaxAttempts = node.Policy.MaxAttempts

	var update models.Update
	err := llm.Do(ctx, cfg, func(attempt int) error {
		stepCtx, span := observability.StartStepSpan(ctx, state.SessionID, node.Name)
		defer span.End()
		span.SetAttributes(attribute.Int("planbuddy.attempt", attempt))
		stepCtx = withEmitter(stepCtx, e.observer, state.SessionID, node.Name)

		logger.Debug("Running step", zap.String("step", node.Name), zap.Int("attempt", attempt))
		started := time.Now()
		u, err := node.Run(stepCtx, state)
		elapsed := int(time.Since(started).Milliseconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordStep(node.Name, "error", elapsed)
			return err
		}
		observability.RecordStep(node.Name, "success", elapsed)
		update = u
		return nil
	}, func(err error, wait time.Duration) {
		logger.Warn("Step failed, retrying",
			zap.String("step", node.Name),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		return update, nil
	}

	if node.Policy.Fallback != nil && ctx.Err() == nil {
		logger.Warn("Step degraded", zap.String("step", node.Name), zap.Error(err))
		observability.RecordStep(node.Name, "fallback", 0)
		return node.Policy.Fallback(state), nil
	}
	return models.Update{}, err
}

// fanOut runs the branches concurrently on private snapshots and waits for all of them
func (e *Engine) fanOut(ctx context.Context, state *models.ConversationState, fan FanOut, logger *zap.Logger) ([]models.Update, error) {
	updates := make([]models.Update, len(fan.Branches))
	g, gctx := errgroup.WithContext(ctx)

	for i, name := range fan.Branches {
		node, _ := e.graph.Node(name)
		snapshot, err := state.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot state: %w", err)
		}
		g.Go(func() error {
			u, err := e.execute(gctx, snapshot, node, logger)
			if err != nil {
				return &stepError{node: node, err: err}
			}
			updates[i] = u
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Debug("Fan-out joined", zap.Strings("branches", fan.Branches), zap.String("join", fan.Join))
	return updates, nil
}

func (e *Engine) suspend(ctx context.Context, checkpoint *memory.Checkpoint, node *Node, logger *zap.Logger) *models.TurnResponse {
	prompt, missing := node.Interrupt.Prompt(checkpoint.State)

	checkpoint.Status = models.StatusAwaitingInput
	checkpoint.PendingNode = node.Name
	checkpoint.ResumeToken = e.newToken()
	if err := e.sessions.Save(ctx, checkpoint); err != nil {
		return e.saveFailed(ctx, checkpoint.SessionID, err, logger)
	}

	observability.RecordStep(node.Name, "suspended", 0)
	logger.Info("Session awaiting input", zap.Strings("missing", missing))

	return &models.TurnResponse{
		SessionID:   checkpoint.SessionID,
		Status:      models.StatusAwaitingInput,
		UserMessage: prompt,
		ResumeToken: checkpoint.ResumeToken,
		Missing:     missing,
	}
}

func (e *Engine) complete(ctx context.Context, checkpoint *memory.Checkpoint, logger *zap.Logger) *models.TurnResponse {
	final := checkpoint.State.FinalOutput
	if final == nil {
		return e.abort(ctx, checkpoint, &Node{Name: e.graph.Terminal()}, errors.New("terminal step produced no plans"), logger)
	}

	checkpoint.Status = models.StatusCompleted
	checkpoint.PendingNode = ""
	if err := e.sessions.Save(ctx, checkpoint); err != nil {
		// the plans are ready; losing the archive copy only costs history
		logger.Error("Failed to archive completed session", zap.Error(err))
	}

	logger.Info("Session completed", zap.Int("plans", len(final.Plans)))
	return &models.TurnResponse{
		SessionID:   checkpoint.SessionID,
		Status:      models.StatusCompleted,
		UserMessage: final.Text,
		Plans:       final.Plans,
		Calendar:    final.Calendar,
	}
}

func (e *Engine) abort(ctx context.Context, checkpoint *memory.Checkpoint, node *Node, err error, logger *zap.Logger) *models.TurnResponse {
	code := node.Policy.ErrorCode
	if code == "" {
		code = models.ErrorLLMFailed
	}
	if llm.IsFatal(err) {
		code = models.ErrorConfig
	}
	userMessage := node.Policy.UserMessage
	if userMessage == "" {
		userMessage = prompts.ApologyMessage
	}

	checkpoint.Status = models.StatusFailed
	checkpoint.PendingNode = node.Name
	checkpoint.Error = err.Error()

	now := time.Now()
	var messages []models.Message
	// the classifier records the utterance itself, so a failure there would lose it
	if node.Name == e.graph.Entry() && checkpoint.State.UserInput != "" {
		messages = append(messages, models.Message{Role: models.RoleUser, Content: checkpoint.State.UserInput, Timestamp: now})
	}
	messages = append(messages, models.Message{Role: models.RoleAssistant, Content: userMessage, Timestamp: now})
	checkpoint.State.Apply(models.Update{Messages: messages})

	logger.Error("Session failed", zap.String("step", node.Name), zap.String("error_code", code), zap.Error(err))

	if saveErr := e.sessions.Save(context.WithoutCancel(ctx), checkpoint); saveErr != nil {
		if errors.Is(saveErr, memory.ErrConflict) {
			return e.saveFailed(ctx, checkpoint.SessionID, saveErr, logger)
		}
		logger.Error("Failed to record failed session", zap.Error(saveErr))
	}

	return errorResponse(checkpoint.SessionID, code, err.Error(), userMessage)
}

// staleResponse repeats the pending question without issuing a new token
func staleResponse(sessionID string, node *Node, state *models.ConversationState, message string) *models.TurnResponse {
	prompt, missing := node.Interrupt.Prompt(state)
	code := models.ErrorStaleResume
	return &models.TurnResponse{
		SessionID:    sessionID,
		Status:       models.StatusAwaitingInput,
		UserMessage:  prompt,
		Missing:      missing,
		ErrorCode:    &code,
		ErrorMessage: &message,
	}
}

func busyResponse(sessionID string) *models.TurnResponse {
	return errorResponse(sessionID, models.ErrorStaleResume, "session is being handled by another turn", prompts.BusyMessage)
}

func errorResponse(sessionID, code, message, userMessage string) *models.TurnResponse {
	return &models.TurnResponse{
		SessionID:    sessionID,
		Status:       models.StatusFailed,
		UserMessage:  userMessage,
		ErrorCode:    &code,
		ErrorMessage: &message,
	}
}
