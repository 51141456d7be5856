package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/models"
)

// Observer receives progress notifications. Delivery is best effort: not
// buffered, not retried.
type Observer interface {
	OnProgress(ctx context.Context, event models.ProgressEvent)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, event models.ProgressEvent)

func (f ObserverFunc) OnProgress(ctx context.Context, event models.ProgressEvent) {
	f(ctx, event)
}

// Observers fans a notification out to several observers
type Observers []Observer

func (o Observers) OnProgress(ctx context.Context, event models.ProgressEvent) {
	for _, observer := range o {
		if observer != nil {
			observer.OnProgress(ctx, event)
		}
	}
}

type logObserver struct {
	logger *zap.Logger
}

// NewLogObserver logs every notification
func NewLogObserver(logger *zap.Logger) Observer {
	return &logObserver{logger: logger.Named("progress")}
}

func (l *logObserver) OnProgress(_ context.Context, event models.ProgressEvent) {
	l.logger.Info(event.Message,
		zap.String("session_id", event.SessionID),
		zap.String("step", event.Step),
	)
}

type progressKey struct{}

type emitter struct {
	observer  Observer
	sessionID string
	step      string
}

func withEmitter(ctx context.Context, observer Observer, sessionID, step string) context.Context {
	if observer == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, emitter{observer: observer, sessionID: sessionID, step: step})
}

// Notify sends a progress message for the step running under ctx.
// Outside a workflow step it does nothing.
func Notify(ctx context.Context, message string) {
	e, ok := ctx.Value(progressKey{}).(emitter)
	if !ok {
		return
	}
	e.observer.OnProgress(ctx, models.ProgressEvent{
		SessionID: e.sessionID,
		Step:      e.step,
		Message:   message,
	})
}
