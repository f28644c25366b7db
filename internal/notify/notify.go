// Package notify delivers human-facing events from the autonomous cycle:
// approval requests, completions, failures, and budget warnings.
package notify

import (
	"context"
	"time"

	"forge/internal/logging"
)

// EventKind classifies a notification.
type EventKind string

const (
	EventAwaitingApproval EventKind = "awaiting-approval"
	EventCycleCompleted   EventKind = "cycle-completed"
	EventCycleFailed      EventKind = "cycle-failed"
	EventWarning          EventKind = "warning"
)

// Event is one notification.
type Event struct {
	TaskID  string
	Kind    EventKind
	Title   string
	Message string
	Time    time.Time
}

// Notifier delivers events. Implementations must not block the cycle
// engine; delivery failures are logged, not returned.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log, the default sink when no
// external channel is configured.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	switch event.Kind {
	case EventCycleFailed:
		n.logger.Error("task %s: %s: %s", event.TaskID, event.Title, event.Message)
	case EventWarning:
		n.logger.Warn("task %s: %s: %s", event.TaskID, event.Title, event.Message)
	default:
		n.logger.Info("task %s: %s: %s", event.TaskID, event.Title, event.Message)
	}
}

// Multi fans one event out to several sinks.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}
