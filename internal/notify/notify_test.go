package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *countingNotifier) Notify(_ context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestMultiFansOut(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{}
	multi := Multi{a, b}

	event := Event{TaskID: "task_1", Kind: EventCycleCompleted, Title: "done", Time: time.Now()}
	multi.Notify(context.Background(), event)

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, EventCycleCompleted, a.events[0].Kind)
}

func TestLogNotifierDoesNotPanicWithoutLogger(t *testing.T) {
	n := NewLogNotifier(nil)
	for _, kind := range []EventKind{EventAwaitingApproval, EventCycleCompleted, EventCycleFailed, EventWarning} {
		n.Notify(context.Background(), Event{TaskID: "task_1", Kind: kind})
	}
}
