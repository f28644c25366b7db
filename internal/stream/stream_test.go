package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
	"forge/internal/store"
)

func collect(t *testing.T, sub *Subscription, n int) []domain.OutputLine {
	t.Helper()
	var lines []domain.OutputLine
	deadline := time.After(5 * time.Second)
	for len(lines) < n {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				t.Fatalf("stream closed after %d of %d lines", len(lines), n)
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("timed out after %d of %d lines", len(lines), n)
		}
	}
	return lines
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case line, ok := <-sub.Lines():
		require.False(t, ok, "expected closed stream, got line %d", line.LineNumber)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestPublishSubscribeOrdering(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{}, nil, nil)

	mux.Publish(ctx, "run_1", "first")
	mux.Publish(ctx, "run_1", "second")

	sub := mux.Subscribe(ctx, "run_1", 1)
	defer sub.Close()

	mux.Publish(ctx, "run_1", "third")
	mux.MarkComplete("run_1")

	lines := collect(t, sub, 3)
	for i, line := range lines {
		assert.Equal(t, int64(i+1), line.LineNumber)
	}
	assert.Equal(t, "first", lines[0].Content)
	assert.Equal(t, "third", lines[2].Content)
	requireClosed(t, sub)
}

func TestSubscribeFromLineSkipsHistory(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{}, nil, nil)
	for i := 0; i < 5; i++ {
		mux.Publish(ctx, "run_1", fmt.Sprintf("line %d", i+1))
	}

	sub := mux.Subscribe(ctx, "run_1", 4)
	defer sub.Close()
	mux.MarkComplete("run_1")

	lines := collect(t, sub, 2)
	assert.Equal(t, int64(4), lines[0].LineNumber)
	assert.Equal(t, int64(5), lines[1].LineNumber)
	requireClosed(t, sub)
}

func TestSubscribeAfterCompleteGetsHistoryThenCloses(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{}, nil, nil)
	mux.Publish(ctx, "run_1", "only line")
	mux.MarkComplete("run_1")

	sub := mux.Subscribe(ctx, "run_1", 1)
	lines := collect(t, sub, 1)
	assert.Equal(t, "only line", lines[0].Content)
	requireClosed(t, sub)
}

func TestMarkCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{}, nil, nil)
	mux.Publish(ctx, "run_1", "a")
	mux.MarkComplete("run_1")
	mux.MarkComplete("run_1")

	// Publishing after completion is dropped.
	mux.Publish(ctx, "run_1", "late")
	history, err := mux.GetHistory(ctx, "run_1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "a", history[0].Content)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{SubscriberBuffer: 1}, nil, nil)

	sub := mux.Subscribe(ctx, "run_1", 1)
	defer sub.Close()

	// Nobody reads; only one line fits the buffer, the rest drop. The
	// publisher never blocks.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			mux.Publish(ctx, "run_1", fmt.Sprintf("line %d", i+1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	mux.MarkComplete("run_1")
	line := collect(t, sub, 1)[0]
	assert.Equal(t, int64(1), line.LineNumber)
}

func TestHistoryEviction(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{MaxHistory: 3}, nil, nil)
	for i := 0; i < 5; i++ {
		mux.Publish(ctx, "run_1", fmt.Sprintf("line %d", i+1))
	}
	history, err := mux.GetHistory(ctx, "run_1", 1)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(3), history[0].LineNumber)
	assert.Equal(t, int64(5), history[2].LineNumber)
}

func TestPersistSeedsLineNumbers(t *testing.T) {
	ctx := context.Background()
	persist := store.NewMemory()
	require.NoError(t, persist.AppendOutputLines(ctx, []domain.OutputLine{
		{StreamID: "run_1", LineNumber: 1, Content: "earlier process"},
		{StreamID: "run_1", LineNumber: 2, Content: "earlier process"},
	}))

	mux := NewMultiplexer(Options{Persist: persist}, nil, nil)
	mux.Publish(ctx, "run_1", "after restart")

	stored, err := persist.GetOutputLines(ctx, "run_1", 1)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, int64(3), stored[2].LineNumber)
	assert.Equal(t, "after restart", stored[2].Content)
}

func TestGetHistoryBackfillsFromStore(t *testing.T) {
	ctx := context.Background()
	persist := store.NewMemory()
	mux := NewMultiplexer(Options{MaxHistory: 2, Persist: persist}, nil, nil)
	for i := 0; i < 5; i++ {
		mux.Publish(ctx, "run_1", fmt.Sprintf("line %d", i+1))
	}

	// Memory retains 4..5 only; 1..3 come back from the store.
	history, err := mux.GetHistory(ctx, "run_1", 1)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, line := range history {
		assert.Equal(t, int64(i+1), line.LineNumber)
	}
}

func TestSubscribeBackfillsFromStore(t *testing.T) {
	ctx := context.Background()
	persist := store.NewMemory()
	mux := NewMultiplexer(Options{MaxHistory: 2, Persist: persist}, nil, nil)
	for i := 0; i < 4; i++ {
		mux.Publish(ctx, "run_1", fmt.Sprintf("line %d", i+1))
	}

	sub := mux.Subscribe(ctx, "run_1", 1)
	defer sub.Close()
	mux.MarkComplete("run_1")

	lines := collect(t, sub, 4)
	for i, line := range lines {
		assert.Equal(t, int64(i+1), line.LineNumber)
	}
	requireClosed(t, sub)
}

func TestCleanupOldStreams(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{Retention: time.Minute}, nil, nil)
	now := time.Now()
	mux.SetClock(func() time.Time { return now })

	mux.Publish(ctx, "run_old", "x")
	mux.MarkComplete("run_old")
	mux.Publish(ctx, "run_live", "x")

	assert.Empty(t, mux.CleanupOldStreams())

	now = now.Add(2 * time.Minute)
	removed := mux.CleanupOldStreams()
	assert.Equal(t, []string{"run_old"}, removed)

	// The live stream survives until completed and aged out.
	assert.Empty(t, mux.CleanupOldStreams())
}

func TestSubscribeContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mux := NewMultiplexer(Options{}, nil, nil)
	mux.Publish(context.Background(), "run_1", "a")

	sub := mux.Subscribe(ctx, "run_1", 1)
	collect(t, sub, 1)
	cancel()
	requireClosed(t, sub)
}

func TestCloseDuringPublishStorm(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{SubscriberBuffer: 1}, nil, nil)

	sub := mux.Subscribe(ctx, "run_1", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			mux.Publish(ctx, "run_1", fmt.Sprintf("line %d", i))
		}
	}()

	// Detaching mid-publish must not panic the publisher or lose the hub.
	sub.Close()
	<-done
	mux.MarkComplete("run_1")

	late := mux.Subscribe(ctx, "run_1", 499)
	lines := collect(t, late, 1)
	assert.Equal(t, int64(499), lines[0].LineNumber)
}

func TestConcurrentPublishersDeliverInOrder(t *testing.T) {
	ctx := context.Background()
	mux := NewMultiplexer(Options{SubscriberBuffer: 4096}, nil, nil)

	sub := mux.Subscribe(ctx, "run_1", 1)
	defer sub.Close()

	const publishers, perPublisher = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				mux.Publish(ctx, "run_1", "x")
			}
		}()
	}
	wg.Wait()
	mux.MarkComplete("run_1")

	lines := collect(t, sub, publishers*perPublisher)
	for i, line := range lines {
		require.Equal(t, int64(i+1), line.LineNumber)
	}
}
