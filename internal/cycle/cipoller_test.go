package cycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
	"forge/internal/hosting"
	"forge/internal/store"
)

// fakeStatusSource serves scripted combined statuses per head SHA; the
// last entry repeats and unknown SHAs read as pending.
type fakeStatusSource struct {
	mu    sync.Mutex
	bySHA map[string][]*hosting.CombinedStatus
}

func (f *fakeStatusSource) CombinedStatus(_ context.Context, _, sha string) (*hosting.CombinedStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.bySHA[sha]
	if len(queue) == 0 {
		return &hosting.CombinedStatus{State: "pending"}, nil
	}
	status := queue[0]
	if len(queue) > 1 {
		f.bySHA[sha] = queue[1:]
	}
	return status, nil
}

func pendingStatus() *hosting.CombinedStatus {
	return &hosting.CombinedStatus{State: "pending"}
}

func successStatus() *hosting.CombinedStatus {
	return &hosting.CombinedStatus{State: "success", Statuses: []hosting.StatusCheck{{Context: "ci/test", State: "success"}}}
}

func failureStatus(desc string) *hosting.CombinedStatus {
	return &hosting.CombinedStatus{State: "failure", Statuses: []hosting.StatusCheck{{Context: "ci/test", State: "failure", Description: desc}}}
}

func TestCIPollerCompletesOnTerminalStatus(t *testing.T) {
	st := store.NewMemory()
	source := &fakeStatusSource{bySHA: map[string][]*hosting.CombinedStatus{
		"abc123": {pendingStatus(), successStatus()},
	}}
	poller := NewCIPoller(source, st, 5*time.Millisecond, time.Second, nil)

	results := make(chan domain.CIResult, 1)
	poller.Start(PollRequest{
		TaskID:       "task_1",
		RepoFullName: "acme/widgets",
		HeadSHA:      "abc123",
		OnComplete:   func(result domain.CIResult, _ *hosting.CombinedStatus) { results <- result },
		OnTimeout:    func() { t.Error("unexpected timeout") },
	})

	select {
	case result := <-results:
		assert.Equal(t, domain.CISuccess, result)
	case <-time.After(time.Second):
		t.Fatal("poll never completed")
	}
	require.Eventually(t, func() bool { return poller.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	// The wait record settled; nothing is left pending.
	pending, err := st.ListPendingCIChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCIPollerReportsFailureDetail(t *testing.T) {
	st := store.NewMemory()
	source := &fakeStatusSource{bySHA: map[string][]*hosting.CombinedStatus{
		"abc123": {failureStatus("TestFoo failed")},
	}}
	poller := NewCIPoller(source, st, 5*time.Millisecond, time.Second, nil)

	done := make(chan *hosting.CombinedStatus, 1)
	poller.Start(PollRequest{
		TaskID:       "task_1",
		RepoFullName: "acme/widgets",
		HeadSHA:      "abc123",
		OnComplete:   func(_ domain.CIResult, status *hosting.CombinedStatus) { done <- status },
	})

	select {
	case status := <-done:
		require.Len(t, status.FailedChecks(), 1)
	case <-time.After(time.Second):
		t.Fatal("poll never completed")
	}
}

func TestCIPollerTimeout(t *testing.T) {
	st := store.NewMemory()
	source := &fakeStatusSource{}
	poller := NewCIPoller(source, st, 5*time.Millisecond, 40*time.Millisecond, nil)

	timedOut := make(chan struct{})
	poller.Start(PollRequest{
		TaskID:       "task_1",
		RepoFullName: "acme/widgets",
		HeadSHA:      "abc123",
		OnComplete:   func(domain.CIResult, *hosting.CombinedStatus) { t.Error("unexpected completion") },
		OnTimeout:    func() { close(timedOut) },
	})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
	require.Eventually(t, func() bool { return poller.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	pending, err := st.ListPendingCIChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "a timed-out check must not stay pending")
}

func TestCIPollerNewPollSupersedesPrior(t *testing.T) {
	st := store.NewMemory()
	source := &fakeStatusSource{bySHA: map[string][]*hosting.CombinedStatus{
		"new-sha": {successStatus()},
	}}
	poller := NewCIPoller(source, st, 5*time.Millisecond, time.Minute, nil)

	poller.Start(PollRequest{
		TaskID:       "task_1",
		RepoFullName: "acme/widgets",
		HeadSHA:      "old-sha",
		OnComplete:   func(domain.CIResult, *hosting.CombinedStatus) { t.Error("superseded poll completed") },
		OnTimeout:    func() { t.Error("superseded poll timed out") },
	})
	assert.Equal(t, 1, poller.ActiveCount())

	results := make(chan domain.CIResult, 1)
	poller.Start(PollRequest{
		TaskID:       "task_1",
		RepoFullName: "acme/widgets",
		HeadSHA:      "new-sha",
		OnComplete:   func(result domain.CIResult, _ *hosting.CombinedStatus) { results <- result },
	})

	select {
	case result := <-results:
		assert.Equal(t, domain.CISuccess, result)
	case <-time.After(time.Second):
		t.Fatal("replacement poll never completed")
	}
	require.Eventually(t, func() bool { return poller.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCIPollerStop(t *testing.T) {
	st := store.NewMemory()
	poller := NewCIPoller(&fakeStatusSource{}, st, 5*time.Millisecond, time.Minute, nil)

	poller.Start(PollRequest{
		TaskID:       "task_1",
		RepoFullName: "acme/widgets",
		HeadSHA:      "abc123",
		OnComplete:   func(domain.CIResult, *hosting.CombinedStatus) { t.Error("stopped poll completed") },
		OnTimeout:    func() { t.Error("stopped poll timed out") },
	})
	poller.Stop("task_1")
	assert.Equal(t, 0, poller.ActiveCount())
}
