package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"forge/internal/domain"
	"forge/internal/id"
)

// memoryJob tracks the lease deadline alongside the job record; the
// relational backend derives it from locked_at instead.
type memoryJob struct {
	job           domain.Job
	leaseDeadline time.Time
}

// Memory is an in-process Queue for tests and single-binary development.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
	now  func() time.Time
	seq  int64
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memoryJob), now: time.Now}
}

// SetClock overrides the time source; test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Enqueue(_ context.Context, params EnqueueParams) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	m.seq++
	job := domain.Job{
		ID:          id.NewJobID(),
		Kind:        params.Kind,
		RefID:       params.RefID,
		Status:      domain.JobQueued,
		Payload:     domain.EncodePayload(params.Payload),
		MaxAttempts: maxAttempts,
		Priority:    params.Priority,
		AvailableAt: now.Add(params.Delay),
		// Preserve insertion order even when the clock is frozen.
		CreatedAt: now.Add(time.Duration(m.seq) * time.Nanosecond),
		UpdatedAt: now,
	}
	m.jobs[job.ID] = &memoryJob{job: job}
	out := job
	return &out, nil
}

func (m *Memory) Dequeue(_ context.Context, workerID string, visibility time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var candidates []*memoryJob
	for _, entry := range m.jobs {
		switch entry.job.Status {
		case domain.JobQueued:
			if !entry.job.AvailableAt.After(now) {
				candidates = append(candidates, entry)
			}
		case domain.JobRunning:
			if entry.leaseDeadline.Before(now) {
				candidates = append(candidates, entry)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].job, candidates[j].job
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	entry := candidates[0]
	lockedAt := now
	entry.job.Status = domain.JobRunning
	entry.job.Attempts++
	entry.job.LockedAt = &lockedAt
	entry.job.LockedBy = workerID
	entry.job.UpdatedAt = now
	entry.leaseDeadline = now.Add(visibility)

	out := entry.job
	return &out, nil
}

func (m *Memory) Complete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	entry.job.Status = domain.JobSucceeded
	entry.job.LockedAt = nil
	entry.job.LockedBy = ""
	entry.job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Fail(_ context.Context, jobID string, errText string, retryDelay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	entry.job.LastError = errText
	entry.job.LockedAt = nil
	entry.job.LockedBy = ""
	entry.job.UpdatedAt = now
	if entry.job.Attempts < entry.job.MaxAttempts {
		entry.job.Status = domain.JobQueued
		entry.job.AvailableAt = now.Add(retryDelay)
	} else {
		entry.job.Status = domain.JobFailed
	}
	return nil
}

func (m *Memory) FailPermanent(_ context.Context, jobID string, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	entry.job.Status = domain.JobFailed
	entry.job.LastError = errText
	entry.job.LockedAt = nil
	entry.job.LockedBy = ""
	entry.job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Cancel(_ context.Context, jobID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if entry.job.Status.IsTerminal() {
		return nil
	}
	entry.job.Status = domain.JobCanceled
	if reason != "" {
		entry.job.LastError = reason
	}
	entry.job.LockedAt = nil
	entry.job.LockedBy = ""
	entry.job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := entry.job
	return &out, nil
}

func (m *Memory) LatestByRef(_ context.Context, kind domain.JobKind, refID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *memoryJob
	for _, entry := range m.jobs {
		if entry.job.Kind != kind || entry.job.RefID != refID {
			continue
		}
		if latest == nil || entry.job.CreatedAt.After(latest.job.CreatedAt) {
			latest = entry
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := latest.job
	return &out, nil
}

func (m *Memory) CancelQueuedByRef(_ context.Context, kind domain.JobKind, refID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	canceled := 0
	now := m.now()
	for _, entry := range m.jobs {
		if entry.job.Kind != kind || entry.job.RefID != refID {
			continue
		}
		if entry.job.Status != domain.JobQueued {
			continue
		}
		entry.job.Status = domain.JobCanceled
		entry.job.UpdatedAt = now
		canceled++
	}
	return canceled, nil
}

func (m *Memory) ExtendVisibility(_ context.Context, jobID string, additional time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if entry.job.Status != domain.JobRunning {
		return nil
	}
	entry.leaseDeadline = entry.leaseDeadline.Add(additional)
	entry.job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) FailAllRunning(_ context.Context, errText string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := 0
	now := m.now()
	for _, entry := range m.jobs {
		if entry.job.Status != domain.JobRunning {
			continue
		}
		entry.job.Status = domain.JobFailed
		entry.job.LastError = errText
		entry.job.LockedAt = nil
		entry.job.LockedBy = ""
		entry.job.UpdatedAt = now
		failed++
	}
	return failed, nil
}

func (m *Memory) Depth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	for _, entry := range m.jobs {
		if !entry.job.Status.IsTerminal() {
			depth++
		}
	}
	return depth, nil
}
