package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"forge/internal/domain"
)

// Memory implements Store on maps. Used by tests of the layers above.
type Memory struct {
	mu           sync.Mutex
	repositories map[string]*domain.Repository
	tasks        map[string]*domain.Task
	runs         map[string]*domain.Run
	reviews      map[string]*domain.Review
	pullRequests map[string]*domain.PullRequest // keyed by task id
	cycles       map[string]*domain.CycleState
	ciChecks     map[string]*domain.CICheck
	outputs      map[string][]domain.OutputLine
}

func NewMemory() *Memory {
	return &Memory{
		repositories: map[string]*domain.Repository{},
		tasks:        map[string]*domain.Task{},
		runs:         map[string]*domain.Run{},
		reviews:      map[string]*domain.Review{},
		pullRequests: map[string]*domain.PullRequest{},
		cycles:       map[string]*domain.CycleState{},
		ciChecks:     map[string]*domain.CICheck{},
		outputs:      map[string][]domain.OutputLine{},
	}
}

func (m *Memory) CreateRepository(_ context.Context, repo *domain.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}
	cp := *repo
	m.repositories[repo.ID] = &cp
	return nil
}

func (m *Memory) GetRepository(_ context.Context, id string) (*domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repositories[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

func (m *Memory) ListRepositories(_ context.Context) ([]*domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Repository
	for _, repo := range m.repositories {
		cp := *repo
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateTask(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

func (m *Memory) UpdateTask(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *Memory) ListTasks(_ context.Context, repositoryID string) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, task := range m.tasks {
		if repositoryID != "" && task.RepositoryID != repositoryID {
			continue
		}
		out = append(out, copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetTaskWorkspace(_ context.Context, taskID string, executor domain.ExecutorKind, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Workspaces == nil {
		task.Workspaces = map[string]string{}
	}
	task.Workspaces[string(executor)] = path
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreateRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (m *Memory) UpdateRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) ListRunsByTask(_ context.Context, taskID string) ([]*domain.Run, error) {
	return m.listRuns(func(r *domain.Run) bool { return r.TaskID == taskID })
}

func (m *Memory) ListRunsByStatus(_ context.Context, status domain.RunStatus) ([]*domain.Run, error) {
	return m.listRuns(func(r *domain.Run) bool { return r.Status == status })
}

func (m *Memory) listRuns(match func(*domain.Run) bool) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, run := range m.runs {
		if match(run) {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateReview(_ context.Context, review *domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	m.reviews[review.ID] = copyReview(review)
	return nil
}

func (m *Memory) GetReview(_ context.Context, id string) (*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReview(review), nil
}

func (m *Memory) UpdateReview(_ context.Context, review *domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[review.ID]; !ok {
		return ErrNotFound
	}
	m.reviews[review.ID] = copyReview(review)
	return nil
}

func (m *Memory) ListReviewsByTask(_ context.Context, taskID string) ([]*domain.Review, error) {
	return m.listReviews(func(r *domain.Review) bool { return r.TaskID == taskID })
}

func (m *Memory) ListReviewsByStatus(_ context.Context, status domain.RunStatus) ([]*domain.Review, error) {
	return m.listReviews(func(r *domain.Review) bool { return r.Status == status })
}

func (m *Memory) listReviews(match func(*domain.Review) bool) ([]*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Review
	for _, review := range m.reviews {
		if match(review) {
			out = append(out, copyReview(review))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpsertPullRequest(_ context.Context, pr *domain.PullRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	pr.UpdatedAt = now
	cp := *pr
	m.pullRequests[pr.TaskID] = &cp
	return nil
}

func (m *Memory) GetPullRequestByTask(_ context.Context, taskID string) (*domain.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.pullRequests[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (m *Memory) SaveCycleState(_ context.Context, state *domain.CycleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	if state.LastActivityAt.IsZero() {
		state.LastActivityAt = now
	}
	cp := *state
	m.cycles[state.TaskID] = &cp
	return nil
}

func (m *Memory) GetCycleState(_ context.Context, taskID string) (*domain.CycleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.cycles[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *state
	return &cp, nil
}

func (m *Memory) ListActiveCycles(_ context.Context) ([]*domain.CycleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CycleState
	for _, state := range m.cycles {
		if state.Phase.IsTerminal() {
			continue
		}
		cp := *state
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) DeleteCycleState(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cycles, taskID)
	return nil
}

func (m *Memory) CreateCICheck(_ context.Context, check *domain.CICheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if check.CreatedAt.IsZero() {
		check.CreatedAt = now
	}
	check.UpdatedAt = now
	cp := *check
	m.ciChecks[check.ID] = &cp
	return nil
}

func (m *Memory) UpdateCICheck(_ context.Context, check *domain.CICheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ciChecks[check.ID]; !ok {
		return ErrNotFound
	}
	check.UpdatedAt = time.Now().UTC()
	cp := *check
	m.ciChecks[check.ID] = &cp
	return nil
}

func (m *Memory) GetCICheck(_ context.Context, id string) (*domain.CICheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	check, ok := m.ciChecks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *check
	return &cp, nil
}

func (m *Memory) ListPendingCIChecks(_ context.Context) ([]*domain.CICheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CICheck
	for _, check := range m.ciChecks {
		if check.Result == domain.CIPending {
			cp := *check
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendOutputLines(_ context.Context, lines []domain.OutputLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range lines {
		m.outputs[line.StreamID] = append(m.outputs[line.StreamID], line)
	}
	return nil
}

func (m *Memory) GetOutputLines(_ context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutputLine
	for _, line := range m.outputs[streamID] {
		if line.LineNumber >= fromLine {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

func (m *Memory) MaxOutputLine(_ context.Context, streamID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, line := range m.outputs[streamID] {
		if line.LineNumber > max {
			max = line.LineNumber
		}
	}
	return max, nil
}

func (m *Memory) DeleteOutputStreams(_ context.Context, streamIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for _, id := range streamIDs {
		deleted += int64(len(m.outputs[id]))
		delete(m.outputs, id)
	}
	return deleted, nil
}

func copyTask(task *domain.Task) *domain.Task {
	cp := *task
	if task.Workspaces != nil {
		cp.Workspaces = make(map[string]string, len(task.Workspaces))
		for k, v := range task.Workspaces {
			cp.Workspaces[k] = v
		}
	}
	return &cp
}

func copyRun(run *domain.Run) *domain.Run {
	cp := *run
	cp.FilesChanged = append([]string(nil), run.FilesChanged...)
	cp.Warnings = append([]string(nil), run.Warnings...)
	return &cp
}

func copyReview(review *domain.Review) *domain.Review {
	cp := *review
	cp.TargetRunIDs = append([]string(nil), review.TargetRunIDs...)
	cp.Feedbacks = append([]domain.Feedback(nil), review.Feedbacks...)
	return &cp
}

var _ Store = (*Memory)(nil)
