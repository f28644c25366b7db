package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"forge/internal/domain"
	"forge/internal/logging"
)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, logger logging.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logging.OrNop(logger)}
}

// EnsureSchema creates every table the store uses.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS forge_repositories (
			id                TEXT PRIMARY KEY,
			remote_url        TEXT NOT NULL,
			default_branch    TEXT NOT NULL,
			local_mirror_path TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS forge_tasks (
			id            TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			title         TEXT NOT NULL,
			coding_mode   TEXT NOT NULL,
			kanban_state  TEXT NOT NULL,
			workspaces    JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forge_tasks_repo ON forge_tasks (repository_id)`,
		`CREATE TABLE IF NOT EXISTS forge_runs (
			id                    TEXT PRIMARY KEY,
			task_id               TEXT NOT NULL,
			triggering_message_id TEXT NOT NULL DEFAULT '',
			executor_kind         TEXT NOT NULL,
			model_profile_id      TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			instruction           TEXT NOT NULL,
			base_ref              TEXT NOT NULL,
			working_branch        TEXT NOT NULL DEFAULT '',
			workspace_path        TEXT NOT NULL DEFAULT '',
			session_id            TEXT NOT NULL DEFAULT '',
			commit_sha            TEXT NOT NULL DEFAULT '',
			patch                 TEXT NOT NULL DEFAULT '',
			files_changed         JSONB NOT NULL DEFAULT '[]'::jsonb,
			summary               TEXT NOT NULL DEFAULT '',
			warnings              JSONB NOT NULL DEFAULT '[]'::jsonb,
			error                 TEXT NOT NULL DEFAULT '',
			created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at            TIMESTAMPTZ,
			completed_at          TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forge_runs_task ON forge_runs (task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_forge_runs_status ON forge_runs (status)`,
		`CREATE TABLE IF NOT EXISTS forge_reviews (
			id             TEXT PRIMARY KEY,
			task_id        TEXT NOT NULL,
			target_run_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
			executor_kind  TEXT NOT NULL,
			status         TEXT NOT NULL,
			overall_score  DOUBLE PRECISION,
			summary        TEXT NOT NULL DEFAULT '',
			feedbacks      JSONB NOT NULL DEFAULT '[]'::jsonb,
			session_id     TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at     TIMESTAMPTZ,
			completed_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forge_reviews_task ON forge_reviews (task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_forge_reviews_status ON forge_reviews (status)`,
		`CREATE TABLE IF NOT EXISTS forge_pull_requests (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL UNIQUE,
			number      INTEGER NOT NULL,
			branch      TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			title       TEXT NOT NULL,
			body        TEXT NOT NULL DEFAULT '',
			head_sha    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS forge_cycle_states (
			task_id           TEXT PRIMARY KEY,
			mode              TEXT NOT NULL,
			phase             TEXT NOT NULL,
			iteration         INTEGER NOT NULL DEFAULT 0,
			ci_iterations     INTEGER NOT NULL DEFAULT 0,
			review_iterations INTEGER NOT NULL DEFAULT 0,
			pr_number         INTEGER NOT NULL DEFAULT 0,
			current_head_sha  TEXT NOT NULL DEFAULT '',
			last_ci_result    TEXT NOT NULL DEFAULT '',
			last_review_score DOUBLE PRECISION,
			human_approved    BOOLEAN NOT NULL DEFAULT FALSE,
			error             TEXT NOT NULL DEFAULT '',
			started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS forge_ci_checks (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			head_sha   TEXT NOT NULL,
			result     TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forge_ci_checks_result ON forge_ci_checks (result)`,
		`CREATE TABLE IF NOT EXISTS forge_output_lines (
			stream_id   TEXT NOT NULL,
			line_number BIGINT NOT NULL,
			content     TEXT NOT NULL,
			ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (stream_id, line_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure store schema: %w", err)
		}
	}
	return nil
}

// --- repositories ---

func (s *Postgres) CreateRepository(ctx context.Context, repo *domain.Repository) error {
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forge_repositories (id, remote_url, default_branch, local_mirror_path, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		repo.ID, repo.RemoteURL, repo.DefaultBranch, repo.LocalMirrorPath, repo.CreatedAt)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

func (s *Postgres) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, remote_url, default_branch, local_mirror_path, created_at
		FROM forge_repositories WHERE id = $1`, id)
	var repo domain.Repository
	err := row.Scan(&repo.ID, &repo.RemoteURL, &repo.DefaultBranch, &repo.LocalMirrorPath, &repo.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &repo, nil
}

func (s *Postgres) ListRepositories(ctx context.Context) ([]*domain.Repository, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, remote_url, default_branch, local_mirror_path, created_at
		FROM forge_repositories ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*domain.Repository
	for rows.Next() {
		var repo domain.Repository
		if err := rows.Scan(&repo.ID, &repo.RemoteURL, &repo.DefaultBranch, &repo.LocalMirrorPath, &repo.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, &repo)
	}
	return out, rows.Err()
}

// --- tasks ---

func (s *Postgres) CreateTask(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	workspaces, err := marshalMap(task.Workspaces)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO forge_tasks (id, repository_id, title, coding_mode, kanban_state, workspaces, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.RepositoryID, task.Title, task.CodingMode, task.KanbanState, workspaces, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, repository_id, title, coding_mode, kanban_state, workspaces, created_at, updated_at
		FROM forge_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Postgres) UpdateTask(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	workspaces, err := marshalMap(task.Workspaces)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE forge_tasks
		SET title = $2, coding_mode = $3, kanban_state = $4, workspaces = $5, updated_at = $6
		WHERE id = $1`,
		task.ID, task.Title, task.CodingMode, task.KanbanState, workspaces, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListTasks(ctx context.Context, repositoryID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, repository_id, title, coding_mode, kanban_state, workspaces, created_at, updated_at
		FROM forge_tasks WHERE ($1 = '' OR repository_id = $1) ORDER BY created_at`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Postgres) SetTaskWorkspace(ctx context.Context, taskID string, executor domain.ExecutorKind, path string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forge_tasks
		SET workspaces = workspaces || jsonb_build_object($2::text, $3::text), updated_at = now()
		WHERE id = $1`, taskID, string(executor), path)
	if err != nil {
		return fmt.Errorf("set task workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var workspaces []byte
	err := row.Scan(&task.ID, &task.RepositoryID, &task.Title, &task.CodingMode, &task.KanbanState,
		&workspaces, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if len(workspaces) > 0 {
		if err := json.Unmarshal(workspaces, &task.Workspaces); err != nil {
			return nil, fmt.Errorf("decode task workspaces: %w", err)
		}
	}
	return &task, nil
}

// --- runs ---

const runColumns = `id, task_id, triggering_message_id, executor_kind, model_profile_id, status,
	instruction, base_ref, working_branch, workspace_path, session_id, commit_sha, patch,
	files_changed, summary, warnings, error, created_at, started_at, completed_at`

func (s *Postgres) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	filesChanged, err := marshalSlice(run.FilesChanged)
	if err != nil {
		return err
	}
	warnings, err := marshalSlice(run.Warnings)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO forge_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		run.ID, run.TaskID, run.TriggeringMessageID, run.ExecutorKind, run.ModelProfileID, run.Status,
		run.Instruction, run.BaseRef, run.WorkingBranch, run.WorkspacePath, run.SessionID, run.CommitSHA, run.Patch,
		filesChanged, run.Summary, warnings, run.Error, run.CreatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM forge_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *Postgres) UpdateRun(ctx context.Context, run *domain.Run) error {
	filesChanged, err := marshalSlice(run.FilesChanged)
	if err != nil {
		return err
	}
	warnings, err := marshalSlice(run.Warnings)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE forge_runs
		SET status = $2, working_branch = $3, workspace_path = $4, session_id = $5, commit_sha = $6,
			patch = $7, files_changed = $8, summary = $9, warnings = $10, error = $11,
			started_at = $12, completed_at = $13
		WHERE id = $1`,
		run.ID, run.Status, run.WorkingBranch, run.WorkspacePath, run.SessionID, run.CommitSHA,
		run.Patch, filesChanged, run.Summary, warnings, run.Error, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListRunsByTask(ctx context.Context, taskID string) ([]*domain.Run, error) {
	return s.listRuns(ctx, `SELECT `+runColumns+` FROM forge_runs WHERE task_id = $1 ORDER BY created_at`, taskID)
}

func (s *Postgres) ListRunsByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Run, error) {
	return s.listRuns(ctx, `SELECT `+runColumns+` FROM forge_runs WHERE status = $1 ORDER BY created_at`, string(status))
}

func (s *Postgres) listRuns(ctx context.Context, query string, arg string) ([]*domain.Run, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var filesChanged, warnings []byte
	err := row.Scan(&run.ID, &run.TaskID, &run.TriggeringMessageID, &run.ExecutorKind, &run.ModelProfileID,
		&run.Status, &run.Instruction, &run.BaseRef, &run.WorkingBranch, &run.WorkspacePath, &run.SessionID,
		&run.CommitSHA, &run.Patch, &filesChanged, &run.Summary, &warnings, &run.Error,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := unmarshalSlice(filesChanged, &run.FilesChanged); err != nil {
		return nil, err
	}
	if err := unmarshalSlice(warnings, &run.Warnings); err != nil {
		return nil, err
	}
	return &run, nil
}

// --- reviews ---

const reviewColumns = `id, task_id, target_run_ids, executor_kind, status, overall_score,
	summary, feedbacks, session_id, error, created_at, started_at, completed_at`

func (s *Postgres) CreateReview(ctx context.Context, review *domain.Review) error {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	targets, err := marshalSlice(review.TargetRunIDs)
	if err != nil {
		return err
	}
	feedbacks, err := marshalFeedbacks(review.Feedbacks)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO forge_reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		review.ID, review.TaskID, targets, review.ExecutorKind, review.Status, review.OverallScore,
		review.Summary, feedbacks, review.SessionID, review.Error, review.CreatedAt, review.StartedAt, review.CompletedAt)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

func (s *Postgres) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM forge_reviews WHERE id = $1`, id)
	return scanReview(row)
}

func (s *Postgres) UpdateReview(ctx context.Context, review *domain.Review) error {
	feedbacks, err := marshalFeedbacks(review.Feedbacks)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE forge_reviews
		SET status = $2, overall_score = $3, summary = $4, feedbacks = $5, session_id = $6,
			error = $7, started_at = $8, completed_at = $9
		WHERE id = $1`,
		review.ID, review.Status, review.OverallScore, review.Summary, feedbacks, review.SessionID,
		review.Error, review.StartedAt, review.CompletedAt)
	if err != nil {
		return fmt.Errorf("update review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListReviewsByTask(ctx context.Context, taskID string) ([]*domain.Review, error) {
	return s.listReviews(ctx, `SELECT `+reviewColumns+` FROM forge_reviews WHERE task_id = $1 ORDER BY created_at`, taskID)
}

func (s *Postgres) ListReviewsByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Review, error) {
	return s.listReviews(ctx, `SELECT `+reviewColumns+` FROM forge_reviews WHERE status = $1 ORDER BY created_at`, string(status))
}

func (s *Postgres) listReviews(ctx context.Context, query string, arg string) ([]*domain.Review, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []*domain.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, review)
	}
	return out, rows.Err()
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var review domain.Review
	var targets, feedbacks []byte
	err := row.Scan(&review.ID, &review.TaskID, &targets, &review.ExecutorKind, &review.Status,
		&review.OverallScore, &review.Summary, &feedbacks, &review.SessionID, &review.Error,
		&review.CreatedAt, &review.StartedAt, &review.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan review: %w", err)
	}
	if err := unmarshalSlice(targets, &review.TargetRunIDs); err != nil {
		return nil, err
	}
	if len(feedbacks) > 0 {
		if err := json.Unmarshal(feedbacks, &review.Feedbacks); err != nil {
			return nil, fmt.Errorf("decode review feedbacks: %w", err)
		}
	}
	return &review, nil
}

// --- pull requests ---

func (s *Postgres) UpsertPullRequest(ctx context.Context, pr *domain.PullRequest) error {
	now := time.Now().UTC()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	pr.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forge_pull_requests (id, task_id, number, branch, base_branch, title, body, head_sha, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE
		SET number = EXCLUDED.number, branch = EXCLUDED.branch, base_branch = EXCLUDED.base_branch,
			title = EXCLUDED.title, body = EXCLUDED.body, head_sha = EXCLUDED.head_sha,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		pr.ID, pr.TaskID, pr.Number, pr.Branch, pr.BaseBranch, pr.Title, pr.Body, pr.HeadSHA, pr.Status, pr.CreatedAt, pr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pull request: %w", err)
	}
	return nil
}

func (s *Postgres) GetPullRequestByTask(ctx context.Context, taskID string) (*domain.PullRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, number, branch, base_branch, title, body, head_sha, status, created_at, updated_at
		FROM forge_pull_requests WHERE task_id = $1`, taskID)
	var pr domain.PullRequest
	err := row.Scan(&pr.ID, &pr.TaskID, &pr.Number, &pr.Branch, &pr.BaseBranch, &pr.Title, &pr.Body,
		&pr.HeadSHA, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	return &pr, nil
}

// --- cycle states ---

func (s *Postgres) SaveCycleState(ctx context.Context, state *domain.CycleState) error {
	if state.StartedAt.IsZero() {
		state.StartedAt = time.Now().UTC()
	}
	if state.LastActivityAt.IsZero() {
		state.LastActivityAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forge_cycle_states (task_id, mode, phase, iteration, ci_iterations, review_iterations,
			pr_number, current_head_sha, last_ci_result, last_review_score, human_approved, error,
			started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE
		SET mode = EXCLUDED.mode, phase = EXCLUDED.phase, iteration = EXCLUDED.iteration,
			ci_iterations = EXCLUDED.ci_iterations, review_iterations = EXCLUDED.review_iterations,
			pr_number = EXCLUDED.pr_number, current_head_sha = EXCLUDED.current_head_sha,
			last_ci_result = EXCLUDED.last_ci_result, last_review_score = EXCLUDED.last_review_score,
			human_approved = EXCLUDED.human_approved, error = EXCLUDED.error,
			last_activity_at = EXCLUDED.last_activity_at`,
		state.TaskID, state.Mode, state.Phase, state.Iteration, state.CIIterations, state.ReviewIterations,
		state.PRNumber, state.CurrentHeadSHA, state.LastCIResult, state.LastReviewScore, state.HumanApproved,
		state.Error, state.StartedAt, state.LastActivityAt)
	if err != nil {
		return fmt.Errorf("save cycle state: %w", err)
	}
	return nil
}

func (s *Postgres) GetCycleState(ctx context.Context, taskID string) (*domain.CycleState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT task_id, mode, phase, iteration, ci_iterations, review_iterations, pr_number,
			current_head_sha, last_ci_result, last_review_score, human_approved, error,
			started_at, last_activity_at
		FROM forge_cycle_states WHERE task_id = $1`, taskID)
	return scanCycleState(row)
}

func (s *Postgres) ListActiveCycles(ctx context.Context) ([]*domain.CycleState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, mode, phase, iteration, ci_iterations, review_iterations, pr_number,
			current_head_sha, last_ci_result, last_review_score, human_approved, error,
			started_at, last_activity_at
		FROM forge_cycle_states WHERE phase NOT IN ('completed', 'failed') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list active cycles: %w", err)
	}
	defer rows.Close()

	var out []*domain.CycleState
	for rows.Next() {
		state, err := scanCycleState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteCycleState(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM forge_cycle_states WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete cycle state: %w", err)
	}
	return nil
}

func scanCycleState(row pgx.Row) (*domain.CycleState, error) {
	var state domain.CycleState
	err := row.Scan(&state.TaskID, &state.Mode, &state.Phase, &state.Iteration, &state.CIIterations,
		&state.ReviewIterations, &state.PRNumber, &state.CurrentHeadSHA, &state.LastCIResult,
		&state.LastReviewScore, &state.HumanApproved, &state.Error, &state.StartedAt, &state.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cycle state: %w", err)
	}
	return &state, nil
}

// --- ci checks ---

func (s *Postgres) CreateCICheck(ctx context.Context, check *domain.CICheck) error {
	now := time.Now().UTC()
	if check.CreatedAt.IsZero() {
		check.CreatedAt = now
	}
	check.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forge_ci_checks (id, task_id, head_sha, result, detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		check.ID, check.TaskID, check.HeadSHA, check.Result, check.Detail, check.CreatedAt, check.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create ci check: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateCICheck(ctx context.Context, check *domain.CICheck) error {
	check.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE forge_ci_checks SET result = $2, detail = $3, updated_at = $4 WHERE id = $1`,
		check.ID, check.Result, check.Detail, check.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update ci check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetCICheck(ctx context.Context, id string) (*domain.CICheck, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, head_sha, result, detail, created_at, updated_at
		FROM forge_ci_checks WHERE id = $1`, id)
	var check domain.CICheck
	err := row.Scan(&check.ID, &check.TaskID, &check.HeadSHA, &check.Result, &check.Detail, &check.CreatedAt, &check.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ci check: %w", err)
	}
	return &check, nil
}

func (s *Postgres) ListPendingCIChecks(ctx context.Context) ([]*domain.CICheck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, head_sha, result, detail, created_at, updated_at
		FROM forge_ci_checks WHERE result = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending ci checks: %w", err)
	}
	defer rows.Close()

	var out []*domain.CICheck
	for rows.Next() {
		var check domain.CICheck
		if err := rows.Scan(&check.ID, &check.TaskID, &check.HeadSHA, &check.Result, &check.Detail,
			&check.CreatedAt, &check.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ci check: %w", err)
		}
		out = append(out, &check)
	}
	return out, rows.Err()
}

// --- output lines ---

func (s *Postgres) AppendOutputLines(ctx context.Context, lines []domain.OutputLine) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`
			INSERT INTO forge_output_lines (stream_id, line_number, content, ts)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stream_id, line_number) DO NOTHING`,
			line.StreamID, line.LineNumber, line.Content, line.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append output lines: %w", err)
	}
	return nil
}

func (s *Postgres) GetOutputLines(ctx context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_id, line_number, content, ts
		FROM forge_output_lines WHERE stream_id = $1 AND line_number >= $2 ORDER BY line_number`,
		streamID, fromLine)
	if err != nil {
		return nil, fmt.Errorf("get output lines: %w", err)
	}
	defer rows.Close()

	var out []domain.OutputLine
	for rows.Next() {
		var line domain.OutputLine
		if err := rows.Scan(&line.StreamID, &line.LineNumber, &line.Content, &line.Timestamp); err != nil {
			return nil, fmt.Errorf("scan output line: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *Postgres) MaxOutputLine(ctx context.Context, streamID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(line_number), 0) FROM forge_output_lines WHERE stream_id = $1`, streamID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max output line: %w", err)
	}
	return max, nil
}

func (s *Postgres) DeleteOutputStreams(ctx context.Context, streamIDs []string) (int64, error) {
	if len(streamIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM forge_output_lines WHERE stream_id = ANY($1)`, streamIDs)
	if err != nil {
		return 0, fmt.Errorf("delete output streams: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- helpers ---

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}
	return raw, nil
}

func marshalSlice(values []string) ([]byte, error) {
	if values == nil {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode slice: %w", err)
	}
	return raw, nil
}

func unmarshalSlice(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode slice: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

func marshalFeedbacks(fbs []domain.Feedback) ([]byte, error) {
	if fbs == nil {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(fbs)
	if err != nil {
		return nil, fmt.Errorf("encode feedbacks: %w", err)
	}
	return raw, nil
}
