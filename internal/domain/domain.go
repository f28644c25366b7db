// Package domain defines the persistent records the orchestrator operates
// on: repositories, tasks, runs, reviews, pull requests, queue jobs, and
// autonomous cycle state.
package domain

import (
	"encoding/json"
	"time"
)

// CodingMode is the autonomy level of a task.
type CodingMode string

const (
	ModeInteractive CodingMode = "interactive"
	ModeSemiAuto    CodingMode = "semi-auto"
	ModeFullAuto    CodingMode = "full-auto"
)

// Autonomous reports whether the cycle engine drives this task.
func (m CodingMode) Autonomous() bool {
	return m == ModeSemiAuto || m == ModeFullAuto
}

// KanbanState is the board column a task rests in when idle.
type KanbanState string

const (
	KanbanBacklog  KanbanState = "backlog"
	KanbanTodo     KanbanState = "todo"
	KanbanArchived KanbanState = "archived"
)

// Repository is an immutable registration of a remote repository.
type Repository struct {
	ID              string    `json:"id"`
	RemoteURL       string    `json:"remote_url"`
	DefaultBranch   string    `json:"default_branch"`
	LocalMirrorPath string    `json:"local_mirror_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// FullName returns "owner/repo" derived from the remote URL, empty when the
// URL does not follow the host/owner/repo shape.
func (r Repository) FullName() string {
	return repoFullName(r.RemoteURL)
}

// Task is a long-lived container for a conversation and its work products.
type Task struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repository_id"`
	Title        string      `json:"title"`
	CodingMode   CodingMode  `json:"coding_mode"`
	KanbanState  KanbanState `json:"kanban_state"`
	// Workspaces maps executor kind to the reusable workspace path, at
	// most one per (task, executor) pair.
	Workspaces map[string]string `json:"workspaces,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ExecutorKind identifies which agent CLI executes a run.
type ExecutorKind string

const (
	ExecutorClaudeCode ExecutorKind = "claude-code"
	ExecutorCodexCLI   ExecutorKind = "codex-cli"
	ExecutorGeminiCLI  ExecutorKind = "gemini-cli"
	ExecutorPatchAgent ExecutorKind = "patch-agent"
)

// RunStatus is the lifecycle state of a Run or Review.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Run is a single agent execution against a workspace.
type Run struct {
	ID                  string       `json:"id"`
	TaskID              string       `json:"task_id"`
	TriggeringMessageID string       `json:"triggering_message_id,omitempty"`
	ExecutorKind        ExecutorKind `json:"executor_kind"`
	ModelProfileID      string       `json:"model_profile_id,omitempty"`
	Status              RunStatus    `json:"status"`
	Instruction         string       `json:"instruction"`
	BaseRef             string       `json:"base_ref"`
	WorkingBranch       string       `json:"working_branch,omitempty"`
	WorkspacePath       string       `json:"workspace_path,omitempty"`
	SessionID           string       `json:"session_id,omitempty"`
	CommitSHA           string       `json:"commit_sha,omitempty"`
	Patch               string       `json:"patch,omitempty"`
	FilesChanged        []string     `json:"files_changed,omitempty"`
	Summary             string       `json:"summary,omitempty"`
	Warnings            []string     `json:"warnings,omitempty"`
	Error               string       `json:"error,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	StartedAt           *time.Time   `json:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// FeedbackSeverity ranks review findings.
type FeedbackSeverity string

const (
	SeverityCritical FeedbackSeverity = "critical"
	SeverityHigh     FeedbackSeverity = "high"
	SeverityMedium   FeedbackSeverity = "medium"
	SeverityLow      FeedbackSeverity = "low"
)

// Blocking reports whether a finding of this severity forces a fix round.
func (s FeedbackSeverity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Feedback is one structured finding from a review verdict.
type Feedback struct {
	Severity    FeedbackSeverity `json:"severity"`
	Category    string           `json:"category"`
	FilePath    string           `json:"file_path"`
	LineStart   int              `json:"line_start,omitempty"`
	LineEnd     int              `json:"line_end,omitempty"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Suggestion  string           `json:"suggestion,omitempty"`
	CodeSnippet string           `json:"code_snippet,omitempty"`
}

// Review is an agent execution in read-only mode over one or more runs.
type Review struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	TargetRunIDs []string     `json:"target_run_ids"`
	ExecutorKind ExecutorKind `json:"executor_kind"`
	Status       RunStatus    `json:"status"`
	OverallScore *float64     `json:"overall_score,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	Feedbacks    []Feedback   `json:"feedbacks,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// BlockingFeedbacks returns the critical and high findings; when none
// exist, the remaining findings are returned instead so a fix round always
// has something actionable.
func (r *Review) BlockingFeedbacks() []Feedback {
	var blocking []Feedback
	for _, fb := range r.Feedbacks {
		if fb.Severity.Blocking() {
			blocking = append(blocking, fb)
		}
	}
	if len(blocking) > 0 {
		return blocking
	}
	return r.Feedbacks
}

// PullRequestStatus mirrors the hosting service's PR state.
type PullRequestStatus string

const (
	PROpen   PullRequestStatus = "open"
	PRMerged PullRequestStatus = "merged"
	PRClosed PullRequestStatus = "closed"
)

// PullRequest tracks the PR opened for a task's working branch.
type PullRequest struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	Number     int               `json:"number"`
	Branch     string            `json:"branch"`
	BaseBranch string            `json:"base_branch"`
	Title      string            `json:"title"`
	Body       string            `json:"body,omitempty"`
	HeadSHA    string            `json:"head_sha,omitempty"`
	Status     PullRequestStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// JobKind selects the handler a worker dispatches a job to.
type JobKind string

const (
	JobRunExecute    JobKind = "run-execute"
	JobReviewExecute JobKind = "review-execute"
)

// JobStatus is the queue-level state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether the job status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// Job is a durable queue record referencing a Run or Review.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	RefID       string          `json:"ref_id"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	AvailableAt time.Time       `json:"available_at"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PayloadMap decodes the opaque payload into a string map. A nil payload
// decodes to an empty map.
func (j *Job) PayloadMap() map[string]string {
	out := map[string]string{}
	if len(j.Payload) == 0 {
		return out
	}
	_ = json.Unmarshal(j.Payload, &out)
	return out
}

// EncodePayload marshals a string map into a job payload.
func EncodePayload(values map[string]string) json.RawMessage {
	if len(values) == 0 {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return raw
}

// CyclePhase is a state of the autonomous cycle machine.
type CyclePhase string

const (
	PhaseCoding        CyclePhase = "coding"
	PhaseWaitingCI     CyclePhase = "waiting-ci"
	PhaseFixingCI      CyclePhase = "fixing-ci"
	PhaseReviewing     CyclePhase = "reviewing"
	PhaseFixingReview  CyclePhase = "fixing-review"
	PhaseAwaitingHuman CyclePhase = "awaiting-human"
	PhaseMergeCheck    CyclePhase = "merge-check"
	PhaseMerging       CyclePhase = "merging"
	PhaseCompleted     CyclePhase = "completed"
	PhaseFailed        CyclePhase = "failed"
)

// IsTerminal reports whether the phase ends the cycle.
func (p CyclePhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CIResult is the terminal outcome of a CI poll.
type CIResult string

const (
	CISuccess CIResult = "success"
	CIFailure CIResult = "failure"
	CIError   CIResult = "error"
	CIPending CIResult = "pending"
)

// Terminal reports whether the CI result ends polling.
func (r CIResult) Terminal() bool {
	return r == CISuccess || r == CIFailure || r == CIError
}

// CICheck records one CI wait for a head SHA. Pending checks belong to a
// live poller; a crashed process leaves them behind until an admin reset.
type CICheck struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	HeadSHA   string    `json:"head_sha"`
	Result    CIResult  `json:"result"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CycleState is the singleton-per-task autonomous cycle record.
type CycleState struct {
	TaskID           string     `json:"task_id"`
	Mode             CodingMode `json:"mode"`
	Phase            CyclePhase `json:"phase"`
	Iteration        int        `json:"iteration"`
	CIIterations     int        `json:"ci_iterations"`
	ReviewIterations int        `json:"review_iterations"`
	PRNumber         int        `json:"pr_number,omitempty"`
	CurrentHeadSHA   string     `json:"current_head_sha,omitempty"`
	LastCIResult     CIResult   `json:"last_ci_result,omitempty"`
	LastReviewScore  *float64   `json:"last_review_score,omitempty"`
	HumanApproved    bool       `json:"human_approved"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
}

// OutputLine is one line of agent output belonging to a stream (the run or
// review id). Line numbers are strictly increasing per stream.
type OutputLine struct {
	StreamID   string    `json:"stream_id"`
	LineNumber int64     `json:"line_number"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}
