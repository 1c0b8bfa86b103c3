package store

import (
	"context"
	"errors"

	"github.com/benchfleet/benchfleet/internal/model"
)

// ErrNotFound is returned when a suite or task does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a task state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrStaleReport is returned when a terminal report arrives for a task that is
// no longer held by the reporting worker (already terminal, requeued, or
// assigned elsewhere). Callers log and drop it; it never reaches the user.
var ErrStaleReport = errors.New("stale terminal report")

// TerminalReport carries everything a worker produces for one finished task.
// Assignee must match the task's current assignee for the report to apply;
// an empty Assignee marks a dispatcher-forced transition (workerLost, forced
// cancel) which bypasses the assignee guard.
type TerminalReport struct {
	TaskID          string
	Assignee        string
	State           string
	ExitCode        *int
	Output          string
	OutputTruncated bool
	BuildOutput     string
	Stats           *model.Stats
	FailReason      string
	Artifact        []byte
	ArtifactError   string
}

// Store is the durable registry of suites and tasks — the single source of
// truth the dispatcher and runners read from and write to.
type Store interface {
	// CreateSuite atomically inserts the suite and one task per command,
	// all in the created state.
	CreateSuite(ctx context.Context, s *model.Suite, commands []string) ([]*model.Task, error)
	GetSuite(ctx context.Context, id string) (*model.Suite, error)
	ListSuites(ctx context.Context) ([]*model.Suite, error)
	SetSuitePaused(ctx context.Context, id string, paused bool) error
	// DeleteSuite removes the suite row and, via cascade, its tasks.
	// Cancellation of in-flight tasks is the caller's job beforehand.
	DeleteSuite(ctx context.Context, id string) error

	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListSuiteTasks(ctx context.Context, suiteID string) ([]*model.Task, error)
	// ListSchedulable returns pending tasks of non-paused suites, oldest
	// first, excluding tasks flagged unschedulable or cancel-requested.
	ListSchedulable(ctx context.Context) ([]*model.Task, error)
	ListByState(ctx context.Context, state string) ([]*model.Task, error)

	// PromotePending moves created tasks of non-paused suites to pending.
	PromotePending(ctx context.Context) error
	// AssignTask transitions a pending task to assigned with the given
	// assignee. Fails with ErrInvalidTransition if the task is not pending.
	AssignTask(ctx context.Context, taskID, assignee string) error
	// RequeueTask gives an assigned task back to the pending queue.
	RequeueTask(ctx context.Context, taskID string) error
	MarkUnschedulable(ctx context.Context, taskID string) error
	// ClearUnschedulable re-arms flagged pending tasks, used when a worker
	// joins and admission must be re-checked against the new capacity.
	ClearUnschedulable(ctx context.Context) error

	// RequestCancel marks cancel intent. created/pending tasks become
	// cancelled immediately; assigned tasks keep their state with the
	// cancel_requested marker set until the kill is acknowledged. Returns
	// the task's state after the call.
	RequestCancel(ctx context.Context, taskID string) (string, error)
	ListCancelRequested(ctx context.Context) ([]*model.Task, error)

	// CompleteTask applies a terminal report exactly once. Duplicate or
	// stale reports return ErrStaleReport and change nothing.
	CompleteTask(ctx context.Context, rep TerminalReport) error
	// TouchTask refreshes updated_at on an assigned task, a liveness poke
	// while a long build or run is in progress.
	TouchTask(ctx context.Context, taskID string) error

	Close() error
}
