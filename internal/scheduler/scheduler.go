// Package scheduler is the dispatcher: it drains the pending queue in FIFO
// order, places each task on the live worker whose remaining capacity leaves
// the least slack, and owns the reservation lifecycle from assignment to the
// terminal report.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/internal/events"
	"github.com/benchfleet/benchfleet/internal/ledger"
	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/runner"
	"github.com/benchfleet/benchfleet/internal/store"
)

// Executor is the dispatcher's view of one worker's execution engine.
// Start must return immediately and tolerate duplicate delivery of a task.
type Executor interface {
	ID() string
	Capacity() model.Capacity
	Start(req runner.Request)
	Cancel(taskID string)
}

// Config tunes the dispatcher loop.
type Config struct {
	// SweepInterval bounds how long the loop sleeps between passes when no
	// kick arrives.
	SweepInterval time.Duration
	// HeartbeatThreshold is how stale a worker's heartbeat may be before its
	// assigned tasks are written off as workerLost.
	HeartbeatThreshold time.Duration
	// CancelGrace is how long a cancelled task's process gets to die before
	// the dispatcher forces the terminal transition without a worker report.
	CancelGrace time.Duration
}

func (c *Config) withDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.HeartbeatThreshold <= 0 {
		c.HeartbeatThreshold = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
}

// Scheduler dispatches pending tasks onto registered workers and applies
// their terminal reports to the registry.
type Scheduler struct {
	cfg     Config
	store   store.Store
	ledger  *ledger.Ledger
	broker  *events.Broker
	logger  *slog.Logger
	metrics *Metrics

	kick chan struct{}

	mu              sync.Mutex
	executors       map[string]Executor
	reservations    map[string]*ledger.Reservation
	cancelDeadlines map[string]time.Time
}

// New creates a dispatcher. Call AddWorker for each execution engine, then
// Run in its own goroutine.
func New(cfg Config, st store.Store, led *ledger.Ledger, broker *events.Broker, metrics *Metrics, logger *slog.Logger) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		cfg:             cfg,
		store:           st,
		ledger:          led,
		broker:          broker,
		logger:          logger,
		metrics:         metrics,
		kick:            make(chan struct{}, 1),
		executors:       make(map[string]Executor),
		reservations:    make(map[string]*ledger.Reservation),
		cancelDeadlines: make(map[string]time.Time),
	}
}

// AddWorker registers an execution engine and its capacity. Tasks previously
// flagged as unschedulable are re-armed, since the new capacity may fit them.
func (s *Scheduler) AddWorker(ctx context.Context, ex Executor) error {
	s.ledger.Register(ex.ID(), ex.Capacity())
	s.mu.Lock()
	s.executors[ex.ID()] = ex
	s.mu.Unlock()

	if err := s.store.ClearUnschedulable(ctx); err != nil {
		return err
	}
	s.logger.Info("worker registered",
		"worker_id", ex.ID(),
		"cores", ex.Capacity().Cores,
		"memory_bytes", ex.Capacity().MemoryBytes)
	s.Kick()
	return nil
}

// Heartbeat records liveness for a worker.
func (s *Scheduler) Heartbeat(workerID string) {
	s.ledger.Heartbeat(workerID)
}

// Kick requests a dispatch pass without waiting for the next sweep tick.
// Non-blocking; concurrent kicks collapse into one pass.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.recoverInterrupted(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
	}
}

// pass is one full dispatcher iteration.
func (s *Scheduler) pass(ctx context.Context) {
	s.sweepLostWorkers(ctx)
	s.sweepCancels(ctx)
	s.dispatch(ctx)
}

func (s *Scheduler) dispatch(ctx context.Context) {
	if err := s.store.PromotePending(ctx); err != nil {
		s.logger.Error("promote created tasks", "error", err)
		return
	}
	tasks, err := s.store.ListSchedulable(ctx)
	if err != nil {
		s.logger.Error("list schedulable tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	suites := make(map[string]*model.Suite)
	live := s.liveWorkers()
	if s.metrics != nil {
		s.metrics.WorkersLive.Set(float64(len(live)))
	}

	for _, task := range tasks {
		suite, ok := suites[task.SuiteID]
		if !ok {
			suite, err = s.store.GetSuite(ctx, task.SuiteID)
			if err != nil {
				s.logger.Error("load suite for dispatch", "suite_id", task.SuiteID, "error", err)
				continue
			}
			suites[task.SuiteID] = suite
		}

		cores, mem := suite.Env.CPULimit, suite.Env.MemoryLimitBytes
		if !s.ledger.FitsAny(cores, mem) {
			// No registered worker could ever run this task; flag it so it
			// stops churning the queue until a bigger worker joins.
			if err := s.store.MarkUnschedulable(ctx, task.ID); err != nil {
				s.logger.Error("mark unschedulable", "task_id", task.ID, "error", err)
			}
			s.logger.Warn("task exceeds every worker's capacity",
				"task_id", task.ID, "cores", cores, "memory_bytes", mem)
			continue
		}

		res := s.place(task.ID, cores, mem, live)
		if res == nil {
			// Queue is FIFO: nothing fits right now, and later tasks must
			// not jump ahead of this one.
			break
		}
		if err := s.assign(ctx, task, suite, res); err != nil {
			s.ledger.Release(res)
			s.logger.Error("assign task", "task_id", task.ID, "worker_id", res.WorkerID, "error", err)
		}
	}
}

// place reserves capacity on the live worker whose free pool fits the request
// with the least remaining slack, ties broken by free memory then worker id.
func (s *Scheduler) place(taskID string, cores int, mem int64, live []*model.Worker) *ledger.Reservation {
	candidates := make([]*model.Worker, 0, len(live))
	for _, w := range live {
		if w.Free.Fits(cores, mem) {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Free.Cores-cores, candidates[j].Free.Cores-cores
		if si != sj {
			return si < sj
		}
		mi, mj := candidates[i].Free.MemoryBytes-mem, candidates[j].Free.MemoryBytes-mem
		if mi != mj {
			return mi < mj
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, w := range candidates {
		// The snapshot may be stale; TryReserve is the authoritative check.
		if res, ok := s.ledger.TryReserve(w.ID, taskID, cores, mem); ok {
			w.Free.Cores -= cores
			w.Free.MemoryBytes -= mem
			return res
		}
	}
	return nil
}

func (s *Scheduler) assign(ctx context.Context, task *model.Task, suite *model.Suite, res *ledger.Reservation) error {
	s.mu.Lock()
	ex, ok := s.executors[res.WorkerID]
	s.mu.Unlock()
	if !ok {
		return errors.New("no executor for worker " + res.WorkerID)
	}

	if err := s.store.AssignTask(ctx, task.ID, res.WorkerID); err != nil {
		return err
	}

	s.mu.Lock()
	s.reservations[task.ID] = res
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksAssigned.Inc()
		s.metrics.TasksRunning.Inc()
	}
	s.publish(events.Event{SuiteID: task.SuiteID, TaskID: task.ID, State: model.StateAssigned})
	s.logger.Info("task assigned", "task_id", task.ID, "suite_id", task.SuiteID, "worker_id", res.WorkerID)

	ex.Start(runner.Request{Task: task, Env: suite.Env})
	return nil
}

// HandleResult applies one worker terminal report. Stale or duplicate reports
// are dropped; the first accepted report wins.
func (s *Scheduler) HandleResult(res runner.Result) {
	ctx := context.Background()
	err := s.store.CompleteTask(ctx, store.TerminalReport{
		TaskID:          res.TaskID,
		Assignee:        res.WorkerID,
		State:           res.State,
		ExitCode:        res.ExitCode,
		Output:          res.Output,
		OutputTruncated: res.OutputTruncated,
		BuildOutput:     res.BuildOutput,
		Stats:           res.Stats,
		FailReason:      res.FailReason,
		Artifact:        res.Artifact,
		ArtifactError:   res.ArtifactError,
	})
	switch {
	case errors.Is(err, store.ErrStaleReport), errors.Is(err, store.ErrNotFound):
		s.logger.Warn("dropping stale terminal report",
			"task_id", res.TaskID, "worker_id", res.WorkerID, "state", res.State)
	case err != nil:
		s.logger.Error("apply terminal report", "task_id", res.TaskID, "error", err)
	default:
		if s.metrics != nil {
			s.metrics.TasksCompleted.WithLabelValues(res.State).Inc()
		}
		s.logger.Info("task finished",
			"task_id", res.TaskID, "worker_id", res.WorkerID,
			"state", res.State, "reason", res.FailReason)
		if t, gerr := s.store.GetTask(ctx, res.TaskID); gerr == nil {
			s.publish(events.Event{SuiteID: t.SuiteID, TaskID: t.ID, State: t.State, Reason: t.FailReason})
		}
	}

	s.releaseTask(res.TaskID)
	s.Kick()
}

// recoverInterrupted handles tasks left in the assigned state by a previous
// process. No runner in this process ever received them, so no terminal
// report will come: tasks with a cancel request pending are finished as
// cancelled, the rest go back to the pending queue for redispatch.
func (s *Scheduler) recoverInterrupted(ctx context.Context) {
	tasks, err := s.store.ListByState(ctx, model.StateAssigned)
	if err != nil {
		s.logger.Error("list assigned tasks for recovery", "error", err)
		return
	}
	for _, task := range tasks {
		if task.CancelRequested {
			s.logger.Warn("finishing interrupted cancel", "task_id", task.ID)
			s.force(ctx, task, model.StateCancelled, model.ReasonCancelled)
			continue
		}
		if err := s.store.RequeueTask(ctx, task.ID); err != nil {
			s.logger.Error("requeue interrupted task", "task_id", task.ID, "error", err)
			continue
		}
		s.logger.Warn("requeued task interrupted by restart",
			"task_id", task.ID, "suite_id", task.SuiteID, "previous_assignee", task.Assignee)
		s.publish(events.Event{SuiteID: task.SuiteID, TaskID: task.ID, State: model.StatePending})
	}
}

// SignalCancel forwards a cancel request for an assigned task to the worker
// holding it and starts the grace clock. The clock is armed even when no
// reservation is held, so a cancel for a task this process never dispatched
// still converges to the forced terminal transition.
func (s *Scheduler) SignalCancel(taskID string) {
	s.mu.Lock()
	if _, armed := s.cancelDeadlines[taskID]; !armed {
		s.cancelDeadlines[taskID] = time.Now().Add(s.cfg.CancelGrace)
	}
	var ex Executor
	if res, ok := s.reservations[taskID]; ok {
		ex = s.executors[res.WorkerID]
	}
	s.mu.Unlock()

	if ex != nil {
		ex.Cancel(taskID)
	}
	s.Kick()
}

// sweepCancels picks up cancel requests recorded while the dispatcher was not
// looking (crash recovery, races) and forces the terminal transition for any
// task whose worker ignored the kill past the grace period.
func (s *Scheduler) sweepCancels(ctx context.Context) {
	tasks, err := s.store.ListCancelRequested(ctx)
	if err != nil {
		s.logger.Error("list cancel-requested tasks", "error", err)
		return
	}
	now := time.Now()
	for _, task := range tasks {
		s.mu.Lock()
		deadline, armed := s.cancelDeadlines[task.ID]
		s.mu.Unlock()

		if !armed {
			s.SignalCancel(task.ID)
			continue
		}
		if now.Before(deadline) {
			continue
		}
		s.logger.Warn("cancel grace expired, forcing terminal state", "task_id", task.ID)
		s.force(ctx, task, model.StateCancelled, model.ReasonCancelled)
	}
}

// sweepLostWorkers writes off tasks assigned to workers whose heartbeat went
// stale. The tasks become terminal with the workerLost reason rather than
// being silently requeued: the process may still be running on the lost
// worker, and rerunning a benchmark would double its side effects.
func (s *Scheduler) sweepLostWorkers(ctx context.Context) {
	threshold := s.cfg.HeartbeatThreshold
	for _, w := range s.ledger.Workers() {
		if time.Since(w.LastHeartbeat) <= threshold {
			continue
		}
		tasks, err := s.store.ListByState(ctx, model.StateAssigned)
		if err != nil {
			s.logger.Error("list assigned tasks", "error", err)
			return
		}
		for _, task := range tasks {
			if task.Assignee != w.ID {
				continue
			}
			s.logger.Warn("worker lost, failing its tasks",
				"worker_id", w.ID, "task_id", task.ID,
				"last_heartbeat", w.LastHeartbeat)
			s.force(ctx, task, model.StateWorkerLost, model.ReasonWorkerLost)
		}
	}
}

// force applies a dispatcher-originated terminal transition, bypassing the
// assignee guard. Used for workerLost and expired cancels where no worker
// report will ever arrive.
func (s *Scheduler) force(ctx context.Context, task *model.Task, state, reason string) {
	err := s.store.CompleteTask(ctx, store.TerminalReport{
		TaskID:     task.ID,
		State:      state,
		FailReason: reason,
	})
	switch {
	case errors.Is(err, store.ErrStaleReport), errors.Is(err, store.ErrNotFound):
		// A worker report beat us to it.
	case err != nil:
		s.logger.Error("force terminal state", "task_id", task.ID, "state", state, "error", err)
		return
	default:
		if s.metrics != nil {
			s.metrics.TasksCompleted.WithLabelValues(state).Inc()
		}
		s.publish(events.Event{SuiteID: task.SuiteID, TaskID: task.ID, State: state, Reason: reason})
	}
	s.releaseTask(task.ID)
}

// releaseTask returns the task's reserved capacity and clears cancel state.
func (s *Scheduler) releaseTask(taskID string) {
	s.mu.Lock()
	res, ok := s.reservations[taskID]
	delete(s.reservations, taskID)
	delete(s.cancelDeadlines, taskID)
	s.mu.Unlock()

	if ok {
		s.ledger.Release(res)
		if s.metrics != nil {
			s.metrics.TasksRunning.Dec()
		}
	}
}

// liveWorkers returns the ledger snapshot filtered to recently-heartbeating
// workers.
func (s *Scheduler) liveWorkers() []*model.Worker {
	all := s.ledger.Workers()
	live := all[:0]
	for _, w := range all {
		if time.Since(w.LastHeartbeat) <= s.cfg.HeartbeatThreshold {
			live = append(live, w)
		}
	}
	return live
}

func (s *Scheduler) publish(ev events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}
