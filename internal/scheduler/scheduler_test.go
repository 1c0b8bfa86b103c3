package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/benchfleet/benchfleet/internal/events"
	"github.com/benchfleet/benchfleet/internal/ledger"
	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/runner"
	"github.com/benchfleet/benchfleet/internal/store"
)

type fakeExecutor struct {
	id string
	cp model.Capacity

	mu      sync.Mutex
	starts  []runner.Request
	cancels []string
}

func (f *fakeExecutor) ID() string               { return f.id }
func (f *fakeExecutor) Capacity() model.Capacity { return f.cp }

func (f *fakeExecutor) Start(req runner.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
}

func (f *fakeExecutor) Cancel(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, taskID)
}

func (f *fakeExecutor) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.starts))
	for i, req := range f.starts {
		ids[i] = req.Task.ID
	}
	return ids
}

func (f *fakeExecutor) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := NewMetrics(prometheus.NewRegistry())
	s := New(cfg, st, ledger.New(), events.NewBroker(), metrics, logger)
	return s, st
}

func addWorker(t *testing.T, s *Scheduler, id string, cores int, mem int64) *fakeExecutor {
	t.Helper()
	ex := &fakeExecutor{id: id, cp: model.Capacity{Cores: cores, MemoryBytes: mem}}
	if err := s.AddWorker(context.Background(), ex); err != nil {
		t.Fatalf("add worker %s: %v", id, err)
	}
	return ex
}

func createSuite(t *testing.T, st store.Store, cores int, mem int64, commands ...string) (*model.Suite, []*model.Task) {
	t.Helper()
	suite := &model.Suite{
		ID:        model.NewID(),
		Author:    "tester",
		CreatedAt: time.Now().UTC(),
		Env: model.Env{
			Dockerfile:       "FROM alpine",
			CPULimit:         cores,
			WallClockLimitS:  60,
			CPUTimeLimitS:    60,
			MemoryLimitBytes: mem,
		},
	}
	tasks, err := st.CreateSuite(context.Background(), suite, commands)
	if err != nil {
		t.Fatalf("create suite: %v", err)
	}
	return suite, tasks
}

func taskState(t *testing.T, st store.Store, id string) string {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task.State
}

func successResult(taskID, workerID string) runner.Result {
	exit := 0
	return runner.Result{
		TaskID:   taskID,
		WorkerID: workerID,
		State:    model.StateSuccess,
		ExitCode: &exit,
		Stats:    &model.Stats{WallTimeUS: 1000, CPUTimeUS: 500},
	}
}

func TestSerialDispatchOnSingleCoreWorker(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	ex := addWorker(t, s, "w1", 1, 8<<30)
	_, tasks := createSuite(t, st, 1, 1<<30, "a", "b", "c")

	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 1 || got[0] != tasks[0].ID {
		t.Fatalf("first pass started %v, want just %s", got, tasks[0].ID)
	}

	// Capacity is exhausted; another pass must not over-commit.
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 1 {
		t.Fatalf("second pass over-committed: %v", got)
	}

	s.HandleResult(successResult(tasks[0].ID, "w1"))
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 2 || got[1] != tasks[1].ID {
		t.Fatalf("after completion started %v, want FIFO order", got)
	}

	if state := taskState(t, st, tasks[0].ID); state != model.StateSuccess {
		t.Errorf("completed task state = %q", state)
	}
	if state := taskState(t, st, tasks[1].ID); state != model.StateAssigned {
		t.Errorf("second task state = %q, want assigned", state)
	}
}

func TestBestFitPrefersLeastSlack(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	big := addWorker(t, s, "w-big", 8, 32<<30)
	small := addWorker(t, s, "w-small", 1, 4<<30)
	createSuite(t, st, 1, 1<<30, "a")

	s.pass(ctx)
	if got := small.startedIDs(); len(got) != 1 {
		t.Errorf("small worker got %d tasks, want 1", len(got))
	}
	if got := big.startedIDs(); len(got) != 0 {
		t.Errorf("big worker got %d tasks, want 0", len(got))
	}
}

func TestFIFOHeadBlocksQueue(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	ex := addWorker(t, s, "w1", 2, 8<<30)

	// The head task needs both cores; the next suite's task needs one.
	_, bigTasks := createSuite(t, st, 2, 1<<30, "big")
	time.Sleep(5 * time.Millisecond)
	createSuite(t, st, 1, 1<<30, "small")

	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 1 || got[0] != bigTasks[0].ID {
		t.Fatalf("started %v, want only the head task", got)
	}

	// While the 2-core head runs, the 1-core task must not jump ahead of
	// nothing — but there is nothing ahead of it now, so it may run if it
	// fits. It does not: zero cores free.
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 1 {
		t.Fatalf("over-committed while saturated: %v", got)
	}
}

func TestPausedSuiteIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	ex := addWorker(t, s, "w1", 4, 8<<30)
	suite, tasks := createSuite(t, st, 1, 1<<30, "a", "b")

	if err := st.SetSuitePaused(ctx, suite.ID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 0 {
		t.Fatalf("paused suite dispatched: %v", got)
	}
	if state := taskState(t, st, tasks[0].ID); state != model.StateCreated {
		t.Errorf("paused suite task promoted to %q", state)
	}

	if err := st.SetSuitePaused(ctx, suite.ID, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 2 {
		t.Fatalf("after resume started %v, want both tasks", got)
	}
}

func TestPauseDoesNotTouchRunningTasks(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	ex := addWorker(t, s, "w1", 1, 8<<30)
	suite, tasks := createSuite(t, st, 1, 1<<30, "a", "b")

	s.pass(ctx)
	if err := st.SetSuitePaused(ctx, suite.ID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	s.pass(ctx)

	if state := taskState(t, st, tasks[0].ID); state != model.StateAssigned {
		t.Errorf("running task disturbed by pause: %q", state)
	}
	if got := ex.cancelledIDs(); len(got) != 0 {
		t.Errorf("pause cancelled tasks: %v", got)
	}
}

func TestImpossibleTaskFlaggedAndRearmedOnWorkerJoin(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	addWorker(t, s, "w1", 2, 4<<30)
	_, tasks := createSuite(t, st, 8, 1<<30, "huge")

	s.pass(ctx)
	task, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != model.StatePending || !task.Unschedulable {
		t.Fatalf("state=%q unschedulable=%v, want pending+flagged", task.State, task.Unschedulable)
	}

	// A big enough worker joining re-arms the task.
	big := addWorker(t, s, "w2", 16, 64<<30)
	s.pass(ctx)
	if got := big.startedIDs(); len(got) != 1 || got[0] != tasks[0].ID {
		t.Fatalf("after big worker joined started %v", got)
	}
}

func TestWorkerLostFailsItsTasks(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{HeartbeatThreshold: 30 * time.Millisecond})
	addWorker(t, s, "w1", 2, 8<<30)
	_, tasks := createSuite(t, st, 1, 1<<30, "a")

	s.pass(ctx)
	if state := taskState(t, st, tasks[0].ID); state != model.StateAssigned {
		t.Fatalf("task not assigned: %q", state)
	}

	time.Sleep(50 * time.Millisecond)
	s.pass(ctx)

	task, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != model.StateWorkerLost {
		t.Fatalf("state = %q, want workerLost", task.State)
	}
	if task.FailReason != model.ReasonWorkerLost {
		t.Errorf("reason = %q, want workerLost", task.FailReason)
	}
}

func TestStaleReportAfterWorkerLostIsDropped(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{HeartbeatThreshold: 30 * time.Millisecond})
	addWorker(t, s, "w1", 2, 8<<30)
	_, tasks := createSuite(t, st, 1, 1<<30, "a")

	s.pass(ctx)
	time.Sleep(50 * time.Millisecond)
	s.pass(ctx)

	// The "lost" worker comes back and reports anyway.
	s.HandleResult(successResult(tasks[0].ID, "w1"))

	if state := taskState(t, st, tasks[0].ID); state != model.StateWorkerLost {
		t.Fatalf("stale report overwrote terminal state: %q", state)
	}
}

func TestRestartRequeuesInterruptedTasks(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	_, tasks := createSuite(t, st, 1, 1<<30, "a")

	// The registry says assigned, but this dispatcher never placed the task:
	// the assignment belongs to a previous process that died before its
	// runner ever saw the request.
	if err := st.PromotePending(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := st.AssignTask(ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ex := addWorker(t, s, "w1", 2, 8<<30)

	s.recoverInterrupted(ctx)

	task, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != model.StatePending || task.Assignee != "" {
		t.Fatalf("state=%q assignee=%q, want pending with no assignee", task.State, task.Assignee)
	}

	// The requeued task is dispatched again on the next pass.
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 1 || got[0] != tasks[0].ID {
		t.Fatalf("after recovery started %v, want the requeued task", got)
	}
	if state := taskState(t, st, tasks[0].ID); state != model.StateAssigned {
		t.Errorf("state = %q, want assigned after redispatch", state)
	}
}

func TestRestartFinishesInterruptedCancel(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	_, tasks := createSuite(t, st, 1, 1<<30, "a")

	if err := st.PromotePending(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := st.AssignTask(ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := st.RequestCancel(ctx, tasks[0].ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	addWorker(t, s, "w1", 2, 8<<30)

	s.recoverInterrupted(ctx)

	task, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != model.StateCancelled || task.FailReason != model.ReasonCancelled {
		t.Fatalf("state=%q reason=%q, want cancelled/cancelled", task.State, task.FailReason)
	}
}

func TestCancelWithoutReservationConvergesAfterGrace(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{CancelGrace: 20 * time.Millisecond})
	_, tasks := createSuite(t, st, 1, 1<<30, "a")

	if err := st.PromotePending(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := st.AssignTask(ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := st.RequestCancel(ctx, tasks[0].ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	// Same worker id re-registers and keeps heartbeating, so the lost-worker
	// sweep never fires. The dispatcher holds no reservation for the task.
	addWorker(t, s, "w1", 2, 8<<30)

	// First pass arms the grace clock; the next pass after expiry forces the
	// terminal transition.
	s.pass(ctx)
	if state := taskState(t, st, tasks[0].ID); state != model.StateAssigned {
		t.Fatalf("state = %q before grace expiry, want assigned", state)
	}
	time.Sleep(40 * time.Millisecond)
	s.pass(ctx)

	if state := taskState(t, st, tasks[0].ID); state != model.StateCancelled {
		t.Fatalf("state = %q, want cancelled once grace expires", state)
	}
}

func TestCancelAssignedSignalsWorker(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{CancelGrace: time.Hour})
	ex := addWorker(t, s, "w1", 2, 8<<30)
	_, tasks := createSuite(t, st, 1, 1<<30, "a")

	s.pass(ctx)
	state, err := st.RequestCancel(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if state != model.StateAssigned {
		t.Fatalf("post-cancel state = %q, want assigned until acknowledged", state)
	}
	s.SignalCancel(tasks[0].ID)

	if got := ex.cancelledIDs(); len(got) != 1 || got[0] != tasks[0].ID {
		t.Fatalf("worker cancels = %v", got)
	}

	// Worker acknowledges with a cancelled report.
	s.HandleResult(runner.Result{
		TaskID:     tasks[0].ID,
		WorkerID:   "w1",
		State:      model.StateCancelled,
		FailReason: model.ReasonCancelled,
	})
	if got := taskState(t, st, tasks[0].ID); got != model.StateCancelled {
		t.Fatalf("state = %q, want cancelled", got)
	}
}

func TestCancelForcedAfterGrace(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{CancelGrace: 20 * time.Millisecond})
	ex := addWorker(t, s, "w1", 1, 8<<30)
	_, tasks := createSuite(t, st, 1, 1<<30, "stuck", "next")

	s.pass(ctx)
	if _, err := st.RequestCancel(ctx, tasks[0].ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	s.SignalCancel(tasks[0].ID)

	// The worker never acknowledges. Past the grace period the dispatcher
	// forces the terminal state and frees the capacity.
	time.Sleep(40 * time.Millisecond)
	s.pass(ctx)

	if got := taskState(t, st, tasks[0].ID); got != model.StateCancelled {
		t.Fatalf("state = %q, want cancelled after grace", got)
	}
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 2 || got[1] != tasks[1].ID {
		t.Fatalf("freed capacity not reused: %v", got)
	}
}

func TestCancelPendingNeverReachesWorker(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	ex := addWorker(t, s, "w1", 1, 8<<30)
	_, tasks := createSuite(t, st, 1, 1<<30, "a", "b")

	if err := st.PromotePending(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	state, err := st.RequestCancel(ctx, tasks[1].ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if state != model.StateCancelled {
		t.Fatalf("pending cancel state = %q, want cancelled", state)
	}

	s.pass(ctx)
	s.HandleResult(successResult(tasks[0].ID, "w1"))
	s.pass(ctx)
	if got := ex.startedIDs(); len(got) != 1 {
		t.Fatalf("cancelled pending task was dispatched: %v", got)
	}
}

func TestReservationReleasedOnCompletion(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, Config{})
	addWorker(t, s, "w1", 2, 8<<30)
	_, tasks := createSuite(t, st, 2, 4<<30, "a", "b")

	s.pass(ctx)
	workers := s.ledger.Workers()
	if workers[0].Free.Cores != 0 {
		t.Fatalf("free cores = %d during run, want 0", workers[0].Free.Cores)
	}

	s.HandleResult(successResult(tasks[0].ID, "w1"))
	s.HandleResult(successResult(tasks[0].ID, "w1")) // duplicate, must not double-credit

	workers = s.ledger.Workers()
	if workers[0].Free.Cores != 2 || workers[0].Free.MemoryBytes != 8<<30 {
		t.Fatalf("capacity not fully restored: %+v", workers[0].Free)
	}
}
