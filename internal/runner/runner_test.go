package runner

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, cores int) (*Runner, *runtime.Fake, chan Result) {
	t.Helper()
	fake := runtime.NewFake()
	results := make(chan Result, 16)
	r := New(Config{
		ID:       "worker-0",
		Capacity: model.Capacity{Cores: cores, MemoryBytes: 8 << 30},
		Runtime:  fake,
		Logger:   discardLogger(),
	})
	r.OnResult(func(res Result) { results <- res })
	return r, fake, results
}

func testRequest(taskID, suiteID, command, dockerfile string) Request {
	return Request{
		Task: &model.Task{ID: taskID, SuiteID: suiteID, Command: command},
		Env: model.Env{
			Dockerfile:       dockerfile,
			CPULimit:         1,
			WallClockLimitS:  60,
			CPUTimeLimitS:    60,
			MemoryLimitBytes: 1 << 30,
		},
	}
}

func collect(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestRunSuccessWithArtifact(t *testing.T) {
	r, fake, results := newTestRunner(t, 2)
	fake.Script("run-bench", runtime.Behavior{
		ExitCode: 0,
		Stdout:   "bench done\n",
		Artifact: []byte(`{"score": 42}`),
	})

	r.Start(testRequest("t1", "s1", "run-bench", "FROM scratch"))
	res := collect(t, results)

	if res.State != model.StateSuccess {
		t.Fatalf("state = %q, want %q", res.State, model.StateSuccess)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if res.Output != "bench done\n" {
		t.Errorf("output = %q", res.Output)
	}
	if string(res.Artifact) != `{"score": 42}` {
		t.Errorf("artifact = %q", res.Artifact)
	}
	if res.ArtifactError != "" {
		t.Errorf("unexpected artifact error: %s", res.ArtifactError)
	}
	if res.Stats == nil {
		t.Error("stats missing on completed run")
	}
	if res.WorkerID != "worker-0" {
		t.Errorf("worker id = %q", res.WorkerID)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("crash", runtime.Behavior{ExitCode: 3, Stdout: "boom"})

	r.Start(testRequest("t1", "s1", "crash", "FROM scratch"))
	res := collect(t, results)

	if res.State != model.StateFail || res.FailReason != model.ReasonExit {
		t.Fatalf("got state=%q reason=%q, want fail/exit", res.State, res.FailReason)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", res.ExitCode)
	}
}

func TestBuildFailure(t *testing.T) {
	r, _, results := newTestRunner(t, 1)

	r.Start(testRequest("t1", "s1", "whatever", "FROM scratch\n#failbuild"))
	res := collect(t, results)

	if res.State != model.StateFail || res.FailReason != model.ReasonBuild {
		t.Fatalf("got state=%q reason=%q, want fail/build", res.State, res.FailReason)
	}
	if res.BuildOutput == "" {
		t.Error("build output missing on build failure")
	}
	if res.ExitCode != nil {
		t.Errorf("exit code = %v, want nil on build failure", *res.ExitCode)
	}
	if res.Stats != nil {
		t.Error("stats should be absent when the process never ran")
	}
}

func TestBuildFailureSharedAcrossTasks(t *testing.T) {
	r, fake, results := newTestRunner(t, 4)
	fake.BuildDelay = 50 * time.Millisecond
	df := "FROM scratch\n#failbuild"

	for i := 0; i < 3; i++ {
		r.Start(testRequest(fmt.Sprintf("t%d", i), "s1", "cmd", df))
	}
	for i := 0; i < 3; i++ {
		res := collect(t, results)
		if res.State != model.StateFail || res.FailReason != model.ReasonBuild {
			t.Fatalf("task %s: state=%q reason=%q, want fail/build", res.TaskID, res.State, res.FailReason)
		}
	}
}

func TestBuildDedup(t *testing.T) {
	r, fake, results := newTestRunner(t, 4)
	fake.BuildDelay = 50 * time.Millisecond
	df := "FROM alpine\nRUN true"

	for i := 0; i < 4; i++ {
		r.Start(testRequest(fmt.Sprintf("t%d", i), "s1", "cmd", df))
	}
	for i := 0; i < 4; i++ {
		res := collect(t, results)
		if res.State != model.StateSuccess {
			t.Fatalf("task %s failed: %s/%s", res.TaskID, res.State, res.FailReason)
		}
	}

	tag := ImageTag("s1", df)
	if n := fake.Builds(tag); n != 1 {
		t.Errorf("image built %d times, want 1", n)
	}
}

func TestRecipeChangeRebuildsImage(t *testing.T) {
	if ImageTag("s1", "FROM alpine") == ImageTag("s1", "FROM debian") {
		t.Error("different dockerfiles must map to different image tags")
	}
	if ImageTag("s1", "FROM alpine") == ImageTag("s2", "FROM alpine") {
		t.Error("different suites must map to different image tags")
	}
}

func TestLimitKillReportedThroughStats(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("spin", runtime.Behavior{ExitCode: 137, TimedOut: true})

	r.Start(testRequest("t1", "s1", "spin", "FROM scratch"))
	res := collect(t, results)

	if res.State != model.StateFail || res.FailReason != model.ReasonLimit {
		t.Fatalf("got state=%q reason=%q, want fail/limit", res.State, res.FailReason)
	}
	if res.Stats == nil || !res.Stats.TimedOut {
		t.Error("timed-out flag not carried through")
	}
}

func TestOOMKillReportedThroughStats(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("hog", runtime.Behavior{ExitCode: 137, OOM: true})

	r.Start(testRequest("t1", "s1", "hog", "FROM scratch"))
	res := collect(t, results)

	if res.State != model.StateFail || res.FailReason != model.ReasonLimit {
		t.Fatalf("got state=%q reason=%q, want fail/limit", res.State, res.FailReason)
	}
	if res.Stats == nil || !res.Stats.OOM {
		t.Error("oom flag not carried through")
	}
}

func TestCancelRunningTask(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("sleep", runtime.Behavior{Sleep: 10 * time.Second})

	r.Start(testRequest("t1", "s1", "sleep", "FROM scratch"))
	time.Sleep(50 * time.Millisecond)
	r.Cancel("t1")

	res := collect(t, results)
	if res.State != model.StateCancelled || res.FailReason != model.ReasonCancelled {
		t.Fatalf("got state=%q reason=%q, want cancelled/cancelled", res.State, res.FailReason)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("long", runtime.Behavior{Sleep: 10 * time.Second})

	r.Start(testRequest("t1", "s1", "long", "FROM scratch"))
	time.Sleep(50 * time.Millisecond)
	// t2 is stuck behind t1's slot.
	r.Start(testRequest("t2", "s1", "long", "FROM scratch"))
	time.Sleep(50 * time.Millisecond)
	r.Cancel("t2")

	res := collect(t, results)
	if res.TaskID != "t2" {
		t.Fatalf("expected queued task to report first, got %s", res.TaskID)
	}
	if res.State != model.StateCancelled {
		t.Fatalf("state = %q, want cancelled", res.State)
	}

	r.Cancel("t1")
	collect(t, results)
}

func TestDuplicateStartIgnored(t *testing.T) {
	r, fake, results := newTestRunner(t, 2)
	fake.Script("cmd", runtime.Behavior{Sleep: 100 * time.Millisecond})

	req := testRequest("t1", "s1", "cmd", "FROM scratch")
	r.Start(req)
	// Second delivery lands while the first is still in flight.
	r.Start(req)
	r.Wait()

	if got := len(results); got != 1 {
		t.Fatalf("got %d results for duplicated delivery, want 1", got)
	}
}

func TestTaskAcceptedAgainAfterReport(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("cmd", runtime.Behavior{ExitCode: 0})

	req := testRequest("t1", "s1", "cmd", "FROM scratch")
	r.Start(req)
	collect(t, results)

	// Once the result is out the guard entry is gone: a redelivery (e.g. a
	// requeued task landing on the same worker) runs again, and the registry's
	// assignee guard decides which report counts.
	r.Start(req)
	res := collect(t, results)
	if res.TaskID != "t1" || res.State != model.StateSuccess {
		t.Fatalf("redelivered task: state=%q task=%s, want fresh success", res.State, res.TaskID)
	}
}

func TestPoolBoundedByCapacity(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("work", runtime.Behavior{Sleep: 30 * time.Millisecond})

	for i := 0; i < 3; i++ {
		r.Start(testRequest(fmt.Sprintf("t%d", i), "s1", "work", "FROM scratch"))
	}
	for i := 0; i < 3; i++ {
		collect(t, results)
	}

	if got := fake.MaxConcurrentRuns(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1 on a single-core worker", got)
	}
}

func TestStdoutTruncation(t *testing.T) {
	fake := runtime.NewFake()
	results := make(chan Result, 1)
	r := New(Config{
		ID:        "worker-0",
		Capacity:  model.Capacity{Cores: 1, MemoryBytes: 1 << 30},
		Runtime:   fake,
		Logger:    discardLogger(),
		StdoutCap: 10,
	})
	r.OnResult(func(res Result) { results <- res })
	fake.Script("noisy", runtime.Behavior{Stdout: strings.Repeat("x", 100)})

	r.Start(testRequest("t1", "s1", "noisy", "FROM scratch"))
	res := collect(t, results)

	if !res.OutputTruncated {
		t.Error("truncation flag not set")
	}
	if len(res.Output) != 10 {
		t.Errorf("output length = %d, want 10", len(res.Output))
	}
}

func TestStdoutTruncationKeepsRuneBoundary(t *testing.T) {
	fake := runtime.NewFake()
	results := make(chan Result, 1)
	r := New(Config{
		ID:        "worker-0",
		Capacity:  model.Capacity{Cores: 1, MemoryBytes: 1 << 30},
		Runtime:   fake,
		Logger:    discardLogger(),
		StdoutCap: 11,
	})
	r.OnResult(func(res Result) { results <- res })
	// Two-byte runes; an odd byte cap would land mid-rune.
	fake.Script("utf8", runtime.Behavior{Stdout: strings.Repeat("é", 100)})

	r.Start(testRequest("t1", "s1", "utf8", "FROM scratch"))
	res := collect(t, results)

	if !res.OutputTruncated {
		t.Error("truncation flag not set")
	}
	if len(res.Output) > 11 {
		t.Errorf("output length = %d, want <= 11", len(res.Output))
	}
	if !utf8.ValidString(res.Output) {
		t.Errorf("truncated output is not valid UTF-8: %q", res.Output)
	}
}

func TestMalformedArtifactIsNonFatal(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("bad-artifact", runtime.Behavior{Artifact: []byte("not json {")})

	r.Start(testRequest("t1", "s1", "bad-artifact", "FROM scratch"))
	res := collect(t, results)

	if res.State != model.StateSuccess {
		t.Fatalf("state = %q; a bad artifact must not fail the task", res.State)
	}
	if res.Artifact != nil {
		t.Error("malformed artifact should not be stored")
	}
	if res.ArtifactError == "" {
		t.Error("artifact error note missing")
	}
}

func TestMissingArtifactIsFine(t *testing.T) {
	r, fake, results := newTestRunner(t, 1)
	fake.Script("plain", runtime.Behavior{Stdout: "ok"})

	r.Start(testRequest("t1", "s1", "plain", "FROM scratch"))
	res := collect(t, results)

	if res.State != model.StateSuccess || res.Artifact != nil || res.ArtifactError != "" {
		t.Fatalf("got state=%q artifact=%q err=%q, want clean success", res.State, res.Artifact, res.ArtifactError)
	}
}

func TestLivenessPokes(t *testing.T) {
	fake := runtime.NewFake()
	results := make(chan Result, 1)
	r := New(Config{
		ID:           "worker-0",
		Capacity:     model.Capacity{Cores: 1, MemoryBytes: 1 << 30},
		Runtime:      fake,
		Logger:       discardLogger(),
		PokeInterval: 10 * time.Millisecond,
	})
	r.OnResult(func(res Result) { results <- res })

	var mu sync.Mutex
	pokes := 0
	r.OnTouch(func(taskID string) {
		mu.Lock()
		pokes++
		mu.Unlock()
	})
	fake.Script("slow", runtime.Behavior{Sleep: 100 * time.Millisecond})

	r.Start(testRequest("t1", "s1", "slow", "FROM scratch"))
	collect(t, results)

	mu.Lock()
	defer mu.Unlock()
	if pokes == 0 {
		t.Error("no liveness pokes observed during a long run")
	}
}
