// Package runner is the worker-side execution engine: it owns a worker's
// image cache, a bounded pool of running task processes, artifact extraction,
// and exactly-once terminal reporting.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/runtime"
)

// Request is one execution handed to a worker: the task plus its suite's
// environment descriptor.
type Request struct {
	Task *model.Task
	Env  model.Env
}

// Result is the single terminal outcome a worker reports for one task.
type Result struct {
	TaskID          string
	WorkerID        string
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

// Config configures a Runner.
type Config struct {
	ID        string
	Capacity  model.Capacity
	Runtime   runtime.Runtime
	Logger    *slog.Logger
	StdoutCap int
	// PokeInterval is how often an in-flight task's record is touched to
	// show progress during long builds and runs. Zero disables poking.
	PokeInterval time.Duration
}

// Runner executes assigned tasks for one worker. Duplicate deliveries of a
// task still in flight are ignored; every accepted task produces exactly one
// Result.
type Runner struct {
	id        string
	capacity  model.Capacity
	rt        runtime.Runtime
	logger    *slog.Logger
	stdoutCap int
	pokeEvery time.Duration

	report func(Result)
	touch  func(taskID string)

	buildGroup singleflight.Group
	slots      chan struct{}

	// inflight holds one cancel func per accepted task from acceptance until
	// its result has been reported, doubling as the duplicate-delivery guard.
	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a runner. The pool is bounded by the worker's own declared
// core count so the engine never exceeds local limits even if the ledger's
// view is momentarily stale.
func New(cfg Config) *Runner {
	slots := cfg.Capacity.Cores
	if slots < 1 {
		slots = 1
	}
	if cfg.StdoutCap <= 0 {
		cfg.StdoutCap = 64 << 10
	}
	return &Runner{
		id:        cfg.ID,
		capacity:  cfg.Capacity,
		rt:        cfg.Runtime,
		logger:    cfg.Logger,
		stdoutCap: cfg.StdoutCap,
		pokeEvery: cfg.PokeInterval,
		slots:     make(chan struct{}, slots),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// ID returns the worker identity this runner reports as.
func (r *Runner) ID() string { return r.id }

// Capacity returns the worker's advertised total capacity.
func (r *Runner) Capacity() model.Capacity { return r.capacity }

// OnResult installs the terminal-report sink. Must be set before Start.
func (r *Runner) OnResult(fn func(Result)) { r.report = fn }

// OnTouch installs the optional liveness-poke sink.
func (r *Runner) OnTouch(fn func(taskID string)) { r.touch = fn }

// Start accepts an execution request and returns immediately. Delivery is
// at-least-once upstream; a duplicate of a task still in flight is dropped.
// The registry's assignee guard rejects any report for a task that already
// reached a terminal state, so entries are pruned once the result is out.
func (r *Runner) Start(req Request) {
	r.mu.Lock()
	if _, running := r.inflight[req.Task.ID]; running {
		r.mu.Unlock()
		r.logger.Debug("duplicate delivery ignored", "task_id", req.Task.ID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.inflight[req.Task.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.execute(ctx, req)
		r.report(res)

		r.mu.Lock()
		delete(r.inflight, req.Task.ID)
		r.mu.Unlock()
	}()
}

// Cancel kills the named task's process if this runner currently holds it.
func (r *Runner) Cancel(taskID string) {
	r.mu.Lock()
	cancel, ok := r.inflight[taskID]
	r.mu.Unlock()
	if ok {
		r.logger.Info("cancelling task", "task_id", taskID, "worker_id", r.id)
		cancel()
	}
}

// Wait blocks until all in-flight executions have reported.
func (r *Runner) Wait() { r.wg.Wait() }

// ImageTag derives the cache key for a suite's image: the suite id plus a
// short hash of the dockerfile, so a changed recipe never reuses a stale
// local image.
func ImageTag(suiteID, dockerfile string) string {
	sum := sha256.Sum256([]byte(dockerfile))
	return fmt.Sprintf("benchfleet-env-%s-%s", model.ShortID(suiteID), hex.EncodeToString(sum[:])[:8])
}

func (r *Runner) execute(ctx context.Context, req Request) Result {
	res := Result{TaskID: req.Task.ID, WorkerID: r.id}

	// Local slot bound, independent of the dispatcher's ledger.
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		res.State = model.StateCancelled
		res.FailReason = model.ReasonCancelled
		return res
	}
	defer func() { <-r.slots }()

	stopPoke := r.startPoker(req.Task.ID)
	defer stopPoke()

	buildLog, err := r.ensureImage(ctx, req)
	res.BuildOutput = buildLog
	if err != nil {
		if ctx.Err() != nil {
			res.State = model.StateCancelled
			res.FailReason = model.ReasonCancelled
			return res
		}
		// Build failure: terminal fail, build log captured, no exit code,
		// no resource usage.
		res.State = model.StateFail
		res.FailReason = model.ReasonBuild
		r.logger.Warn("image build failed", "task_id", req.Task.ID, "suite_id", req.Task.SuiteID)
		return res
	}

	artifactDir, err := os.MkdirTemp("", "benchfleet-artifact-")
	if err != nil {
		res.State = model.StateFail
		res.FailReason = model.ReasonExit
		res.Output = fmt.Sprintf("create artifact dir: %v", err)
		return res
	}
	defer os.RemoveAll(artifactDir)

	run, err := r.rt.Run(ctx, runtime.RunSpec{
		TaskID:   req.Task.ID,
		ImageRef: ImageTag(req.Task.SuiteID, req.Env.Dockerfile),
		Command:  req.Task.Command,
		Limits: runtime.Limits{
			Cores:       req.Env.CPULimit,
			MemoryBytes: req.Env.MemoryLimitBytes,
			WallClockS:  req.Env.WallClockLimitS,
			CPUTimeS:    req.Env.CPUTimeLimitS,
		},
		ArtifactDir: artifactDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.State = model.StateCancelled
			res.FailReason = model.ReasonCancelled
			return res
		}
		res.State = model.StateFail
		res.FailReason = model.ReasonExit
		res.Output = fmt.Sprintf("execution error: %v", err)
		return res
	}

	stats := run.Stats
	res.Stats = &stats
	res.Output, res.OutputTruncated = truncate(run.Stdout, r.stdoutCap)
	exit := run.ExitCode
	res.ExitCode = &exit

	res.Artifact, res.ArtifactError = readArtifact(artifactDir)

	switch {
	case stats.TimedOut || stats.OOM:
		res.State = model.StateFail
		res.FailReason = model.ReasonLimit
	case run.ExitCode == 0:
		res.State = model.StateSuccess
	default:
		res.State = model.StateFail
		res.FailReason = model.ReasonExit
	}
	return res
}

// ensureImage builds the suite's image unless it is already cached. Builds
// for the same tag are collapsed so N tasks of one suite trigger exactly one
// build; the others block on its outcome. The shared build is detached from
// any single task's cancellation.
func (r *Runner) ensureImage(ctx context.Context, req Request) (string, error) {
	tag := ImageTag(req.Task.SuiteID, req.Env.Dockerfile)
	log, err, _ := r.buildGroup.Do(tag, func() (any, error) {
		if r.rt.ImageExists(ctx, tag) {
			return "", nil
		}
		return r.rt.Build(context.WithoutCancel(ctx), runtime.BuildSpec{
			Tag:        tag,
			Dockerfile: req.Env.Dockerfile,
			Params:     req.Env.Params,
			Limits: runtime.Limits{
				Cores:       req.Env.CPULimit,
				MemoryBytes: req.Env.MemoryLimitBytes,
			},
		})
	})
	out, _ := log.(string)
	if err != nil {
		var be *runtime.BuildError
		if errors.As(err, &be) {
			return be.Log, err
		}
		return out, err
	}
	return out, ctx.Err()
}

// readArtifact parses the task's structured result file. Absence is not an
// error; a malformed file yields a non-fatal note and no artifact.
func readArtifact(dir string) ([]byte, string) {
	data, err := os.ReadFile(filepath.Join(dir, runtime.ArtifactFile))
	if os.IsNotExist(err) {
		return nil, ""
	}
	if err != nil {
		return nil, fmt.Sprintf("read artifact: %v", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Sprintf("artifact is not valid JSON (%d bytes)", len(data))
	}
	return data, ""
}

func (r *Runner) startPoker(taskID string) func() {
	if r.pokeEvery <= 0 || r.touch == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.pokeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.touch(taskID)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// truncate cuts s down to at most limit bytes without splitting a multi-byte
// rune across the cut.
func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
