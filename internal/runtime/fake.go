package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/internal/model"
)

// Behavior scripts the fake outcome for one command.
type Behavior struct {
	Sleep    time.Duration
	ExitCode int
	Stdout   string
	Artifact []byte
	TimedOut bool
	OOM      bool
}

// Fake is an in-memory Runtime for tests and non-linux development. Outcomes
// are scripted per command string; builds succeed instantly unless the
// dockerfile contains FailBuildMarker. It tracks build counts and peak run
// concurrency so tests can assert build dedup and capacity serialization.
type Fake struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	images    map[string]bool
	builds    map[string]int

	running    int
	maxRunning int

	// FailBuildMarker, when found in a dockerfile, makes Build fail.
	FailBuildMarker string
	// BuildDelay is applied to every build.
	BuildDelay time.Duration
}

// NewFake creates a fake runtime with no scripted behaviors; unscripted
// commands exit 0 immediately.
func NewFake() *Fake {
	return &Fake{
		behaviors:       make(map[string]Behavior),
		images:          make(map[string]bool),
		builds:          make(map[string]int),
		FailBuildMarker: "#failbuild",
	}
}

// Script sets the behavior for a command.
func (f *Fake) Script(command string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[command] = b
}

// Builds returns how many times the given tag was built.
func (f *Fake) Builds(tag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[tag]
}

// MaxConcurrentRuns returns the peak number of simultaneously running tasks.
func (f *Fake) MaxConcurrentRuns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *Fake) Build(ctx context.Context, spec BuildSpec) (string, error) {
	if f.BuildDelay > 0 {
		select {
		case <-time.After(f.BuildDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[spec.Tag]++
	log := fmt.Sprintf("STEP 1/1: building %s\n", spec.Tag)
	if f.FailBuildMarker != "" && strings.Contains(spec.Dockerfile, f.FailBuildMarker) {
		return "", &BuildError{Log: log + "error: scripted build failure\n"}
	}
	f.images[spec.Tag] = true
	return log + "COMMIT " + spec.Tag + "\n", nil
}

func (f *Fake) ImageExists(_ context.Context, tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[tag]
}

func (f *Fake) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	f.mu.Lock()
	b := f.behaviors[spec.Command]
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	start := time.Now()
	if b.Sleep > 0 {
		select {
		case <-time.After(b.Sleep):
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		}
	}

	if len(b.Artifact) > 0 && spec.ArtifactDir != "" {
		path := filepath.Join(spec.ArtifactDir, ArtifactFile)
		if err := os.WriteFile(path, b.Artifact, 0o644); err != nil {
			return RunResult{}, fmt.Errorf("write fake artifact: %w", err)
		}
	}

	return RunResult{
		ExitCode: b.ExitCode,
		Stdout:   b.Stdout,
		Stats: model.Stats{
			WallTimeUS:   time.Since(start).Microseconds(),
			CPUTimeUS:    time.Since(start).Microseconds() / 2,
			MemPeakBytes: 1 << 20,
			TimedOut:     b.TimedOut,
			OOM:          b.OOM,
		},
	}, nil
}
