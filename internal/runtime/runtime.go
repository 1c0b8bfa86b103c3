// Package runtime is the container build/run layer consumed by the worker
// execution engine. It hides the host tooling (podman on linux) behind a
// small interface so the engine and its tests can run against a fake.
package runtime

import (
	"context"
	"fmt"

	"github.com/benchfleet/benchfleet/internal/model"
)

// ArtifactFile is the well-known file name a task writes inside its artifact
// directory; the engine extracts and parses it after the process exits.
const ArtifactFile = "results.json"

// BuildError reports a failed image build. Log carries the combined build
// output for the task's build_output field.
type BuildError struct {
	Log string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build failed:\n%s", e.Log)
}

// Limits is the per-task resource ceiling quadruple.
type Limits struct {
	Cores       int
	MemoryBytes int64
	WallClockS  int
	CPUTimeS    int
}

// BuildSpec describes one image build.
type BuildSpec struct {
	Tag        string
	Dockerfile string
	Params     map[string]string
	Limits     Limits
}

// RunSpec describes one task execution inside an isolated container.
// ArtifactDir is a host directory mounted at the artifact path inside the
// container; the task may write its structured result file there.
type RunSpec struct {
	TaskID      string
	ImageRef    string
	Command     string
	Limits      Limits
	ArtifactDir string
}

// RunResult is what one finished (or killed) execution produced. Limit kills
// surface through the stats flags, never through a crafted exit code.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stats    model.Stats
}

// Runtime builds images and runs commands under hard resource ceilings.
// Enforcement happens at the host's process/cgroup level, not with
// in-process timers. Run blocks until the process exits or is killed;
// cancelling the context kills the process group and returns ctx.Err().
type Runtime interface {
	Build(ctx context.Context, spec BuildSpec) (log string, err error)
	ImageExists(ctx context.Context, tag string) bool
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}
