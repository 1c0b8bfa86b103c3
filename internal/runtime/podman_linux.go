//go:build linux

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/internal/model"
)

const (
	// artifactMount is the fixed path inside the container where a task may
	// write its structured result file.
	artifactMount = "/artifact"

	defaultPollInterval = 250 * time.Millisecond
	stopGraceS          = 1
)

// Podman runs task containers via the podman CLI with cgroupfs management,
// so per-container cgroups can be placed under a known parent and read for
// CPU time and peak memory after the run.
type Podman struct {
	logger       *slog.Logger
	cgroupRoot   string
	pollInterval time.Duration
}

// NewPodman creates a podman-backed runtime. cgroupRoot is an absolute
// cgroup v2 filesystem path under which per-task groups are created; empty
// disables cgroup accounting (CPU-time enforcement degrades to none and
// stats fall back to container inspect data).
func NewPodman(logger *slog.Logger, cgroupRoot string) *Podman {
	return &Podman{
		logger:       logger,
		cgroupRoot:   cgroupRoot,
		pollInterval: defaultPollInterval,
	}
}

func (p *Podman) invoke(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--cgroup-manager", "cgroupfs", "--log-level", "error"}, args...)
	cmd := exec.CommandContext(ctx, "podman", full...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("podman %s: %w", args[0], err)
	}
	return buf.String(), nil
}

// Build writes the dockerfile to a scratch directory and builds it under the
// suite's CPU and memory ceilings. The combined build output is returned in
// all cases; a build failure comes back as *BuildError carrying it.
func (p *Podman) Build(ctx context.Context, spec BuildSpec) (string, error) {
	dir, err := os.MkdirTemp("", "benchfleet-build-")
	if err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dockerfile := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(dockerfile, []byte(spec.Dockerfile), 0o644); err != nil {
		return "", fmt.Errorf("write dockerfile: %w", err)
	}

	args := []string{"build", "-t", spec.Tag}
	for k, v := range spec.Params {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	if spec.Limits.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.Limits.MemoryBytes, 10))
	}
	if spec.Limits.Cores > 0 {
		args = append(args,
			"--cpu-period", "100000",
			"--cpu-quota", strconv.Itoa(100000*spec.Limits.Cores))
	}
	// Docker format keeps extensions like SHELL working.
	args = append(args, "--format", "docker", "-f", dockerfile, dir)

	out, err := p.invoke(ctx, args...)
	if err != nil {
		return out, &BuildError{Log: out}
	}
	return out, nil
}

// ImageExists reports whether the tag resolves to a local image.
func (p *Podman) ImageExists(ctx context.Context, tag string) bool {
	err := exec.CommandContext(ctx, "podman", "image", "exists", tag).Run()
	return err == nil
}

type inspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	OOMKilled  bool      `json:"OOMKilled"`
	StartedAt  time.Time `json:"StartedAt"`
	FinishedAt time.Time `json:"FinishedAt"`
}

type inspectOutput struct {
	State inspectState `json:"State"`
}

func (p *Podman) inspect(ctx context.Context, container string) (*inspectState, error) {
	out, err := p.invoke(ctx, "container", "inspect", container)
	if err != nil {
		return nil, err
	}
	var parsed []inspectOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("container %s not found in inspect output", container)
	}
	return &parsed[0].State, nil
}

// Run creates, starts and watches one task container. Wall-clock and CPU-time
// ceilings are enforced by the watch loop (stop on breach); the memory
// ceiling is enforced by the kernel via --memory/--memory-swap, surfacing as
// an OOM kill. Context cancellation stops the container and returns ctx.Err().
func (p *Podman) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	name := "benchfleet-task-" + model.ShortID(spec.TaskID)

	cg, err := newCgroup(p.cgroupRoot, name)
	if err != nil {
		p.logger.Warn("cgroup setup failed, running without cgroup accounting",
			"task_id", spec.TaskID, "error", err)
		cg = nil
	}
	defer cg.remove()

	args := []string{
		"container", "create", "--name", name,
		"--cpus", strconv.Itoa(spec.Limits.Cores),
		"--memory", strconv.FormatInt(spec.Limits.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(spec.Limits.MemoryBytes, 10),
		"--mount", fmt.Sprintf("type=bind,src=%s,target=%s", spec.ArtifactDir, artifactMount),
	}
	if cg != nil {
		args = append(args, "--cgroup-parent", strings.TrimPrefix(cg.path, "/sys/fs/cgroup"))
	}
	args = append(args, spec.ImageRef, "/bin/sh", "-c", spec.Command)

	out, err := p.invoke(ctx, args...)
	if err != nil {
		return RunResult{}, fmt.Errorf("create container: %w (%s)", err, out)
	}
	container := strings.TrimSpace(out)
	defer func() {
		// Removal must not be cut short by a cancelled task context.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if out, err := p.invoke(rmCtx, "container", "rm", "-f", container); err != nil {
			p.logger.Warn("remove container", "container", name, "error", err, "output", out)
		}
	}()

	if out, err := p.invoke(ctx, "container", "start", container); err != nil {
		return RunResult{}, fmt.Errorf("start container: %w (%s)", err, out)
	}

	wallLimit := time.Duration(spec.Limits.WallClockS) * time.Second
	cpuLimitUS := int64(spec.Limits.CPUTimeS) * 1_000_000
	timedOut := false

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

watch:
	for {
		select {
		case <-ctx.Done():
			_, _ = p.invoke(context.Background(), "container", "stop", "--time", strconv.Itoa(stopGraceS), container)
			return RunResult{}, ctx.Err()
		case <-ticker.C:
		}

		st, err := p.inspect(ctx, container)
		if err != nil {
			return RunResult{}, fmt.Errorf("watch container: %w", err)
		}
		if st.Status != "running" {
			break watch
		}
		wall := time.Since(st.StartedAt)
		if wall >= wallLimit || (cpuLimitUS > 0 && cg.cpuUsageUS() >= cpuLimitUS) {
			timedOut = true
			if _, err := p.invoke(ctx, "container", "stop", "--time", strconv.Itoa(stopGraceS), container); err != nil {
				p.logger.Warn("stop over-limit container", "container", name, "error", err)
			}
		}
	}

	st, err := p.inspect(ctx, container)
	if err != nil {
		return RunResult{}, fmt.Errorf("final inspect: %w", err)
	}

	finished := st.FinishedAt
	if finished.Before(st.StartedAt) {
		finished = time.Now().UTC()
	}

	logs, err := p.invoke(ctx, "logs", container)
	if err != nil {
		p.logger.Warn("read container logs", "container", name, "error", err)
	}

	return RunResult{
		ExitCode: st.ExitCode,
		Stdout:   logs,
		Stats: model.Stats{
			WallTimeUS:   finished.Sub(st.StartedAt).Microseconds(),
			CPUTimeUS:    cg.cpuUsageUS(),
			MemPeakBytes: cg.memoryPeak(),
			TimedOut:     timedOut,
			OOM:          st.OOMKilled || cg.oomKilled(),
		},
	}, nil
}
