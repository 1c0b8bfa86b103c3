//go:build !linux

package runtime

import (
	"context"
	"errors"
	"log/slog"
)

var errUnsupported = errors.New("podman runtime requires linux")

// Podman is unavailable off linux; every method fails. The fake runtime is
// the development substitute on other platforms.
type Podman struct{}

func NewPodman(_ *slog.Logger, _ string) *Podman { return &Podman{} }

func (p *Podman) Build(context.Context, BuildSpec) (string, error) {
	return "", errUnsupported
}

func (p *Podman) ImageExists(context.Context, string) bool { return false }

func (p *Podman) Run(context.Context, RunSpec) (RunResult, error) {
	return RunResult{}, errUnsupported
}
