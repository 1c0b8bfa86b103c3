package model

import (
	"errors"
	"time"
)

// Env describes the runtime environment a suite's tasks execute in: the image
// build recipe plus the per-task resource-limit quadruple.
type Env struct {
	Dockerfile       string            `json:"dockerfile"`
	Params           map[string]string `json:"params,omitempty"`
	CPULimit         int               `json:"cpu_limit"`
	WallClockLimitS  int               `json:"wall_clock_time_limit_s"`
	CPUTimeLimitS    int               `json:"cpu_time_limit_s"`
	MemoryLimitBytes int64             `json:"memory_limit_bytes"`
}

// Validate checks the structural validity of the environment descriptor.
// This is the only error surfaced synchronously at suite creation; everything
// later resolves into task terminal states.
func (e *Env) Validate() error {
	if e.Dockerfile == "" {
		return errors.New("dockerfile is required")
	}
	if e.CPULimit <= 0 {
		return errors.New("cpu limit must be positive")
	}
	if e.WallClockLimitS <= 0 {
		return errors.New("wall-clock time limit must be positive")
	}
	if e.CPUTimeLimitS <= 0 {
		return errors.New("cpu time limit must be positive")
	}
	if e.MemoryLimitBytes <= 0 {
		return errors.New("memory limit must be positive")
	}
	return nil
}

// Suite is a collection of tasks sharing one build environment and limits.
type Suite struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Description string    `json:"description,omitempty"`
	Env         Env       `json:"env"`
	Paused      bool      `json:"paused"`
	CreatedAt   time.Time `json:"created_at"`
}
