package model

import "time"

// Task state constants.
const (
	StateCreated    = "created"
	StatePending    = "pending"
	StateAssigned   = "assigned"
	StateSuccess    = "success"
	StateFail       = "fail"
	StateCancelled  = "cancelled"
	StateWorkerLost = "workerLost"
)

// Failure reason constants recorded on terminal tasks. ReasonLimit covers
// wall-clock, CPU-time and memory ceilings; the stats flags tell them apart.
const (
	ReasonBuild      = "build"
	ReasonLimit      = "limit"
	ReasonExit       = "exit"
	ReasonCancelled  = "cancelled"
	ReasonWorkerLost = "workerLost"
)

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no outgoing transitions. assigned→pending is the
// requeue path used when a runner gives a task back before producing a
// terminal report.
var validTransitions = map[string]map[string]bool{
	StateCreated: {
		StatePending:   true,
		StateCancelled: true,
	},
	StatePending: {
		StateAssigned:  true,
		StateCancelled: true,
	},
	StateAssigned: {
		StateSuccess:    true,
		StateFail:       true,
		StateCancelled:  true,
		StateWorkerLost: true,
		StatePending:    true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether the given state is terminal.
func Terminal(state string) bool {
	switch state {
	case StateSuccess, StateFail, StateCancelled, StateWorkerLost:
		return true
	}
	return false
}

// Stats holds resource-usage figures collected for one task execution.
// Times are in microseconds, memory in bytes. TimedOut and OOM distinguish
// limit kills from ordinary nonzero exits.
type Stats struct {
	WallTimeUS   int64 `json:"wall_time_us"`
	CPUTimeUS    int64 `json:"cpu_time_us"`
	MemPeakBytes int64 `json:"mem_peak_bytes"`
	TimedOut     bool  `json:"timed_out"`
	OOM          bool  `json:"oom"`
}

// Task is one command executed once under the owning suite's limits.
type Task struct {
	ID              string     `json:"id"`
	SuiteID         string     `json:"suite_id"`
	Command         string     `json:"command"`
	State           string     `json:"state"`
	Assignee        string     `json:"assignee,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Unschedulable   bool       `json:"unschedulable,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Output          string     `json:"output,omitempty"`
	OutputTruncated bool       `json:"output_truncated,omitempty"`
	BuildOutput     string     `json:"build_output,omitempty"`
	Stats           *Stats     `json:"stats,omitempty"`
	FailReason      string     `json:"fail_reason,omitempty"`
	Artifact        []byte     `json:"artifact,omitempty"`
	ArtifactError   string     `json:"artifact_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
}
