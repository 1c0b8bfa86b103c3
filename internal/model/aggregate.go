package model

// Suite-level status constants derived from task terminal states.
const (
	SuiteRunning = "running"
	SuiteSuccess = "success"
	SuiteFail    = "fail"
)

// SuiteStatus derives the suite-level status from its tasks: running while
// any task is non-terminal, success only when every task succeeded, fail
// otherwise. Pure and read-only; a partial failure is never hidden.
func SuiteStatus(tasks []*Task) string {
	allSuccess := true
	for _, t := range tasks {
		if !Terminal(t.State) {
			return SuiteRunning
		}
		if t.State != StateSuccess {
			allSuccess = false
		}
	}
	if allSuccess {
		return SuiteSuccess
	}
	return SuiteFail
}

// CompletedCount returns the number of tasks in a terminal state.
func CompletedCount(tasks []*Task) int {
	n := 0
	for _, t := range tasks {
		if Terminal(t.State) {
			n++
		}
	}
	return n
}
