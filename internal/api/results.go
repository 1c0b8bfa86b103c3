package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benchfleet/benchfleet/internal/model"
)

// statsExport carries the resource usage of one finished task: times in
// microseconds, memory in bytes.
type statsExport struct {
	WallTime int64 `json:"wallTime"`
	CPUTime  int64 `json:"cpuTime"`
	MemUsage int64 `json:"memUsage"`
}

// taskResult is one task in the downloadable results document.
type taskResult struct {
	ID              string          `json:"id"`
	State           string          `json:"state"`
	Assignee        string          `json:"assignee"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Command         string          `json:"command"`
	ExitCode        *int            `json:"exitcode"`
	FailReason      string          `json:"failReason,omitempty"`
	Stats           *statsExport    `json:"stats"`
	TimedOut        bool            `json:"timedOut,omitempty"`
	OOM             bool            `json:"oomKilled,omitempty"`
	Output          string          `json:"output"`
	OutputTruncated bool            `json:"outputTruncated,omitempty"`
	BuildOutput     string          `json:"buildOutput"`
	Result          json.RawMessage `json:"result"`
	ArtifactError   string          `json:"artifactError,omitempty"`
}

type envExport struct {
	CPULimit           int               `json:"cpuLimit"`
	WallClockTimeLimit int               `json:"wallClockTimeLimit"`
	CPUTimeLimit       int               `json:"cpuTimeLimit"`
	MemoryLimit        int64             `json:"memoryLimit"`
	Dockerfile         string            `json:"dockerfile"`
	Params             map[string]string `json:"params"`
}

// resultsExport is the full aggregated document served by
// GET /v1/suites/{id}/results.
type resultsExport struct {
	ID                 string       `json:"id"`
	Author             string       `json:"author"`
	Description        string       `json:"description,omitempty"`
	Status             string       `json:"status"`
	CreatedAt          time.Time    `json:"createdAt"`
	TaskCount          int          `json:"taskCount"`
	CompletedTaskCount int          `json:"completedTaskCount"`
	Env                envExport    `json:"env"`
	Tasks              []taskResult `json:"tasks"`
}

func (s *Server) handleSuiteResults(w http.ResponseWriter, r *http.Request) {
	suite, tasks, ok := s.loadSuiteDetail(w, r)
	if !ok {
		return
	}

	out := resultsExport{
		ID:                 suite.ID,
		Author:             suite.Author,
		Description:        suite.Description,
		Status:             model.SuiteStatus(tasks),
		CreatedAt:          suite.CreatedAt,
		TaskCount:          len(tasks),
		CompletedTaskCount: model.CompletedCount(tasks),
		Env: envExport{
			CPULimit:           suite.Env.CPULimit,
			WallClockTimeLimit: suite.Env.WallClockLimitS,
			CPUTimeLimit:       suite.Env.CPUTimeLimitS,
			MemoryLimit:        suite.Env.MemoryLimitBytes,
			Dockerfile:         suite.Env.Dockerfile,
			Params:             suite.Env.Params,
		},
		Tasks: make([]taskResult, 0, len(tasks)),
	}

	for _, task := range tasks {
		tr := taskResult{
			ID:              task.ID,
			State:           task.State,
			Assignee:        task.Assignee,
			UpdatedAt:       task.UpdatedAt,
			Command:         task.Command,
			ExitCode:        task.ExitCode,
			FailReason:      task.FailReason,
			Output:          task.Output,
			OutputTruncated: task.OutputTruncated,
			BuildOutput:     task.BuildOutput,
			Result:          json.RawMessage(task.Artifact),
			ArtifactError:   task.ArtifactError,
		}
		if task.Stats != nil {
			tr.Stats = &statsExport{
				WallTime: task.Stats.WallTimeUS,
				CPUTime:  task.Stats.CPUTimeUS,
				MemUsage: task.Stats.MemPeakBytes,
			}
			tr.TimedOut = task.Stats.TimedOut
			tr.OOM = task.Stats.OOM
		}
		out.Tasks = append(out.Tasks, tr)
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "suite-"+model.ShortID(suite.ID)+"-results.json"))
	s.writeJSON(w, http.StatusOK, out)
}
