// benchctl is a thin command-line client for the benchfleet API: submit a
// suite from a Dockerfile and a task list, watch its progress, download the
// aggregated results.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultServer = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = cmdCreate(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "results":
		err = cmdResults(os.Args[2:])
	case "pause":
		err = cmdSetPaused(os.Args[2:], true)
	case "resume":
		err = cmdSetPaused(os.Args[2:], false)
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "workers":
		err = cmdWorkers(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "benchctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: benchctl <command> [flags]

commands:
  create    submit a new suite
  status    show a suite's progress
  results   download a suite's aggregated results
  pause     pause a suite's scheduling
  resume    resume a paused suite
  cancel    cancel a task
  workers   list registered workers`)
}

// paramFlags collects repeated -p KEY=VALUE build parameters.
type paramFlags map[string]string

func (p paramFlags) String() string { return fmt.Sprint(map[string]string(p)) }

func (p paramFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	p[key] = value
	return nil
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("BENCHFLEET_SERVER")
	if def == "" {
		def = defaultServer
	}
	return fs.String("server", def, "benchfleet server URL")
}

func cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	server := serverFlag(fs)
	author := fs.String("author", "", "suite author (required)")
	description := fs.String("description", "", "suite description")
	dockerfilePath := fs.String("dockerfile", "Dockerfile", "path to the environment Dockerfile")
	tasksPath := fs.String("tasks", "", "path to a JSON array of task command strings (required)")
	cpu := fs.Int("cpu", 1, "per-task CPU core limit")
	wall := fs.Int("wall", 300, "per-task wall-clock limit in seconds")
	cpuTime := fs.Int("cputime", 300, "per-task CPU-time limit in seconds")
	mem := fs.Int64("mem", 1<<30, "per-task memory limit in bytes")
	paused := fs.Bool("paused", false, "create the suite paused")
	params := paramFlags{}
	fs.Var(params, "p", "build parameter KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *author == "" {
		return fmt.Errorf("-author is required")
	}
	if *tasksPath == "" {
		return fmt.Errorf("-tasks is required")
	}

	dockerfile, err := os.ReadFile(*dockerfilePath)
	if err != nil {
		return fmt.Errorf("read dockerfile: %w", err)
	}
	taskData, err := os.ReadFile(*tasksPath)
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	var tasks []string
	if err := json.Unmarshal(taskData, &tasks); err != nil {
		return fmt.Errorf("parse tasks (want a JSON array of strings): %w", err)
	}

	body := map[string]any{
		"author":      *author,
		"description": *description,
		"dockerfile":  string(dockerfile),
		"params":      map[string]string(params),
		"tasks":       tasks,
		"paused":      *paused,
		"limits": map[string]any{
			"cpuLimit":           *cpu,
			"wallClockTimeLimit": *wall,
			"cpuTimeLimit":       *cpuTime,
			"memoryLimit":        *mem,
		},
	}

	var created struct {
		ID        string `json:"id"`
		TaskCount int    `json:"taskCount"`
	}
	if err := postJSON(*server+"/v1/suites", body, &created); err != nil {
		return err
	}
	fmt.Printf("suite %s created with %d tasks\n", created.ID, created.TaskCount)
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: benchctl status [flags] <suite-id>")
	}

	var detail struct {
		ID                 string `json:"id"`
		Author             string `json:"author"`
		Status             string `json:"status"`
		Paused             bool   `json:"paused"`
		TaskCount          int    `json:"taskCount"`
		CompletedTaskCount int    `json:"completedTaskCount"`
		Tasks              []struct {
			ID      string `json:"id"`
			State   string `json:"state"`
			Command string `json:"command"`
		} `json:"tasks"`
	}
	if err := getJSON(*server+"/v1/suites/"+id, &detail); err != nil {
		return err
	}

	fmt.Printf("suite %s by %s: %s (%d/%d tasks done", detail.ID, detail.Author,
		detail.Status, detail.CompletedTaskCount, detail.TaskCount)
	if detail.Paused {
		fmt.Print(", paused")
	}
	fmt.Println(")")
	for _, task := range detail.Tasks {
		fmt.Printf("  %s  %-10s  %s\n", task.ID, task.State, task.Command)
	}
	return nil
}

func cmdResults(args []string) error {
	fs := flag.NewFlagSet("results", flag.ExitOnError)
	server := serverFlag(fs)
	out := fs.String("o", "", "write results to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: benchctl results [flags] <suite-id>")
	}

	resp, err := httpClient().Get(*server + "/v1/suites/" + id + "/results")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var dst io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return err
	}
	if *out != "" {
		fmt.Printf("results written to %s\n", *out)
	}
	return nil
}

func cmdSetPaused(args []string, paused bool) error {
	verb := "resume"
	if paused {
		verb = "pause"
	}
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: benchctl %s [flags] <suite-id>", verb)
	}

	var resp struct {
		ID     string `json:"id"`
		Paused bool   `json:"paused"`
	}
	if err := postJSON(*server+"/v1/suites/"+id+"/"+verb, nil, &resp); err != nil {
		return err
	}
	fmt.Printf("suite %s paused=%v\n", resp.ID, resp.Paused)
	return nil
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: benchctl cancel [flags] <task-id>")
	}

	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := postJSON(*server+"/v1/tasks/"+id+"/cancel", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("task %s: %s\n", resp.ID, resp.State)
	return nil
}

func cmdWorkers(args []string) error {
	fs := flag.NewFlagSet("workers", flag.ExitOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp struct {
		Workers []struct {
			ID    string `json:"id"`
			Total struct {
				Cores       int   `json:"cores"`
				MemoryBytes int64 `json:"memory_bytes"`
			} `json:"total"`
			Free struct {
				Cores       int   `json:"cores"`
				MemoryBytes int64 `json:"memory_bytes"`
			} `json:"free"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		} `json:"workers"`
	}
	if err := getJSON(*server+"/v1/workers", &resp); err != nil {
		return err
	}

	for _, w := range resp.Workers {
		fmt.Printf("%s  %d/%d cores free  %d/%d MiB free  heartbeat %s\n",
			w.ID, w.Free.Cores, w.Total.Cores,
			w.Free.MemoryBytes>>20, w.Total.MemoryBytes>>20,
			w.LastHeartbeat.Format(time.RFC3339))
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(url string, dst any) error {
	resp, err := httpClient().Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func postJSON(url string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	resp, err := httpClient().Post(url, "application/json", rd)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
