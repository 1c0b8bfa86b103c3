//go:build linux

package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cgroup is a handle on one cgroup v2 directory used as the container's
// cgroup parent, read post-mortem for CPU time and peak memory.
type cgroup struct {
	path string
}

func newCgroup(root, name string) (*cgroup, error) {
	if root == "" {
		return nil, nil
	}
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	return &cgroup{path: path}, nil
}

func (c *cgroup) remove() {
	if c == nil {
		return
	}
	_ = os.RemoveAll(c.path)
}

// cpuUsageUS returns usage_usec from cpu.stat, 0 when unavailable.
func (c *cgroup) cpuUsageUS() int64 {
	if c == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			v, _ := strconv.ParseInt(fields[1], 10, 64)
			return v
		}
	}
	return 0
}

// memoryPeak returns memory.peak in bytes, 0 when unavailable.
func (c *cgroup) memoryPeak() int64 {
	if c == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	return v
}

// oomKilled reports whether the memory controller recorded an OOM kill.
func (c *cgroup) oomKilled() bool {
	if c == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			v, _ := strconv.ParseInt(fields[1], 10, 64)
			return v > 0
		}
	}
	return false
}
