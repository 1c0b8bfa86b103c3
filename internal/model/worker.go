package model

import "time"

// Capacity is a worker's resource envelope: whole CPU cores and bytes of memory.
type Capacity struct {
	Cores       int   `json:"cores"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Fits reports whether a request fits inside this capacity.
func (c Capacity) Fits(cores int, memoryBytes int64) bool {
	return c.Cores >= cores && c.MemoryBytes >= memoryBytes
}

// Worker is one machine executing tasks. Total is its advertised capacity;
// LastHeartbeat drives liveness exclusion from new assignments.
type Worker struct {
	ID            string    `json:"id"`
	Total         Capacity  `json:"total"`
	Free          Capacity  `json:"free"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
