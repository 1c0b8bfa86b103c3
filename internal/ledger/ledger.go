// Package ledger tracks per-worker capacity and the portion currently
// reserved by in-flight tasks. Pure bookkeeping, no I/O. Each worker's free
// pool is an independent mutable unit with its own lock, so dispatch attempts
// against different workers never serialize on each other.
package ledger

import (
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/internal/model"
)

// Reservation is a temporary debit of one worker's free capacity for one
// in-flight task. Created at assignment, released exactly once at the task's
// terminal transition.
type Reservation struct {
	WorkerID    string
	TaskID      string
	Cores       int
	MemoryBytes int64

	released bool
}

type workerEntry struct {
	mu            sync.Mutex
	total         model.Capacity
	freeCores     int
	freeMemory    int64
	lastHeartbeat time.Time
}

// Ledger is the in-memory capacity book for all registered workers.
type Ledger struct {
	mu      sync.RWMutex
	workers map[string]*workerEntry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{workers: make(map[string]*workerEntry)}
}

// Register adds a worker with the given total capacity, or resets its
// heartbeat if already present. Re-registration keeps existing reservations.
func (l *Ledger) Register(id string, total model.Capacity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workers[id]; ok {
		l.workers[id].lastHeartbeat = time.Now().UTC()
		return
	}
	l.workers[id] = &workerEntry{
		total:         total,
		freeCores:     total.Cores,
		freeMemory:    total.MemoryBytes,
		lastHeartbeat: time.Now().UTC(),
	}
}

// Heartbeat records liveness for the given worker.
func (l *Ledger) Heartbeat(id string) {
	l.mu.RLock()
	w, ok := l.workers[id]
	l.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.lastHeartbeat = time.Now().UTC()
	w.mu.Unlock()
}

// TryReserve atomically debits cores and memory from the worker's free pool.
// It returns the reservation and true on success; false when the worker is
// unknown or lacks free capacity. No partial reservation ever occurs.
func (l *Ledger) TryReserve(workerID, taskID string, cores int, memoryBytes int64) (*Reservation, bool) {
	l.mu.RLock()
	w, ok := l.workers[workerID]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.freeCores < cores || w.freeMemory < memoryBytes {
		return nil, false
	}
	w.freeCores -= cores
	w.freeMemory -= memoryBytes
	return &Reservation{
		WorkerID:    workerID,
		TaskID:      taskID,
		Cores:       cores,
		MemoryBytes: memoryBytes,
	}, true
}

// Release credits a reservation back to its worker's free pool. Releasing the
// same reservation twice is a no-op.
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.RLock()
	w, ok := l.workers[r.WorkerID]
	l.mu.RUnlock()
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	w.freeCores += r.Cores
	w.freeMemory += r.MemoryBytes
}

// Workers returns a point-in-time snapshot of all registered workers.
func (l *Ledger) Workers() []*model.Worker {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*model.Worker, 0, len(l.workers))
	for id, w := range l.workers {
		w.mu.Lock()
		out = append(out, &model.Worker{
			ID:            id,
			Total:         w.total,
			Free:          model.Capacity{Cores: w.freeCores, MemoryBytes: w.freeMemory},
			LastHeartbeat: w.lastHeartbeat,
		})
		w.mu.Unlock()
	}
	return out
}

// FitsAny reports whether any registered worker's total capacity could ever
// satisfy the request. A false result means the request is permanently
// unschedulable until a larger worker joins.
func (l *Ledger) FitsAny(cores int, memoryBytes int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.workers {
		if w.total.Fits(cores, memoryBytes) {
			return true
		}
	}
	return false
}
