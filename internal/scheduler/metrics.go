package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the dispatcher's gauges and counters.
type Metrics struct {
	TasksAssigned  prometheus.Counter
	TasksCompleted *prometheus.CounterVec
	TasksRunning   prometheus.Gauge
	WorkersLive    prometheus.Gauge
}

// NewMetrics registers dispatcher metrics on the given registerer. Tests pass
// a fresh registry so parallel schedulers never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "benchfleet_tasks_assigned_total",
			Help: "Tasks handed to a worker.",
		}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchfleet_tasks_completed_total",
			Help: "Tasks that reached a terminal state.",
		}, []string{"state"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "benchfleet_tasks_running",
			Help: "Tasks currently assigned to a worker.",
		}),
		WorkersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "benchfleet_workers_live",
			Help: "Workers with a recent heartbeat.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksAssigned, m.TasksCompleted, m.TasksRunning, m.WorkersLive)
	}
	return m
}
