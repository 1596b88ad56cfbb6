package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"taskmill/internal/domain"
)

type Prom struct {
	started   prometheus.Counter
	succeeded prometheus.Counter
	failed    prometheus.Counter
	revoked   prometheus.Counter
	retried   prometheus.Counter
	depth     *prometheus.GaugeVec
	liveness  *prometheus.GaugeVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	m := &Prom{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_started_total",
			Help: "Number of task executions started",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_succeeded_total",
			Help: "Number of tasks that reached succeeded",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_failed_total",
			Help: "Number of tasks that reached failed",
		}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_revoked_total",
			Help: "Number of tasks that reached revoked",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_retried_total",
			Help: "Number of retry re-deliveries",
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmill_queue_depth",
			Help: "Waiting items per priority tier",
		}, []string{"tier"}),
		liveness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmill_worker_last_seen_timestamp_seconds",
			Help: "Unix time a worker goroutine last reported alive",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.started, m.succeeded, m.failed, m.revoked, m.retried, m.depth, m.liveness)
	return m
}

func (m *Prom) TaskStarted()   { m.started.Inc() }
func (m *Prom) TaskSucceeded() { m.succeeded.Inc() }
func (m *Prom) TaskFailed()    { m.failed.Inc() }
func (m *Prom) TaskRevoked()   { m.revoked.Inc() }
func (m *Prom) TaskRetried()   { m.retried.Inc() }

func (m *Prom) QueueDepth(p domain.Priority, n int64) {
	m.depth.WithLabelValues(p.String()).Set(float64(n))
}

func (m *Prom) WorkerAlive(worker string) {
	m.liveness.WithLabelValues(worker).SetToCurrentTime()
}
