package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildcache"

// Recorder counts reuse decisions, artifact transfers and lock transitions,
// and tracks the wake-up backlog. A nil *Recorder is valid and records nothing.
type Recorder struct {
	decisions *prometheus.CounterVec
	transfers *prometheus.CounterVec
	locks     *prometheus.CounterVec
	backlog   prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_decisions_total",
			Help:      "Counts resume decisions by variant and outcome",
		}, []string{"variant", "outcome"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Counts artifact transfers by direction and result",
		}, []string{"direction", "result"}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_transitions_total",
			Help:      "Counts worker lock acquire and release transitions",
		}, []string{"op"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wakeup_backlog",
			Help:      "Worker wake-ups queued but not yet consumed",
		}),
	}
	for _, c := range []prometheus.Collector{r.decisions, r.transfers, r.locks, r.backlog} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ResumeDecision(variant, outcome string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(variant, outcome).Inc()
}

func (r *Recorder) Transfer(direction, result string) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(direction, result).Inc()
}

func (r *Recorder) LockTransition(op string) {
	if r == nil {
		return
	}
	r.locks.WithLabelValues(op).Inc()
}

func (r *Recorder) WakeupBacklog(n int64) {
	if r == nil {
		return
	}
	r.backlog.Set(float64(n))
}
