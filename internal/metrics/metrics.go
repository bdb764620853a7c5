// Package metrics holds the prometheus collectors of the audit service.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamaudit"

type Metrics struct {
	JobsSubmitted       *prometheus.CounterVec
	JobsActive          *prometheus.GaugeVec
	JobsFinished        *prometheus.CounterVec
	IndexEntries        prometheus.Counter
	DuplicatePositions  prometheus.Counter
	ReplayedMessages    prometheus.Counter
	TailMessages        prometheus.Counter
	CheckedMessages     prometheus.Counter
	ReplayBatchDuration prometheus.Histogram
}

// New registers every collector on r. A nil r leaves the collectors
// unregistered, which tests use to avoid sharing a registry. Collectors
// already registered on r are reused.
func New(r prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "submitted_total",
			Help: "Job submissions by kind and result (accepted, conflict, error).",
		}, []string{"kind", "result"}),
		JobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "active",
			Help: "Jobs currently registered by kind.",
		}, []string{"kind"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "finished_total",
			Help: "Finished jobs by kind and outcome (ok, failed, canceled).",
		}, []string{"kind", "outcome"}),
		IndexEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "entries_total",
			Help: "Sequence index entries written.",
		}),
		DuplicatePositions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_positions_total",
			Help: "Positions reported as delivered more than once.",
		}),
		ReplayedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replayed_messages_total",
			Help: "Messages published to recovery targets.",
		}),
		TailMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tail_messages_total",
			Help: "Messages read during post-replay tail reconciliation.",
		}),
		CheckedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checked_messages_total",
			Help: "Messages consumed by integrity checks.",
		}),
		ReplayBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "replay", Name: "batch_publish_seconds",
			Help:    "Latency of publishing one replay batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if r == nil {
		return m, nil
	}
	if err := m.register(r); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register(r prometheus.Registerer) error {
	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}
	var errs []error
	swap := func(c prometheus.Collector) prometheus.Collector {
		got, err := register(c)
		if err != nil {
			errs = append(errs, err)
			return c
		}
		return got
	}
	m.JobsSubmitted = swap(m.JobsSubmitted).(*prometheus.CounterVec)
	m.JobsActive = swap(m.JobsActive).(*prometheus.GaugeVec)
	m.JobsFinished = swap(m.JobsFinished).(*prometheus.CounterVec)
	m.IndexEntries = swap(m.IndexEntries).(prometheus.Counter)
	m.DuplicatePositions = swap(m.DuplicatePositions).(prometheus.Counter)
	m.ReplayedMessages = swap(m.ReplayedMessages).(prometheus.Counter)
	m.TailMessages = swap(m.TailMessages).(prometheus.Counter)
	m.CheckedMessages = swap(m.CheckedMessages).(prometheus.Counter)
	m.ReplayBatchDuration = swap(m.ReplayBatchDuration).(prometheus.Histogram)
	return errors.Join(errs...)
}

// Noop returns unregistered collectors.
func Noop() *Metrics {
	m, _ := New(nil)
	return m
}
