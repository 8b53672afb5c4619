package metrics

import (
	"errors"
	"time"

	"kvimport/pkg/kverrors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kvimport"

// Metrics holds the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	openEngines      prometheus.Gauge
	engineOps        *prometheus.CounterVec
	openStreams      prometheus.Gauge
	batches          *prometheus.CounterVec
	mutations        prometheus.Counter
	encodedBytes     prometheus.Counter
	writeErrors      *prometheus.CounterVec
	flushedRuns      prometheus.Counter
	flushDuration    prometheus.Histogram
	finalizeDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		openEngines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_engines",
			Help:      "Number of engines currently open",
		}),
		engineOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_operations_total",
			Help:      "Engine lifecycle operations by outcome",
		}, []string{"op", "result"}),
		openStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_write_streams",
			Help:      "Number of write streams currently being served",
		}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_batches_total",
			Help:      "Write batches received by outcome",
		}, []string{"result"}),
		mutations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_written_total",
			Help:      "Mutations written into engines",
		}),
		encodedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoded_bytes_total",
			Help:      "Encoded key and value bytes written into engines",
		}),
		writeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Error responses sent on write streams by kind",
		}, []string{"kind"}),
		flushedRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_runs_total",
			Help:      "Memtables flushed to run files",
		}),
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing a memtable to a run file",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		finalizeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Time spent merging runs into the engine artifact",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// OnEngineOp counts an open, close or abandon and tracks open engines.
// A failed close or abandon still detached the engine, so only a missing
// engine leaves the gauge alone.
func (m *Metrics) OnEngineOp(op string, err error) {
	if m == nil {
		return
	}
	m.engineOps.WithLabelValues(op, result(err)).Inc()
	switch op {
	case "open":
		if err == nil {
			m.openEngines.Inc()
		}
	case "close", "abandon":
		if !errors.Is(err, kverrors.ErrEngineNotFound) {
			m.openEngines.Dec()
		}
	}
}

func (m *Metrics) OnStreamStart() {
	if m == nil {
		return
	}
	m.openStreams.Inc()
}

func (m *Metrics) OnStreamStop() {
	if m == nil {
		return
	}
	m.openStreams.Dec()
}

func (m *Metrics) OnBatchApplied(mutations int, encodedBytes uint64) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("applied").Inc()
	m.mutations.Add(float64(mutations))
	m.encodedBytes.Add(float64(encodedBytes))
}

func (m *Metrics) OnWriteError(kind kverrors.Kind) {
	if m == nil {
		return
	}
	if kind.Fatal() {
		m.batches.WithLabelValues("failed").Inc()
	} else {
		m.batches.WithLabelValues("rejected").Inc()
	}
	m.writeErrors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) OnFlush(took time.Duration) {
	if m == nil {
		return
	}
	m.flushedRuns.Inc()
	m.flushDuration.Observe(took.Seconds())
}

func (m *Metrics) OnFinalize(took time.Duration) {
	if m == nil {
		return
	}
	m.finalizeDuration.Observe(took.Seconds())
}
