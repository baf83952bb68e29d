package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	LogOperation string
	MessageError string
)

const (
	LogOperationAppend LogOperation = "append"
	LogOperationRead   LogOperation = "read"
	LogOperationAck    LogOperation = "ack"
	LogOperationCursor LogOperation = "cursor"
	LogOperationTrim   LogOperation = "trim"

	MessageErrorInvalid     MessageError = "invalid"
	MessageErrorMalformed   MessageError = "malformed"
	MessageErrorTranslation MessageError = "translation"
	MessageErrorApplication MessageError = "application"
)

const (
	FirehoseMetricsPrefix     = "repoindex_firehose_"
	BackfillMetricsPrefix     = "repoindex_backfill_"
	RepoBackfillMetricsPrefix = "repoindex_repo_backfill_"
	IndexerMetricsPrefix      = "repoindex_indexer_"
)

type Metrics struct {
	logErrorsCounter   *prometheus.CounterVec
	messageErrors      *prometheus.CounterVec
	transportErrors    prometheus.Counter
	eventsCounter      prometheus.Counter
	batchSizeHistogram prometheus.Histogram
	leaderGauge        prometheus.Gauge
}

// NewMetrics creates the metrics of one pipeline component, registered with reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(prefix string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		logErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "log_errors",
			Help: "Number of event log errors grouped by operation",
		}, []string{"operation"}),
		messageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "message_errors",
			Help: "Number of dropped or failed messages grouped by error type",
		}, []string{"error"}),
		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "transport_errors",
			Help: "Number of errors talking to an upstream host",
		}),
		eventsCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "events",
			Help: "Number of events written or applied",
		}),
		batchSizeHistogram: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "batch_size",
			Help:    "Number of items per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		leaderGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "leader_sessions",
			Help: "Number of leader sessions currently held by this process",
		}),
	}
}

func (m *Metrics) RecordLogError(operation LogOperation) {
	m.logErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordMessageError(error MessageError) {
	m.messageErrors.With(map[string]string{"error": string(error)}).Inc()
}

func (m *Metrics) RecordTransportError() {
	m.transportErrors.Inc()
}

func (m *Metrics) RecordEvents(n int) {
	m.eventsCounter.Add(float64(n))
}

func (m *Metrics) RecordBatchSize(n int) {
	m.batchSizeHistogram.Observe(float64(n))
}

func (m *Metrics) LeaderSessionStarted() {
	m.leaderGauge.Inc()
}

func (m *Metrics) LeaderSessionEnded() {
	m.leaderGauge.Dec()
}
