package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trader"

// Recorder 交易管线的 Prometheus 指标
type Recorder struct {
	streamMessages   *prometheus.CounterVec
	validationErrors *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	droppedMessages  *prometheus.CounterVec
	opinions         *prometheus.CounterVec
	modelLatency     *prometheus.HistogramVec
	cycleDuration    prometheus.Histogram
	cycleInterval    prometheus.Gauge
	decisions        *prometheus.CounterVec
	orders           *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	errorsTotal      *prometheus.CounterVec
}

// New 注册到默认 registry
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry 测试时传入独立 registry，避免重复注册
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		streamMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Accepted stream messages by category",
		}, []string{"category"}),
		validationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_validation_errors_total",
			Help:      "Stream messages rejected by validation",
		}, []string{"category"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Stream reconnects by endpoint",
		}, []string{"endpoint"}),
		droppedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a consumer was full",
		}, []string{"consumer"}),
		opinions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_opinions_total",
			Help:      "AI opinions by model and outcome",
		}, []string{"model", "outcome"}),
		modelLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_latency_seconds",
			Help:      "AI provider call latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"model"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Decision cycle wall time",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
		}),
		cycleInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_interval_seconds",
			Help:      "Current target interval between cycles",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Consensus decisions by action and source",
		}, []string{"action", "source"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders reaching a terminal state",
		}, []string{"side", "state"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_trades_total",
			Help:      "Trades skipped before submission",
		}, []string{"reason"}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Last accepted price per symbol",
		}, []string{"symbol"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Non-fatal errors by stage",
		}, []string{"stage"}),
	}
}

func (r *Recorder) RecordStreamMessage(category string) {
	r.streamMessages.WithLabelValues(category).Inc()
}

func (r *Recorder) RecordValidationError(category string) {
	r.validationErrors.WithLabelValues(category).Inc()
}

func (r *Recorder) RecordReconnect(endpoint string) {
	r.reconnects.WithLabelValues(endpoint).Inc()
}

func (r *Recorder) RecordDropped(consumer string) {
	r.droppedMessages.WithLabelValues(consumer).Inc()
}

// RecordOpinion outcome 取值 ok / failed / timeout / skipped
func (r *Recorder) RecordOpinion(model, outcome string, latency time.Duration) {
	r.opinions.WithLabelValues(model, outcome).Inc()
	if latency > 0 {
		r.modelLatency.WithLabelValues(model).Observe(latency.Seconds())
	}
}

func (r *Recorder) RecordCycle(duration, nextInterval time.Duration) {
	r.cycleDuration.Observe(duration.Seconds())
	r.cycleInterval.Set(nextInterval.Seconds())
}

func (r *Recorder) RecordDecision(action, source string) {
	r.decisions.WithLabelValues(action, source).Inc()
}

func (r *Recorder) RecordOrder(side, state string) {
	r.orders.WithLabelValues(side, state).Inc()
}

func (r *Recorder) RecordSkipped(reason string) {
	r.skipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordError(stage string) {
	r.errorsTotal.WithLabelValues(stage).Inc()
}
