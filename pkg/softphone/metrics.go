package softphone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает и экспортирует Prometheus метрики слоя оркестрации.
//
// Все операции thread-safe; при nil-приемнике методы безопасно
// ничего не делают (метрики выключены).
type Metrics struct {
	callsTotal     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callDuration   prometheus.Histogram
	transfersTotal *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	tonesActive    prometheus.Gauge
}

// NewMetrics регистрирует метрики в приемнике reg.
// Если reg == nil, используется prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Total number of call legs created",
		}, []string{"direction"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "calls",
			Name:      "active",
			Help:      "Number of currently live call legs",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "softphone",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Duration of connected calls",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "conference",
			Name:      "transfers_total",
			Help:      "Conference transfer operations by outcome",
		}, []string{"outcome"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors surfaced through the event bus by category",
		}, []string{"category"}),
		tonesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "tones",
			Name:      "active",
			Help:      "Number of currently playing feedback tones",
		}),
	}
}

// CallCreated учитывает создание ноги вызова.
func (m *Metrics) CallCreated(direction Direction) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(string(direction)).Inc()
	m.callsActive.Inc()
}

// CallRemoved учитывает удаление ноги вызова.
func (m *Metrics) CallRemoved() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

// CallDuration учитывает длительность завершенного разговора.
func (m *Metrics) CallDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.Observe(d.Seconds())
}

// Transfer учитывает результат операции перевода в комнату.
func (m *Metrics) Transfer(outcome string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(outcome).Inc()
}

// ErrorSurfaced учитывает ошибку, опубликованную наружу.
func (m *Metrics) ErrorSurfaced(code ErrorCode) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code.String()).Inc()
}

// ToneStarted/ToneStopped учитывают тоновую обратную связь.
func (m *Metrics) ToneStarted() {
	if m == nil {
		return
	}
	m.tonesActive.Inc()
}

func (m *Metrics) ToneStopped() {
	if m == nil {
		return
	}
	m.tonesActive.Dec()
}
