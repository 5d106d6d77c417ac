package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "tok"

// Metrics groups the sync engine collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	deliveryAttempts      prometheus.Counter
	deliveryResults       *prometheus.CounterVec
	historyPulls          *prometheus.CounterVec
	pullDedupSkipped      prometheus.Counter
	inboundCommands       *prometheus.CounterVec
	inboundDecodeFailures *prometheus.CounterVec
	offlineAcks           prometheus.Counter
	queueDepth            prometheus.Gauge
}

// New registers the collectors on reg. Registering twice on the same
// registry panics, as with any promauto factory.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		deliveryAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Outbound send attempts handed to the transport.",
		}),
		deliveryResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "delivery", Name: "results_total",
			Help: "Terminal outcomes of outbound messages.",
		}, []string{"result"}),
		historyPulls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "history", Name: "pulls_total",
			Help: "Pull requests sent to the group relay.",
		}, []string{"kind"}),
		pullDedupSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "history", Name: "pull_dedup_skipped_total",
			Help: "Pull requests suppressed because the range was already in flight.",
		}),
		inboundCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "inbound", Name: "commands_total",
			Help: "Inbound relay commands by category and command.",
		}, []string{"category", "cmd"}),
		inboundDecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "inbound", Name: "decode_failures_total",
			Help: "Inbound payloads dropped because they did not decode.",
		}, []string{"category"}),
		offlineAcks: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "offline_acks_total",
			Help: "Cumulative acknowledgements sent to the offline relay.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "delivery", Name: "queue_depth",
			Help: "Outbound messages queued or in flight.",
		}),
	}
}

func (m *Metrics) DeliveryAttempt() {
	if m == nil {
		return
	}
	m.deliveryAttempts.Inc()
}

func (m *Metrics) DeliveryResult(result string) {
	if m == nil {
		return
	}
	m.deliveryResults.WithLabelValues(result).Inc()
}

func (m *Metrics) HistoryPull(kind string) {
	if m == nil {
		return
	}
	m.historyPulls.WithLabelValues(kind).Inc()
}

func (m *Metrics) PullDedupSkipped() {
	if m == nil {
		return
	}
	m.pullDedupSkipped.Inc()
}

func (m *Metrics) InboundCommand(category, cmd string) {
	if m == nil {
		return
	}
	m.inboundCommands.WithLabelValues(category, cmd).Inc()
}

func (m *Metrics) DecodeFailure(category string) {
	if m == nil {
		return
	}
	m.inboundDecodeFailures.WithLabelValues(category).Inc()
}

func (m *Metrics) OfflineAck() {
	if m == nil {
		return
	}
	m.offlineAcks.Inc()
}

func (m *Metrics) QueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}
