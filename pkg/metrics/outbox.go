package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outbox publish outcomes.
const (
	OutboxPublished    = "published"
	OutboxRetried      = "retried"
	OutboxDeadLettered = "dead_lettered"
)

// OutboxMetrics counts relay attempts per event type.
type OutboxMetrics struct {
	publish *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	publish := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Outbox rows relayed to the message bus by event type and outcome.",
	}, []string{"event_type", "outcome"})
	reg.MustRegister(publish)
	return &OutboxMetrics{publish: publish}
}

// IncPublish records one relay outcome.
func (o *OutboxMetrics) IncPublish(eventType, outcome string) {
	if o == nil || o.publish == nil {
		return
	}
	o.publish.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}
