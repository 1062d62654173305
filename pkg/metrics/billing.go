package metrics

import "github.com/prometheus/client_golang/prometheus"

// Webhook outcomes.
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookFailed    = "failed"
	WebhookRejected  = "rejected"
)

// Plan sync outcomes.
const (
	PlanSynced  = "synced"
	PlanSkipped = "skipped"
	PlanFailed  = "failed"
)

// BillingMetrics counts webhook reconciliation and plan sync outcomes.
type BillingMetrics struct {
	webhookEvents *prometheus.CounterVec
	planSync      *prometheus.CounterVec
}

// NewBillingMetrics registers the billing counters on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Payment provider webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	planSync := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plan_sync_total",
		Help: "Subscription plan synchronization attempts by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(webhookEvents, planSync)
	return &BillingMetrics{
		webhookEvents: webhookEvents,
		planSync:      planSync,
	}
}

// IncWebhookEvent records one webhook delivery.
func (b *BillingMetrics) IncWebhookEvent(eventType, outcome string) {
	if b == nil || b.webhookEvents == nil {
		return
	}
	b.webhookEvents.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}

// IncPlanSync records one plan sync outcome.
func (b *BillingMetrics) IncPlanSync(outcome string) {
	if b == nil || b.planSync == nil {
		return
	}
	b.planSync.WithLabelValues(outcome).Inc()
}
