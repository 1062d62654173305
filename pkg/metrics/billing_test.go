package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestBillingMetricsCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBillingMetrics(reg)

	m.IncWebhookEvent("invoice.paid", WebhookProcessed)
	m.IncWebhookEvent("invoice.paid", WebhookProcessed)
	m.IncWebhookEvent("invoice.paid", WebhookDuplicate)
	m.IncWebhookEvent("", WebhookRejected)
	m.IncPlanSync(PlanSynced)
	m.IncPlanSync(PlanFailed)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"webhook_events_total", map[string]string{"type": "invoice.paid", "outcome": WebhookProcessed}, 2},
		{"webhook_events_total", map[string]string{"type": "invoice.paid", "outcome": WebhookDuplicate}, 1},
		{"webhook_events_total", map[string]string{"type": "unknown", "outcome": WebhookRejected}, 1},
		{"plan_sync_total", map[string]string{"outcome": PlanSynced}, 1},
		{"plan_sync_total", map[string]string{"outcome": PlanFailed}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, reg, tt.name, tt.labels); got != tt.want {
			t.Fatalf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestNilBillingMetricsIsNoop(t *testing.T) {
	var m *BillingMetrics
	m.IncWebhookEvent("x", WebhookFailed)
	m.IncPlanSync(PlanSkipped)

	NewBillingMetrics(nil).IncPlanSync(PlanSynced)
}

func TestOutboxMetricsCountsByEventType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.IncPublish("payment_recorded", OutboxPublished)
	m.IncPublish("payment_recorded", OutboxRetried)
	m.IncPublish("payment_recorded", OutboxRetried)
	m.IncPublish("merchant_account_updated", OutboxDeadLettered)

	if got := counterValue(t, reg, "outbox_publish_total", map[string]string{"event_type": "payment_recorded", "outcome": OutboxRetried}); got != 2 {
		t.Fatalf("retried = %v, want 2", got)
	}
	if got := counterValue(t, reg, "outbox_publish_total", map[string]string{"event_type": "merchant_account_updated", "outcome": OutboxDeadLettered}); got != 1 {
		t.Fatalf("dead lettered = %v, want 1", got)
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.IncPublish("x", OutboxDeadLettered)
}
