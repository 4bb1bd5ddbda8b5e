package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "invoice.payment_succeeded", "success")
	m.RecordWebhookEvent("stripe", "invoice.payment_succeeded", "success")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordWebhookProcessingDuration("stripe", "invoice.payment_succeeded", 20*time.Millisecond)
	m.RecordCreditPurchase("stripe", 120)
	m.RecordCreditPurchase("stripe", 30)
	m.RecordUserSync("stripe", "success")
	m.RecordUserSyncDuration("stripe", time.Second)
	m.RecordAPICall("stripe", "/v1/subscriptions", "error")

	assert.InDelta(t, 2, testutil.ToFloat64(
		m.webhookEventsTotal.WithLabelValues("stripe", "invoice.payment_succeeded", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")), 0)
	assert.InDelta(t, 150, testutil.ToFloat64(m.creditsPurchasedTotal.WithLabelValues("stripe")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("stripe", "/v1/subscriptions", "error")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_billing_webhook_processing_duration_seconds")
	assert.Contains(t, names, "test_billing_user_sync_duration_seconds")
}
