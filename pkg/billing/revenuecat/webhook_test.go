package revenuecat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/memory"
)

const (
	testSecret = "rc_webhook_secret"
	testUserID = "user_123"
)

type recordingMetrics struct {
	billing.NoopMetrics
	mu       sync.Mutex
	statuses []string
	credits  int
}

func (m *recordingMetrics) RecordWebhookEvent(_, _, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *recordingMetrics) RecordCreditPurchase(_ string, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits += credits
}

type testEnv struct {
	provider *Provider
	store    *memory.Storage
	manager  *minutequota.Manager
	metrics  *recordingMetrics
	events   []billing.WebhookEvent
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{store: memory.New(), metrics: &recordingMetrics{}}

	var err error
	env.manager, err = minutequota.NewManager(env.store, minutequota.Config{})
	require.NoError(t, err)

	cfg := Config{
		Config: billing.Config{
			Manager: env.manager,
			PlanMapping: map[string]minutequota.PlanID{
				"Pro":             minutequota.PlanPro,
				"starter_monthly": minutequota.PlanStarter,
				"business_annual": minutequota.PlanBusiness,
			},
			Metrics: env.metrics,
			WebhookCallback: func(_ context.Context, ev billing.WebhookEvent) error {
				env.events = append(env.events, ev)
				return nil
			},
		},
		WebhookSecret:  "Bearer " + testSecret,
		CreditProducts: map[string]int{"credits_100": 100},
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	env.provider, err = NewProvider(cfg)
	require.NoError(t, err)
	return env
}

// event builds a RevenueCat event body for testUserID
func event(id, typ string, at time.Time, fields map[string]any) map[string]any {
	ev := map[string]any{
		"id":                 id,
		"type":               typ,
		"app_user_id":        testUserID,
		"event_timestamp_ms": at.UnixMilli(),
		"store":              "APP_STORE",
		"environment":        "PRODUCTION",
	}
	for k, v := range fields {
		ev[k] = v
	}
	return ev
}

func period(productID string, start, end time.Time, entitlements ...string) map[string]any {
	return map[string]any{
		"product_id":       productID,
		"entitlement_ids":  entitlements,
		"period_type":      "NORMAL",
		"purchased_at_ms":  start.UnixMilli(),
		"expiration_at_ms": end.UnixMilli(),
	}
}

func (env *testEnv) send(t *testing.T, ev map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{"api_version": "1.0", "event": ev})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) account(t *testing.T) *minutequota.Account {
	t.Helper()
	acct, err := env.store.GetAccount(context.Background(), testUserID)
	require.NoError(t, err)
	return acct
}

// use confirms minutes against the current cycle
func (env *testEnv) use(t *testing.T, minutes int) {
	t.Helper()
	ctx := context.Background()
	res, err := env.manager.Reserve(ctx, minutequota.ReserveRequest{
		UserID: testUserID, JobID: "job-used", Mode: minutequota.ModeAI, EstimatedMinutes: minutes,
	})
	require.NoError(t, err)
	_, err = env.manager.Confirm(ctx, res.ID, minutes)
	require.NoError(t, err)
}

func cycleAroundNow() (time.Time, time.Time) {
	start := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	return start, start.AddDate(0, 1, 0)
}

func TestWebhook_InitialPurchase(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()

	rec := env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acct := env.account(t)
	assert.Equal(t, minutequota.PlanPro, acct.PlanID)
	assert.Equal(t, minutequota.StatusActive, acct.Status)
	assert.Equal(t, 750, acct.IncludedMinutes)
	assert.True(t, acct.CycleStart.Equal(start))
	assert.True(t, acct.CycleEnd.Equal(end))

	require.Len(t, env.events, 1)
	got := env.events[0]
	assert.Equal(t, "revenuecat", got.Provider)
	assert.Equal(t, "INITIAL_PURCHASE", got.EventType)
	assert.Equal(t, testUserID, got.UserID)
	require.NotNil(t, got.Billing)
	assert.Equal(t, minutequota.EventSubscriptionCreated, got.Billing.Type)
	assert.Equal(t, "pro_monthly", got.Metadata["product_id"])
	assert.Equal(t, "APP_STORE", got.Metadata["store"])
	assert.Equal(t, []string{"success"}, env.metrics.statuses)
}

func TestWebhook_PlanFromProductWhenEntitlementUnmapped(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()

	rec := env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("STARTER_MONTHLY", start, end, "legacy")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, minutequota.PlanStarter, env.account(t).PlanID)
}

func TestWebhook_TrialThenConversion(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	trialEnd := start.AddDate(0, 0, 7)

	trial := period("pro_monthly", start, trialEnd, "pro")
	trial["period_type"] = "TRIAL"
	require.Equal(t, http.StatusOK, env.send(t, event("evt_trial", "INITIAL_PURCHASE", start, trial)).Code)

	acct := env.account(t)
	assert.Equal(t, minutequota.StatusTrialing, acct.Status)
	assert.Equal(t, 60, acct.IncludedMinutes)

	paidEnd := trialEnd.AddDate(0, 1, 0)
	conversion := period("pro_monthly", trialEnd, paidEnd, "pro")
	conversion["is_trial_conversion"] = true
	require.Equal(t, http.StatusOK, env.send(t, event("evt_conv", "RENEWAL", trialEnd, conversion)).Code)

	acct = env.account(t)
	assert.Equal(t, minutequota.StatusActive, acct.Status)
	assert.Equal(t, 750, acct.IncludedMinutes)
	assert.True(t, acct.CycleEnd.Equal(paidEnd))
}

func TestWebhook_RenewalResetsUsage(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()
	require.Equal(t, http.StatusOK, env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro"))).Code)
	env.use(t, 120)
	require.Equal(t, 120, env.account(t).MinutesUsed)

	next := end.AddDate(0, 1, 0)
	renewal := event("evt_2", "RENEWAL", end, period("pro_monthly", end, next, "pro"))
	require.Equal(t, http.StatusOK, env.send(t, renewal).Code)

	acct := env.account(t)
	assert.Zero(t, acct.MinutesUsed)
	assert.True(t, acct.CycleStart.Equal(end))
	assert.True(t, acct.CycleEnd.Equal(next))

	// redelivery is acknowledged without a second reset
	require.Equal(t, http.StatusOK, env.send(t, renewal).Code)
	assert.Equal(t, []string{"success", "success", "duplicate"}, env.metrics.statuses)
	require.Len(t, env.events, 3)
	assert.True(t, env.events[2].Duplicate)
}

func TestWebhook_RenewalAfterNewerBillingIssue(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()
	require.Equal(t, http.StatusOK, env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro"))).Code)
	env.use(t, 300)

	// the billing issue for the following period arrives before the renewal
	require.Equal(t, http.StatusOK, env.send(t, event("evt_issue", "BILLING_ISSUE", end.Add(time.Hour), nil)).Code)
	next := end.AddDate(0, 1, 0)
	require.Equal(t, http.StatusOK, env.send(t, event("evt_renew", "RENEWAL", end, period("pro_monthly", end, next, "pro"))).Code)

	acct := env.account(t)
	assert.Zero(t, acct.MinutesUsed)
	assert.True(t, acct.CycleEnd.Equal(next))
	assert.Equal(t, minutequota.StatusPastDue, acct.Status)
}

func TestWebhook_ProductChangeKeepsUsage(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()
	require.Equal(t, http.StatusOK, env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro"))).Code)
	env.use(t, 40)

	change := event("evt_2", "PRODUCT_CHANGE", start.Add(time.Hour), map[string]any{
		"product_id":     "pro_monthly",
		"new_product_id": "business_annual",
	})
	require.Equal(t, http.StatusOK, env.send(t, change).Code)

	acct := env.account(t)
	assert.Equal(t, minutequota.PlanBusiness, acct.PlanID)
	assert.Equal(t, 2000, acct.IncludedMinutes)
	assert.Equal(t, 40, acct.MinutesUsed)

	unmapped := event("evt_3", "PRODUCT_CHANGE", start.Add(2*time.Hour), map[string]any{"new_product_id": "mystery"})
	require.Equal(t, http.StatusOK, env.send(t, unmapped).Code)
	assert.Equal(t, minutequota.PlanBusiness, env.account(t).PlanID, "unmapped products keep the plan")
}

func TestWebhook_CancellationWaitsForExpiration(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()
	require.Equal(t, http.StatusOK, env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro"))).Code)

	cancel := event("evt_2", "CANCELLATION", start.Add(time.Hour), map[string]any{"expiration_at_ms": end.UnixMilli()})
	require.Equal(t, http.StatusOK, env.send(t, cancel).Code)
	assert.Equal(t, minutequota.StatusActive, env.account(t).Status)

	uncancel := event("evt_3", "UNCANCELLATION", start.Add(2*time.Hour), nil)
	require.Equal(t, http.StatusOK, env.send(t, uncancel).Code)
	assert.Equal(t, minutequota.StatusActive, env.account(t).Status)

	expire := event("evt_4", "EXPIRATION", start.Add(3*time.Hour), map[string]any{"expiration_at_ms": start.Add(3 * time.Hour).UnixMilli()})
	require.Equal(t, http.StatusOK, env.send(t, expire).Code)
	assert.Equal(t, minutequota.StatusCanceled, env.account(t).Status)

	assert.Equal(t, []string{"success", "ignored", "success", "success"}, env.metrics.statuses)
}

func TestWebhook_CancellationPastExpirationCancels(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()
	require.Equal(t, http.StatusOK, env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro"))).Code)

	cancel := event("evt_2", "CANCELLATION", start.Add(time.Hour), map[string]any{"expiration_at_ms": start.Add(time.Hour).UnixMilli()})
	require.Equal(t, http.StatusOK, env.send(t, cancel).Code)
	assert.Equal(t, minutequota.StatusCanceled, env.account(t).Status)
}

func TestWebhook_BillingIssueMarksPastDue(t *testing.T) {
	env := newTestEnv(t)
	start, end := cycleAroundNow()
	require.Equal(t, http.StatusOK, env.send(t, event("evt_1", "INITIAL_PURCHASE", start, period("pro_monthly", start, end, "pro"))).Code)

	require.Equal(t, http.StatusOK, env.send(t, event("evt_2", "BILLING_ISSUE", start.Add(time.Hour), nil)).Code)
	assert.Equal(t, minutequota.StatusPastDue, env.account(t).Status)
	assert.Equal(t, minutequota.EventPaymentFailed, env.events[1].Billing.Type)
}

func TestWebhook_NonRenewingPurchaseAddsCredits(t *testing.T) {
	env := newTestEnv(t)
	purchase := event("evt_credits", "NON_RENEWING_PURCHASE", time.Now(), map[string]any{"product_id": "Credits_100"})

	require.Equal(t, http.StatusOK, env.send(t, purchase).Code)
	assert.Equal(t, 100, env.account(t).CreditBalance)

	require.Equal(t, http.StatusOK, env.send(t, purchase).Code)
	assert.Equal(t, 100, env.account(t).CreditBalance, "redelivery does not credit twice")
	assert.Equal(t, 100, env.metrics.credits)

	require.Len(t, env.events, 2)
	assert.Equal(t, 100, env.events[0].Credits)
	assert.Nil(t, env.events[0].Billing)
	assert.True(t, env.events[1].Duplicate)
}

func TestWebhook_Ignored(t *testing.T) {
	env := newTestEnv(t)

	unknown := event("evt_1", "NON_RENEWING_PURCHASE", time.Now(), map[string]any{"product_id": "sticker_pack"})
	require.Equal(t, http.StatusOK, env.send(t, unknown).Code)
	require.Equal(t, http.StatusOK, env.send(t, event("evt_2", "TRANSFER", time.Now(), nil)).Code)
	require.Equal(t, http.StatusOK, env.send(t, event("evt_3", "TEST", time.Now(), nil)).Code)

	_, err := env.store.GetAccount(context.Background(), testUserID)
	assert.ErrorIs(t, err, minutequota.ErrAccountNotFound)
	assert.Empty(t, env.events)
	assert.Equal(t, []string{"ignored", "ignored", "success"}, env.metrics.statuses)
}

func TestWebhook_CallbackErrorRequestsRedelivery(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.WebhookCallback = func(context.Context, billing.WebhookEvent) error {
			return errors.New("downstream unavailable")
		}
	})
	purchase := event("evt_credits", "NON_RENEWING_PURCHASE", time.Now(), map[string]any{"product_id": "credits_100"})

	assert.Equal(t, http.StatusInternalServerError, env.send(t, purchase).Code)
	assert.Equal(t, 100, env.account(t).CreditBalance, "the account change is kept; redelivery is a duplicate")
}

func TestWebhook_Rejections(t *testing.T) {
	post := func(env *testEnv, body []byte, header map[string]string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", bytes.NewReader(body))
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		env.provider.WebhookHandler().ServeHTTP(rec, req)
		return rec.Code
	}
	valid, err := json.Marshal(map[string]any{"event": event("evt_1", "BILLING_ISSUE", time.Now(), nil)})
	require.NoError(t, err)

	t.Run("wrong token", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Equal(t, http.StatusUnauthorized, post(env, valid, map[string]string{"Authorization": "Bearer nope"}))
		assert.Equal(t, http.StatusUnauthorized, post(env, valid, nil))
	})

	t.Run("hmac only when enabled", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write(valid)
		sig := map[string]string{"X-RevenueCat-Signature": base64.StdEncoding.EncodeToString(mac.Sum(nil))}

		assert.Equal(t, http.StatusUnauthorized, post(newTestEnv(t), valid, sig))
		env := newTestEnv(t, func(c *Config) { c.EnableHMAC = true })
		assert.Equal(t, http.StatusOK, post(env, valid, sig))
	})

	t.Run("method", func(t *testing.T) {
		env := newTestEnv(t)
		rec := httptest.NewRecorder()
		env.provider.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/revenuecat", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("no secret", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.WebhookSecret = "" })
		assert.Equal(t, http.StatusServiceUnavailable, env.send(t, event("evt_1", "TEST", time.Now(), nil)).Code)
	})

	t.Run("empty body", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Equal(t, http.StatusBadRequest, post(env, nil, map[string]string{"Authorization": testSecret}))
	})

	t.Run("too large", func(t *testing.T) {
		env := newTestEnv(t)
		body := bytes.Repeat([]byte("a"), maxWebhookBytes+1)
		assert.Equal(t, http.StatusRequestEntityTooLarge, post(env, body, map[string]string{"Authorization": testSecret}))
	})

	t.Run("malformed", func(t *testing.T) {
		env := newTestEnv(t)
		auth := map[string]string{"Authorization": testSecret}
		assert.Equal(t, http.StatusBadRequest, post(env, []byte(`{"event":`), auth))
		assert.Equal(t, http.StatusBadRequest, post(env, []byte(`{"event":{}} {"event":{}}`), auth))
	})

	t.Run("missing user", func(t *testing.T) {
		env := newTestEnv(t)
		ev := event("evt_1", "RENEWAL", time.Now(), nil)
		ev["app_user_id"] = " "
		assert.Equal(t, http.StatusBadRequest, env.send(t, ev).Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.RateLimit = 1 })
		assert.Equal(t, http.StatusOK, env.send(t, event("evt_a", "TEST", time.Now(), nil)).Code)
		assert.Equal(t, http.StatusTooManyRequests, env.send(t, event("evt_b", "TEST", time.Now(), nil)).Code)
	})
}
