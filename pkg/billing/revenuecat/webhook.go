package revenuecat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/billing/internal"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// webhookPayload is the part of a RevenueCat webhook the provider reads
type webhookPayload struct {
	APIVersion string    `json:"api_version"`
	Event      eventBody `json:"event"`
}

type eventBody struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	AppUserID         string   `json:"app_user_id"`
	ProductID         string   `json:"product_id"`
	NewProductID      string   `json:"new_product_id"`
	EntitlementID     string   `json:"entitlement_id"`
	EntitlementIDs    []string `json:"entitlement_ids"`
	PeriodType        string   `json:"period_type"`
	PurchasedAtMs     int64    `json:"purchased_at_ms"`
	ExpirationAtMs    int64    `json:"expiration_at_ms"`
	EventTimestampMs  int64    `json:"event_timestamp_ms"`
	IsTrialConversion bool     `json:"is_trial_conversion"`
	TransactionID     string   `json:"transaction_id"`
	Store             string   `json:"store"`
	Environment       string   `json:"environment"`
}

func (e *eventBody) occurredAt() time.Time {
	return parseMillis(e.EventTimestampMs)
}

func (e *eventBody) period() (start, end time.Time) {
	start, end = parseMillis(e.PurchasedAtMs), parseMillis(e.ExpirationAtMs)
	if start.IsZero() || !end.After(start) {
		return time.Time{}, time.Time{}
	}
	return start, end
}

func (e *eventBody) status() minutequota.SubscriptionStatus {
	if strings.EqualFold(e.PeriodType, "TRIAL") {
		return minutequota.StatusTrialing
	}
	return minutequota.StatusActive
}

func (e *eventBody) metadata() map[string]string {
	md := map[string]string{"event_type": e.Type}
	for k, v := range map[string]string{
		"product_id":     e.ProductID,
		"transaction_id": e.TransactionID,
		"store":          e.Store,
		"environment":    e.Environment,
	} {
		if v != "" {
			md[k] = v
		}
	}
	return md
}

// outcome is what a webhook did to an account. A nil outcome means the event
// was ignored.
type outcome struct {
	billing   *minutequota.BillingEvent
	credits   int
	duplicate bool
}

// handleWebhook processes incoming RevenueCat webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if !p.verifyRequest(extractTokenOrSignature(r), body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	var payload webhookPayload
	if err := parseWebhookPayload(body, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	ev := &payload.Event
	eventType := strings.ToUpper(strings.TrimSpace(ev.Type))
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	ev.Type = eventType
	done := func(status string) {
		p.metrics.RecordWebhookEvent(providerName, eventType, status)
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}

	if eventType == "TEST" {
		writeOK(w)
		done("success")
		return
	}

	ev.AppUserID = strings.TrimSpace(ev.AppUserID)
	if ev.AppUserID == "" || strings.TrimSpace(ev.ID) == "" {
		http.Error(w, "missing user id or event id", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "missing_user_id")
		return
	}

	out, err := p.processWebhookEvent(r.Context(), ev)
	if err != nil {
		p.logger.Error("RevenueCat webhook processing failed",
			minutequota.F("event_id", ev.ID), minutequota.F("type", eventType), minutequota.F("error", err.Error()))
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		done("error")
		return
	}

	status := "ignored"
	if out != nil {
		status = "success"
		if out.duplicate {
			status = "duplicate"
		}
		if err := p.notify(r.Context(), ev, out); err != nil {
			p.logger.Error("Webhook callback failed",
				minutequota.F("event_id", ev.ID), minutequota.F("user_id", ev.AppUserID), minutequota.F("error", err.Error()))
			http.Error(w, "webhook callback failed", http.StatusInternalServerError)
			p.metrics.RecordWebhookError(providerName, "callback_error")
			done("error")
			return
		}
	}

	writeOK(w)
	done(status)
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (p *Provider) notify(ctx context.Context, ev *eventBody, out *outcome) error {
	if p.callback == nil {
		return nil
	}
	return p.callback(ctx, billing.WebhookEvent{
		UserID:         ev.AppUserID,
		Provider:       providerName,
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventTimestamp: ev.occurredAt(),
		Billing:        out.billing,
		Credits:        out.credits,
		Duplicate:      out.duplicate,
		Metadata:       ev.metadata(),
	})
}

// processWebhookEvent translates one RevenueCat event into an account change.
func (p *Provider) processWebhookEvent(ctx context.Context, ev *eventBody) (*outcome, error) {
	start, end := ev.period()
	be := minutequota.BillingEvent{
		ID:         ev.ID,
		UserID:     ev.AppUserID,
		OccurredAt: ev.occurredAt(),
	}

	switch ev.Type {
	case "INITIAL_PURCHASE":
		be.Type = minutequota.EventSubscriptionCreated
		be.PlanID = p.planFor(ev, ev.ProductID)
		be.Status = ev.status()
		be.CycleStart, be.CycleEnd = start, end

	case "RENEWAL":
		if ev.IsTrialConversion {
			// the first paid period after a trial starts a full cycle
			be.Type = minutequota.EventSubscriptionUpdated
			be.PlanID = p.planFor(ev, ev.ProductID)
			be.Status = minutequota.StatusActive
		} else {
			be.Type = minutequota.EventSubscriptionRenewed
		}
		be.CycleStart, be.CycleEnd = start, end

	case "PRODUCT_CHANGE":
		be.Type = minutequota.EventSubscriptionUpdated
		be.PlanID = p.planFor(ev, ev.NewProductID, ev.ProductID)

	case "UNCANCELLATION":
		be.Type = minutequota.EventSubscriptionUpdated
		be.Status = minutequota.StatusActive

	case "CANCELLATION", "SUBSCRIPTION_PAUSED":
		// auto-renew is off but the paid period still runs; EXPIRATION follows
		if exp := parseMillis(ev.ExpirationAtMs); exp.After(p.now()) {
			p.logger.Debug("Subscription stays active until expiration",
				minutequota.F("event_id", ev.ID), minutequota.F("user_id", ev.AppUserID), minutequota.F("expires_at", exp))
			return nil, nil
		}
		be.Type = minutequota.EventSubscriptionCanceled

	case "EXPIRATION":
		be.Type = minutequota.EventSubscriptionCanceled

	case "BILLING_ISSUE":
		be.Type = minutequota.EventPaymentFailed

	case "NON_RENEWING_PURCHASE":
		return p.addCredits(ctx, ev)

	default:
		// TRANSFER, SUBSCRIBER_ALIAS and future types change nothing here
		return nil, nil
	}

	out := &outcome{billing: &be}
	err := p.manager.ApplyBillingEvent(ctx, be)
	switch {
	case errors.Is(err, minutequota.ErrEventAlreadyApplied):
		out.duplicate = true
	case err != nil:
		return nil, err
	}
	return out, nil
}

// addCredits credits a one-time purchase of a configured credit product.
func (p *Provider) addCredits(ctx context.Context, ev *eventBody) (*outcome, error) {
	credits := p.creditsFor(ev.ProductID)
	if credits <= 0 {
		p.logger.Warn("Non-renewing purchase of an unknown product, ignoring",
			minutequota.F("event_id", ev.ID), minutequota.F("product_id", ev.ProductID))
		return nil, nil
	}

	out := &outcome{credits: credits}
	key := providerName + ":" + ev.ID
	_, err := p.manager.AddCredits(ctx, ev.AppUserID, credits, key)
	if errors.Is(err, minutequota.ErrAccountNotFound) {
		if _, err = p.manager.CreateAccount(ctx, ev.AppUserID); err == nil {
			_, err = p.manager.AddCredits(ctx, ev.AppUserID, credits, key)
		}
	}
	switch {
	case errors.Is(err, minutequota.ErrEventAlreadyApplied):
		out.duplicate = true
	case err != nil:
		return nil, err
	default:
		p.metrics.RecordCreditPurchase(providerName, credits)
	}
	return out, nil
}

// planFor resolves the plan from the event's entitlements, falling back to
// the given product ids in order. Nothing mapped returns "" so the account
// keeps its plan.
func (p *Provider) planFor(ev *eventBody, productIDs ...string) minutequota.PlanID {
	ids := append([]string{ev.EntitlementID}, ev.EntitlementIDs...)
	if plan := p.bestPlan(ids...); plan != minutequota.PlanNone {
		return plan
	}
	for _, id := range productIDs {
		if plan := p.MapToPlan(id); plan != minutequota.PlanNone {
			return plan
		}
	}
	return ""
}

// extractTokenOrSignature extracts the authentication token or signature from the request
func extractTokenOrSignature(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return stripBearer(auth)
	}
	return strings.TrimSpace(r.Header.Get("X-RevenueCat-Signature"))
}

// verifyRequest checks the shared token, or an HMAC of the body when enabled
func (p *Provider) verifyRequest(tokenOrSig string, body []byte) bool {
	if len(p.webhookSecret) == 0 || tokenOrSig == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(tokenOrSig), p.webhookSecret) == 1 {
		return true
	}
	if !p.acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(tokenOrSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

// parseWebhookPayload decodes exactly one JSON object. RevenueCat adds
// fields over time, so unknown fields are allowed.
func parseWebhookPayload(body []byte, payload *webhookPayload) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: multiple JSON objects", billing.ErrInvalidWebhookPayload)
	}
	return nil
}
