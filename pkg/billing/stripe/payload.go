package stripe

import (
	"bytes"
	"encoding/json"
	"time"
)

// Narrow views of webhook payloads. Current and legacy API shapes are both
// accepted: period bounds live on the items or on the subscription, and the
// invoice's subscription link lives under "parent" or at the top level.

// expandableID is a Stripe reference that is either an id string or the
// expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type subscriptionItemPayload struct {
	Price struct {
		ID        string       `json:"id"`
		LookupKey string       `json:"lookup_key"`
		Product   expandableID `json:"product"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscriptionPayload struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Customer expandableID      `json:"customer"`
	Metadata map[string]string `json:"metadata"`
	Created  int64             `json:"created"`

	// legacy top-level period
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`

	Items struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

// period returns the subscription's current period, preferring item bounds.
func (s *subscriptionPayload) period() (time.Time, time.Time) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > item.CurrentPeriodStart && item.CurrentPeriodStart > 0 {
			return unix(item.CurrentPeriodStart), unix(item.CurrentPeriodEnd)
		}
	}
	if s.CurrentPeriodEnd > s.CurrentPeriodStart && s.CurrentPeriodStart > 0 {
		return unix(s.CurrentPeriodStart), unix(s.CurrentPeriodEnd)
	}
	return time.Time{}, time.Time{}
}

type subscriptionDetails struct {
	Metadata     map[string]string `json:"metadata"`
	Subscription expandableID      `json:"subscription"`
}

type invoicePayload struct {
	ID            string       `json:"id"`
	BillingReason string       `json:"billing_reason"`
	Customer      expandableID `json:"customer"`

	Parent *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`

	// legacy invoice shape
	Subscription        expandableID         `json:"subscription"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`

	Lines struct {
		Data []struct {
			Period period `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *invoicePayload) details() *subscriptionDetails {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	if inv.SubscriptionDetails != nil {
		return inv.SubscriptionDetails
	}
	return &subscriptionDetails{Subscription: inv.Subscription}
}

func (inv *invoicePayload) subscriptionID() string {
	if id := string(inv.details().Subscription); id != "" {
		return id
	}
	return string(inv.Subscription)
}

// period returns the widest line period, which for a renewal invoice is the
// cycle being paid for.
func (inv *invoicePayload) period() (time.Time, time.Time) {
	var p period
	for _, line := range inv.Lines.Data {
		if line.Period.End > p.End {
			p = line.Period
		}
	}
	if p.Start <= 0 || p.End <= p.Start {
		return time.Time{}, time.Time{}
	}
	return unix(p.Start), unix(p.End)
}

func unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
