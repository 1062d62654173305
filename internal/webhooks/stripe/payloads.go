package stripewebhook

import (
	"bytes"
	"encoding/json"
	"time"
)

// expandableID accepts either a bare object id or an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSessionObject struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	Invoice       expandableID      `json:"invoice"`
	PaymentIntent expandableID      `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Customer   expandableID      `json:"customer"`
	CanceledAt int64             `json:"canceled_at"`
	EndedAt    int64             `json:"ended_at"`
	Metadata   map[string]string `json:"metadata"`
	// Older API versions carry the period on the subscription itself.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixPtr(end)
}

// invoiceObject reads both the legacy top-level subscription fields and the
// parent.subscription_details layout of newer API versions.
type invoiceObject struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	BillingReason string       `json:"billing_reason"`
	Customer      expandableID `json:"customer"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`
	Charge        expandableID `json:"charge"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
				Charge        expandableID `json:"charge"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i invoiceObject) subscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (i invoiceObject) metadata() map[string]string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && len(i.Parent.SubscriptionDetails.Metadata) > 0 {
		return i.Parent.SubscriptionDetails.Metadata
	}
	if i.SubscriptionDetails != nil {
		return i.SubscriptionDetails.Metadata
	}
	return nil
}

// paymentID returns the payment intent, or the charge when no intent exists.
func (i invoiceObject) paymentID() string {
	if i.PaymentIntent != "" {
		return string(i.PaymentIntent)
	}
	if i.Charge != "" {
		return string(i.Charge)
	}
	if i.Payments != nil {
		for _, p := range i.Payments.Data {
			if p.Payment.PaymentIntent != "" {
				return string(p.Payment.PaymentIntent)
			}
			if p.Payment.Charge != "" {
				return string(p.Payment.Charge)
			}
		}
	}
	return ""
}

func (i invoiceObject) periodEnd() *time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return unixPtr(end)
}

type chargeObject struct {
	ID             string       `json:"id"`
	PaymentIntent  expandableID `json:"payment_intent"`
	Invoice        expandableID `json:"invoice"`
	Amount         int64        `json:"amount"`
	AmountRefunded int64        `json:"amount_refunded"`
	Refunded       bool         `json:"refunded"`
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
