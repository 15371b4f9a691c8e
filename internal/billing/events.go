package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcourtman/aiquota/pkg/quota"
)

// CheckoutSession is the subset of a checkout.session object we read.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// AccountID prefers the metadata we set, then the client reference.
func (s CheckoutSession) AccountID() string {
	if id := strings.TrimSpace(s.Metadata[MetaAccountID]); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Invoice is the subset of an invoice object we read.
type Invoice struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	AmountPaid         int64  `json:"amount_paid"`
	Currency           string `json:"currency"`
	AttemptCount       int64  `json:"attempt_count"`
	NextPaymentAttempt *int64 `json:"next_payment_attempt"`
	BillingReason      string `json:"billing_reason"`
	Lines              struct {
		Data []struct {
			Period period `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// ServicePeriod returns the subscription period the invoice pays for.
func (inv Invoice) ServicePeriod() (time.Time, time.Time) {
	for _, line := range inv.Lines.Data {
		if line.Period.Start > 0 && line.Period.End > line.Period.Start {
			return time.Unix(line.Period.Start, 0).UTC(), time.Unix(line.Period.End, 0).UTC()
		}
	}
	return time.Time{}, time.Time{}
}

// RetriesExhausted reports a failed invoice Stripe will not retry.
func (inv Invoice) RetriesExhausted() bool {
	return inv.NextPaymentAttempt == nil && inv.AttemptCount > 1
}

// Subscription is the subset of a subscription object we read.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// CurrentPeriod returns the period of the first item that reports one.
func (s Subscription) CurrentPeriod() (time.Time, time.Time) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodStart > 0 && item.CurrentPeriodEnd > item.CurrentPeriodStart {
			return time.Unix(item.CurrentPeriodStart, 0).UTC(), time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return time.Time{}, time.Time{}
}

// minorUnits converts a Stripe amount in cents to a decimal.
func minorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func parseCurrency(raw string) quota.Currency {
	switch quota.Currency(strings.ToUpper(strings.TrimSpace(raw))) {
	case quota.CurrencyUSD:
		return quota.CurrencyUSD
	default:
		return quota.CurrencyEUR
	}
}
