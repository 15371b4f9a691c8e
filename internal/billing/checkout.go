// Package billing is the Stripe boundary: hosted checkout and billing-portal
// sessions going out, signed webhook events coming in.
package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

// Metadata keys attached to checkout sessions and subscriptions.
const (
	MetaAccountID     = "account_id"
	MetaPlanID        = "plan_id"
	MetaBillingPeriod = "billing_period"
)

// Catalog resolves plans to Stripe prices.
type Catalog interface {
	Get(ctx context.Context) (quota.Catalog, error)
}

// Client creates Stripe-hosted sessions.
type Client struct {
	apiKey   string
	baseURL  string
	catalog  Catalog
	accounts store.Accounts

	createCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortalSession   func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// NewClient wires a Stripe client. baseURL is where Stripe sends the browser
// back to.
func NewClient(apiKey, baseURL string, catalog Catalog, accounts store.Accounts) *Client {
	return &Client{
		apiKey:                strings.TrimSpace(apiKey),
		baseURL:               strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		catalog:               catalog,
		accounts:              accounts,
		createCheckoutSession: stripesession.New,
		createPortalSession:   portalsession.New,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) returnURL(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// CreateCheckoutSession starts a subscription checkout for planID and returns
// the hosted page URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, accountID, planID string, period quota.BillingPeriod) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("%w: stripe api key not configured", qerrors.ErrInvalidConfig)
	}
	if period == "" {
		period = quota.PeriodMonthly
	}
	cat, err := c.catalog.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load catalog: %w", err)
	}
	plan, ok := cat.Plans[planID]
	if !ok || !plan.IsActive {
		return "", fmt.Errorf("%w: unknown plan %q", qerrors.ErrInvalidInput, planID)
	}
	priceID := strings.TrimSpace(plan.StripePriceIDs[period])
	if priceID == "" {
		return "", fmt.Errorf("%w: plan %s has no %s price", qerrors.ErrInvalidConfig, planID, period)
	}

	meta := map[string]string{
		MetaAccountID:     accountID,
		MetaPlanID:        planID,
		MetaBillingPeriod: string(period),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(c.returnURL("/billing/success", url.Values{"session_id": {"{CHECKOUT_SESSION_ID}"}})),
		CancelURL:         stripe.String(c.returnURL("/billing/cancelled", nil)),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta},
		Metadata:         meta,
	}
	if acct, err := c.accounts.Get(ctx, accountID); err == nil && acct.Subscription != nil && acct.Subscription.StripeCustomerID != "" {
		params.Customer = stripe.String(acct.Subscription.StripeCustomerID)
	}
	params.Context = ctx

	stripe.Key = c.apiKey
	session, err := c.createCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return "", fmt.Errorf("create checkout session: empty session url")
	}
	log.Info().
		Str("account_id", accountID).
		Str("plan_id", planID).
		Str("period", string(period)).
		Str("session_id", session.ID).
		Msg("Checkout session created")
	return session.URL, nil
}

// OpenBillingPortal returns a self-service portal URL for a paying account.
func (c *Client) OpenBillingPortal(ctx context.Context, accountID string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("%w: stripe api key not configured", qerrors.ErrInvalidConfig)
	}
	acct, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.Subscription == nil || acct.Subscription.StripeCustomerID == "" {
		return "", fmt.Errorf("%w: account %s has no billing customer", qerrors.ErrInvalidInput, accountID)
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(acct.Subscription.StripeCustomerID),
		ReturnURL: stripe.String(c.returnURL("/billing", nil)),
	}
	params.Context = ctx

	stripe.Key = c.apiKey
	session, err := c.createPortalSession(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	if session == nil || session.URL == "" {
		return "", fmt.Errorf("create billing portal session: empty session url")
	}
	return session.URL, nil
}
