package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/lifecycle"
	"github.com/rcourtman/aiquota/internal/metrics"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler verifies and applies Stripe events. Each event id is applied
// at most once; an event is recorded as processed only after it succeeds, so
// failed deliveries are retried by Stripe.
type WebhookHandler struct {
	secret    string
	events    store.EventLog
	accounts  store.Accounts
	lifecycle *lifecycle.Service
	now       func() time.Time
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// NewWebhookHandler creates the Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, events store.EventLog, accounts store.Accounts, svc *lifecycle.Service) *WebhookHandler {
	return &WebhookHandler{
		secret:    strings.TrimSpace(secret),
		events:    events,
		accounts:  accounts,
		lifecycle: svc,
		now:       time.Now,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if h.secret == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)
	ctx := r.Context()

	processed, err := h.events.EventProcessed(ctx, event.ID)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Stripe webhook dedupe lookup failed")
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "store unavailable"})
		return
	}
	if processed {
		log.Debug().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook already processed")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Duplicate: true})
		return
	}

	if err := h.handleEvent(ctx, &event); err != nil {
		if !errors.Is(err, qerrors.ErrInvalidTransition) {
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook processing failed")
			status = http.StatusInternalServerError
			writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
			return
		}
		// Redelivery cannot make an invalid transition valid.
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook rejected by lifecycle; acknowledging")
	}

	if err := h.events.MarkEventProcessed(ctx, event.ID, eventType, h.now().UTC()); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to record processed Stripe event")
	}
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckout(ctx, session)

	case "invoice.payment_succeeded", "invoice.paid":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.handleInvoicePaid(ctx, inv)

	case "invoice.payment_failed":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.handleInvoiceFailed(ctx, inv)

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		accountID, err := h.resolveAccount(ctx, sub.Metadata[MetaAccountID], sub.Customer)
		if err != nil {
			return err
		}
		start, end := sub.CurrentPeriod()
		_, err = h.lifecycle.SyncFromProvider(ctx, accountID, lifecycle.ProviderSubscription{
			Status:            sub.Status,
			PriceID:           sub.FirstPriceID(),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			PeriodStart:       start,
			PeriodEnd:         end,
		})
		return err

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		accountID, err := h.resolveAccount(ctx, sub.Metadata[MetaAccountID], sub.Customer)
		if err != nil {
			return err
		}
		_, err = h.lifecycle.ApplyProviderStatus(ctx, accountID, "canceled")
		return err

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) handleCheckout(ctx context.Context, session CheckoutSession) error {
	accountID := session.AccountID()
	if accountID == "" {
		return fmt.Errorf("checkout session %s carries no account id", session.ID)
	}
	res := lifecycle.CheckoutResult{
		AccountID:            accountID,
		PlanID:               session.Metadata[MetaPlanID],
		BillingPeriod:        quota.BillingPeriod(session.Metadata[MetaBillingPeriod]),
		Currency:             parseCurrency(session.Currency),
		StripeCustomerID:     session.Customer,
		StripeSubscriptionID: session.Subscription,
	}
	if res.PlanID == "" {
		return fmt.Errorf("checkout session %s carries no plan id", session.ID)
	}
	if session.AmountTotal > 0 {
		amount := minorUnits(session.AmountTotal)
		res.AmountPaid = &amount
	}
	_, err := h.lifecycle.ActivateFromCheckout(ctx, res)
	return err
}

func (h *WebhookHandler) handleInvoicePaid(ctx context.Context, inv Invoice) error {
	accountID, err := h.resolveAccount(ctx, inv.Parent.SubscriptionDetails.Metadata[MetaAccountID], inv.Customer)
	if err != nil {
		return err
	}
	start, end := inv.ServicePeriod()
	paid := lifecycle.Invoice{PeriodStart: start, PeriodEnd: end}
	if inv.AmountPaid > 0 {
		amount := minorUnits(inv.AmountPaid)
		paid.Amount = &amount
	}
	_, err = h.lifecycle.PaymentSucceeded(ctx, accountID, paid)
	return err
}

func (h *WebhookHandler) handleInvoiceFailed(ctx context.Context, inv Invoice) error {
	accountID, err := h.resolveAccount(ctx, inv.Parent.SubscriptionDetails.Metadata[MetaAccountID], inv.Customer)
	if err != nil {
		return err
	}
	acct, err := h.lifecycle.PaymentFailed(ctx, accountID)
	if err != nil {
		return err
	}
	if inv.RetriesExhausted() && acct.Subscription != nil && acct.Subscription.Status == quota.StatusPastDue {
		_, err = h.lifecycle.PaymentRetriesExhausted(ctx, accountID)
	}
	return err
}

// resolveAccount prefers metadata we attached at checkout, then the customer
// id recorded on the subscription.
func (h *WebhookHandler) resolveAccount(ctx context.Context, metaAccountID, customerID string) (string, error) {
	if id := strings.TrimSpace(metaAccountID); id != "" {
		return id, nil
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", fmt.Errorf("event carries neither account metadata nor customer")
	}
	id, err := h.accounts.FindByStripeCustomer(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("lookup account by customer %s: %w", customerID, err)
	}
	return id, nil
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
