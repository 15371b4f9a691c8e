package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/aiquota/internal/lifecycle"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const testSecret = "whsec_test_secret"

type staticCatalog struct{ cat quota.Catalog }

func (s staticCatalog) Get(context.Context) (quota.Catalog, error) { return s.cat, nil }

func newWebhookFixture(t *testing.T) (*WebhookHandler, *store.MemoryStore, *lifecycle.Service) {
	t.Helper()
	mem := store.NewMemoryStore()
	svc := lifecycle.NewService(mem, staticCatalog{cat: quota.DefaultCatalog()})
	return NewWebhookHandler(testSecret, mem, mem, svc), mem, svc
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func eventJSON(t *testing.T, id, typ string, object any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(raw)
}

func deliver(t *testing.T, h http.Handler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testSecret, payload))
	return rec
}

func checkoutEvent(t *testing.T, id, accountID string) string {
	return eventJSON(t, id, "checkout.session.completed", map[string]any{
		"id":                  "cs_test_1",
		"mode":                "subscription",
		"customer":            "cus_123",
		"subscription":        "sub_123",
		"client_reference_id": accountID,
		"amount_total":        4900,
		"currency":            "eur",
		"metadata": map[string]string{
			MetaAccountID:     accountID,
			MetaPlanID:        "standard",
			MetaBillingPeriod: "monthly",
		},
	})
}

func TestWebhookCheckoutActivatesAndDeduplicates(t *testing.T) {
	h, mem, svc := newWebhookFixture(t)
	ctx := context.Background()
	if _, err := svc.Provision(ctx, "acct-1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	payload := checkoutEvent(t, "evt_checkout_1", "acct-1")
	rec := deliver(t, h, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}

	acct, err := mem.Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sub := acct.Subscription
	if sub.Status != quota.StatusActive || sub.PlanID != "standard" || sub.StripeCustomerID != "cus_123" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.CurrentPeriodAmount.String() != "49" {
		t.Fatalf("amount = %s, want 49", sub.CurrentPeriodAmount)
	}

	rec = deliver(t, h, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status=%d", rec.Code)
	}
	var resp webhookReceivedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Duplicate {
		t.Fatal("second delivery should be reported as duplicate")
	}
	again, _ := mem.Get(ctx, "acct-1")
	if again.Version != acct.Version {
		t.Fatal("duplicate delivery must not touch the record")
	}
}

func TestWebhookInvoiceEvents(t *testing.T) {
	h, mem, svc := newWebhookFixture(t)
	ctx := context.Background()
	if _, err := svc.ActivateFromCheckout(ctx, lifecycle.CheckoutResult{
		AccountID: "acct-1", PlanID: "basic", StripeCustomerID: "cus_abc", StripeSubscriptionID: "sub_abc",
	}); err != nil {
		t.Fatalf("ActivateFromCheckout: %v", err)
	}

	next := int64(time.Now().Add(72 * time.Hour).Unix())
	failed := eventJSON(t, "evt_fail_1", "invoice.payment_failed", map[string]any{
		"id": "in_1", "customer": "cus_abc", "attempt_count": 1, "next_payment_attempt": next,
	})
	if rec := deliver(t, h, failed); rec.Code != http.StatusOK {
		t.Fatalf("payment_failed status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ := mem.Get(ctx, "acct-1")
	if acct.Subscription.Status != quota.StatusPastDue {
		t.Fatalf("status = %s, want past_due", acct.Subscription.Status)
	}

	paid := eventJSON(t, "evt_paid_1", "invoice.payment_succeeded", map[string]any{
		"id": "in_1", "customer": "cus_abc", "amount_paid": 1900,
	})
	if rec := deliver(t, h, paid); rec.Code != http.StatusOK {
		t.Fatalf("payment_succeeded status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ = mem.Get(ctx, "acct-1")
	if acct.Subscription.Status != quota.StatusActive {
		t.Fatalf("status = %s, want active", acct.Subscription.Status)
	}

	// Final failed attempt with no retry scheduled cancels.
	lastTry := eventJSON(t, "evt_fail_2", "invoice.payment_failed", map[string]any{
		"id": "in_2", "customer": "cus_abc", "attempt_count": 4, "next_payment_attempt": nil,
	})
	if rec := deliver(t, h, lastTry); rec.Code != http.StatusOK {
		t.Fatalf("final failure status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ = mem.Get(ctx, "acct-1")
	if acct.Subscription.Status != quota.StatusCanceled {
		t.Fatalf("status = %s, want canceled", acct.Subscription.Status)
	}
}

func TestWebhookSubscriptionUpdatedAndDeleted(t *testing.T) {
	h, mem, svc := newWebhookFixture(t)
	ctx := context.Background()
	if _, err := svc.ActivateFromCheckout(ctx, lifecycle.CheckoutResult{
		AccountID: "acct-1", PlanID: "pro", StripeCustomerID: "cus_p", StripeSubscriptionID: "sub_p",
	}); err != nil {
		t.Fatalf("ActivateFromCheckout: %v", err)
	}

	updated := eventJSON(t, "evt_upd_1", "customer.subscription.updated", map[string]any{
		"id": "sub_p", "customer": "cus_p", "status": "active", "cancel_at_period_end": true,
	})
	if rec := deliver(t, h, updated); rec.Code != http.StatusOK {
		t.Fatalf("updated status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ := mem.Get(ctx, "acct-1")
	if !acct.Subscription.CancelAtPeriodEnd {
		t.Fatal("cancel_at_period_end not mirrored")
	}

	deleted := eventJSON(t, "evt_del_1", "customer.subscription.deleted", map[string]any{
		"id": "sub_p", "customer": "cus_p", "status": "canceled",
		"metadata": map[string]string{MetaAccountID: "acct-1"},
	})
	if rec := deliver(t, h, deleted); rec.Code != http.StatusOK {
		t.Fatalf("deleted status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ = mem.Get(ctx, "acct-1")
	if acct.Subscription.Status != quota.StatusCanceled {
		t.Fatalf("status = %s, want canceled", acct.Subscription.Status)
	}
}

func TestWebhookRetriesFailedEventInsteadOfSkippingDuplicate(t *testing.T) {
	h, mem, _ := newWebhookFixture(t)

	payload := eventJSON(t, "evt_retry_failed_123", "customer.subscription.updated", map[string]any{
		"id": "sub_missing_customer", "customer": "cus_unknown", "status": "active",
	})
	for i := 0; i < 2; i++ {
		rec := deliver(t, h, payload)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("delivery %d status=%d, want 500", i+1, rec.Code)
		}
	}
	if processed, _ := mem.EventProcessed(context.Background(), "evt_retry_failed_123"); processed {
		t.Fatal("failed event must not be marked processed")
	}
}

func TestWebhookAcknowledgesInvalidTransition(t *testing.T) {
	h, mem, svc := newWebhookFixture(t)
	if _, err := svc.Provision(context.Background(), "trial-1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	payload := eventJSON(t, "evt_bad_transition", "invoice.payment_failed", map[string]any{
		"id": "in_x",
		"parent": map[string]any{
			"subscription_details": map[string]any{"metadata": map[string]string{MetaAccountID: "trial-1"}},
		},
	})
	if rec := deliver(t, h, payload); rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if processed, _ := mem.EventProcessed(context.Background(), "evt_bad_transition"); !processed {
		t.Fatal("rejected transition should be acknowledged and recorded")
	}
}

func TestWebhookRequestValidation(t *testing.T) {
	h, _, _ := newWebhookFixture(t)
	payload := checkoutEvent(t, "evt_x", "acct-1")

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status=%d", rec.Code)
		}
	})
	t.Run("missing signature", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewBufferString(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d", rec.Code)
		}
	})
	t.Run("wrong secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedWebhookRequest(t, "whsec_other", payload))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d", rec.Code)
		}
	})
	t.Run("unconfigured", func(t *testing.T) {
		unconfigured := NewWebhookHandler("", store.NewMemoryStore(), store.NewMemoryStore(), nil)
		rec := httptest.NewRecorder()
		unconfigured.ServeHTTP(rec, signedWebhookRequest(t, testSecret, payload))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status=%d", rec.Code)
		}
	})
}

func TestWebhookSubscriptionUpdatedFollowsPriceChange(t *testing.T) {
	cat := pricedCatalog()
	basic := cat.Plans["basic"]
	basic.StripePriceIDs = map[quota.BillingPeriod]string{quota.PeriodMonthly: "price_basic_monthly"}
	cat.Plans["basic"] = basic

	mem := store.NewMemoryStore()
	svc := lifecycle.NewService(mem, staticCatalog{cat: cat})
	h := NewWebhookHandler(testSecret, mem, mem, svc)
	ctx := context.Background()
	if _, err := svc.ActivateFromCheckout(ctx, lifecycle.CheckoutResult{
		AccountID: "acct-1", PlanID: "basic", StripeCustomerID: "cus_b", StripeSubscriptionID: "sub_b",
	}); err != nil {
		t.Fatalf("ActivateFromCheckout: %v", err)
	}

	item := func(price string) map[string]any {
		return map[string]any{"data": []map[string]any{{"price": map[string]string{"id": price}}}}
	}

	upgrade := eventJSON(t, "evt_price_up", "customer.subscription.updated", map[string]any{
		"id": "sub_b", "customer": "cus_b", "status": "active", "items": item("price_pro_monthly"),
	})
	if rec := deliver(t, h, upgrade); rec.Code != http.StatusOK {
		t.Fatalf("upgrade status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ := mem.Get(ctx, "acct-1")
	sub := acct.Subscription
	if sub.PlanID != "pro" || sub.Tier != quota.TierPro {
		t.Fatalf("upgrade not applied: plan=%s tier=%s", sub.PlanID, sub.Tier)
	}
	want, _ := cat.Plans["pro"].MonthlyPrice(sub.Currency)
	if !sub.CurrentPeriodAmount.Equal(want) {
		t.Fatalf("amount = %s, want %s", sub.CurrentPeriodAmount, want)
	}

	downgrade := eventJSON(t, "evt_price_down", "customer.subscription.updated", map[string]any{
		"id": "sub_b", "customer": "cus_b", "status": "active", "items": item("price_basic_monthly"),
	})
	if rec := deliver(t, h, downgrade); rec.Code != http.StatusOK {
		t.Fatalf("downgrade status=%d body=%q", rec.Code, rec.Body.String())
	}
	acct, _ = mem.Get(ctx, "acct-1")
	sub = acct.Subscription
	if sub.Tier != quota.TierPro {
		t.Fatalf("downgrade must wait for period end, tier = %s", sub.Tier)
	}
	if sub.PendingChange == nil || sub.PendingChange.PlanID != "basic" || !sub.PendingChange.EffectiveAt.Equal(sub.CurrentPeriodEnd) {
		t.Fatalf("pending change = %+v", sub.PendingChange)
	}
}
