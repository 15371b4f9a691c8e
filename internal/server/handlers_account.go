package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/internal/usage"
	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/rcourtman/aiquota/pkg/quota"
)

func accountID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("account_id"))
}

type accountResponse struct {
	Account quota.Account `json:"account"`
	View    quota.View    `json:"view"`
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Lifecycle.Provision(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Accounts.Get(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

// respondAccount pairs a snapshot with its derived view.
func (s *Server) respondAccount(w http.ResponseWriter, r *http.Request, status int, acct quota.Account) {
	view, err := s.deps.Gate.View(r.Context(), acct.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, accountResponse{Account: acct, View: view})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gate.Check(r.Context(), accountID(r)))
}

type recordRequest struct {
	ActionID string    `json:"actionId"`
	Outcome  string    `json:"outcome,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Recorder.Record(r.Context(), usage.RecordRequest{
		AccountID: accountID(r),
		ActionID:  strings.TrimSpace(req.ActionID),
		Outcome:   strings.TrimSpace(req.Outcome),
		At:        req.At,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	switch {
	case res.Queued:
		status = http.StatusAccepted
	case res.Duplicate:
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type cancelRequest struct {
	AtPeriodEnd *bool `json:"atPeriodEnd,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}
	acct, err := s.deps.Lifecycle.Cancel(r.Context(), accountID(r), atPeriodEnd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Lifecycle.Reactivate(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

type checkoutRequest struct {
	PlanID        string              `json:"planId"`
	BillingPeriod quota.BillingPeriod `json:"billingPeriod,omitempty"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PlanID == "" {
		badRequest(w, r, "planId is required")
		return
	}
	switch req.BillingPeriod {
	case "", quota.PeriodMonthly, quota.PeriodYearly:
	default:
		badRequest(w, r, "billingPeriod must be monthly or yearly")
		return
	}
	url, err := s.deps.Billing.CreateCheckoutSession(r.Context(), accountID(r), req.PlanID, req.BillingPeriod)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	url, err := s.deps.Billing.OpenBillingPortal(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stream.Serve(w, r, accountID(r))
}

// usageFilter parses from, to, cursor and limit query parameters.
func usageFilter(r *http.Request, accountID string) (store.UsageFilter, string) {
	q := r.URL.Query()
	filter := store.UsageFilter{AccountID: accountID, Cursor: q.Get("cursor")}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, key + " must be an RFC 3339 timestamp"
			}
			*dst = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, "limit must be a positive integer"
		}
		filter.Limit = n
	}
	return filter, ""
}

// serveUsage writes one JSON page, or every matching entry as CSV when
// format=csv.
func (s *Server) serveUsage(w http.ResponseWriter, r *http.Request, accountID string) {
	filter, problem := usageFilter(r, accountID)
	if problem != "" {
		badRequest(w, r, problem)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		name := "usage.csv"
		if accountID != "" {
			name = "usage-" + accountID + ".csv"
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		filter.Cursor = ""
		if _, err := usage.ExportCSV(r.Context(), s.deps.Usage, filter, w); err != nil {
			// Headers are gone; the truncated body is all we can do.
			logRequestError(r, err, "Usage export interrupted")
		}
		return
	}

	page, err := s.deps.Usage.ListUsage(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []store.UsageEntry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAccountUsage(w http.ResponseWriter, r *http.Request) {
	s.serveUsage(w, r, accountID(r))
}

type planListing struct {
	quota.Plan
	Display map[quota.Currency]pricing.Breakdown `json:"display"`
}

type plansResponse struct {
	Version int64             `json:"version"`
	Trial   quota.TrialConfig `json:"trial"`
	Plans   []planListing     `json:"plans"`
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	cat, err := s.deps.Catalog.Cache().Get(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	defaultDiscount := decimal.NewFromInt(pricing.DefaultAnnualDiscountPercent)

	resp := plansResponse{Version: cat.Version, Trial: cat.Trial, Plans: []planListing{}}
	for _, plan := range cat.SortedPlans() {
		if !plan.IsActive {
			continue
		}
		listing := planListing{Plan: plan, Display: make(map[quota.Currency]pricing.Breakdown, len(plan.Pricing))}
		for currency, monthly := range plan.Pricing {
			listing.Display[currency] = pricing.Describe(monthly, plan.Discount(defaultDiscount), string(currency))
		}
		resp.Plans = append(resp.Plans, listing)
	}
	writeJSON(w, http.StatusOK, resp)
}
