package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/aiquota/internal/lifecycle"
	"github.com/rcourtman/aiquota/pkg/quota"
)

// adminActor names who made an admin change, for the audit log.
func adminActor(r *http.Request) string {
	if who := strings.TrimSpace(r.Header.Get("X-Admin-User")); who != "" {
		return who
	}
	return "admin"
}

func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := s.deps.Catalog.Cache().Refresh(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleUpdateTrialConfig(w http.ResponseWriter, r *http.Request) {
	var cfg quota.TrialConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cat, err := s.deps.Catalog.UpdateTrialConfig(r.Context(), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var plan quota.Plan
	if !decodeJSON(w, r, &plan) {
		return
	}
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if plan.ID != "" && plan.ID != planID {
		badRequest(w, r, "plan id in body does not match path")
		return
	}
	plan.ID = planID
	cat, err := s.deps.Catalog.UpdatePlan(r.Context(), plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

type forceAccessRequest struct {
	Enabled bool      `json:"enabled"`
	Until   time.Time `json:"until,omitempty"`
	Note    string    `json:"note,omitempty"`
}

func (s *Server) handleForceAccess(w http.ResponseWriter, r *http.Request) {
	var req forceAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.deps.Lifecycle.ForceAIAccess(r.Context(), accountID(r), lifecycle.ForceAccessRequest{
		Enabled:   req.Enabled,
		Until:     req.Until,
		GrantedBy: adminActor(r),
		Note:      req.Note,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

type resetQuotaRequest struct {
	IncludeTrial bool `json:"includeTrial"`
}

func (s *Server) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	var req resetQuotaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.deps.Lifecycle.AdminResetQuota(r.Context(), accountID(r), req.IncludeTrial, adminActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Lifecycle.Pause(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Lifecycle.Resume(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

type changePlanRequest struct {
	PlanID    string `json:"planId"`
	Immediate bool   `json:"immediate"`
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.deps.Lifecycle.ChangePlan(r.Context(), accountID(r), strings.TrimSpace(req.PlanID), req.Immediate, adminActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

func (s *Server) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Lifecycle.StartTrial(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAccount(w, r, http.StatusOK, acct)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "sweeper not running"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sweeper.Sweep(r.Context()))
}

type pendingResponse struct {
	Pending int `json:"pending"`
	Flushed int `json:"flushed"`
}

// handleFlushPending retries queued usage records now.
func (s *Server) handleFlushPending(w http.ResponseWriter, r *http.Request) {
	before := len(s.deps.Recorder.Pending())
	remaining := s.deps.Recorder.Flush(r.Context())
	writeJSON(w, http.StatusOK, pendingResponse{Pending: remaining, Flushed: max(before-remaining, 0)})
}

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	acct := q.Get("account")
	if acct == "" {
		acct = q.Get("account_id")
	}
	s.serveUsage(w, r, strings.TrimSpace(acct))
}
