package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/governor"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/pipeline"
	"github.com/sells-group/subscout/internal/signals"
	"github.com/sells-group/subscout/internal/store"
)

// Store is the persistence the handlers need.
type Store interface {
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.Candidate, error)
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	AcceptCandidate(ctx context.Context, id string) (*model.Subscription, error)
	DismissCandidate(ctx context.Context, id string) error
}

// Cycler runs one full pipeline cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (pipeline.CycleSummary, error)
}

// Learner records a confirmed sender domain for a merchant.
type Learner interface {
	Learn(domain, name string)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store   Store
	gov     *governor.Governor
	cycler  Cycler
	learner Learner
	log     *zap.Logger
}

// NewHandler creates a Handler. learner may be nil.
func NewHandler(st Store, gov *governor.Governor, cycler Cycler, learner Learner) *Handler {
	return &Handler{
		store:   st,
		gov:     gov,
		cycler:  cycler,
		learner: learner,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SafeModeRequest toggles safe mode.
type SafeModeRequest struct {
	Enabled *bool  `json:"enabled"`
	Reason  string `json:"reason"`
}

// AcceptResponse is returned when a candidate becomes a subscription.
type AcceptResponse struct {
	Subscription *model.Subscription `json:"subscription"`
	Learned      string              `json:"learned_domain,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetGovernance returns the effective safe-mode decision and stored state.
func (h *Handler) GetGovernance(w http.ResponseWriter, r *http.Request) {
	d, err := h.gov.Check(r.Context())
	if err != nil {
		h.writeStoreError(w, "read governance", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SetSafeMode enables or disables safe mode manually.
func (h *Handler) SetSafeMode(w http.ResponseWriter, r *http.Request) {
	var req SafeModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required", nil)
		return
	}

	var err error
	if *req.Enabled {
		_, err = h.gov.Enable(r.Context(), req.Reason)
	} else {
		_, err = h.gov.Disable(r.Context())
	}
	if err != nil {
		h.writeStoreError(w, "set safe mode", err)
		return
	}

	d, err := h.gov.Check(r.Context())
	if err != nil {
		h.writeStoreError(w, "read governance", err)
		return
	}
	h.log.Info("safe mode changed via api",
		zap.Bool("enabled", *req.Enabled),
		zap.Bool("halted", d.Halted),
		zap.String("reason", d.Reason),
	)
	writeJSON(w, http.StatusOK, d)
}

// ScanNow runs one cycle and waits for it. A halted cycle is a 200 with
// halted=true in the body.
func (h *Handler) ScanNow(w http.ResponseWriter, r *http.Request) {
	sum, err := h.cycler.RunCycle(r.Context())
	if err != nil {
		h.log.Error("manual cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cycle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListCandidates lists candidates. Query params: user_id, status (default
// pending, "all" for every status), limit.
func (h *Handler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CandidateFilter{
		UserID: q.Get("user_id"),
		Status: model.CandidatePending,
	}
	switch status := q.Get("status"); status {
	case "":
	case "all":
		filter.Status = ""
	case string(model.CandidatePending), string(model.CandidateAccepted), string(model.CandidateDismissed):
		filter.Status = model.CandidateStatus(status)
	default:
		writeError(w, http.StatusBadRequest, "invalid status", nil)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = n
	}

	cands, err := h.store.ListCandidates(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, "list candidates", err)
		return
	}
	if cands == nil {
		cands = []model.Candidate{}
	}
	writeJSON(w, http.StatusOK, cands)
}

// AcceptCandidate turns a pending candidate into an active subscription and
// teaches the merchant directory the sender domain.
func (h *Handler) AcceptCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cand, err := h.store.GetCandidate(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "get candidate", err)
		return
	}

	sub, err := h.store.AcceptCandidate(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "accept candidate", err)
		return
	}

	resp := AcceptResponse{Subscription: sub}
	if h.learner != nil {
		if domain := signals.ParseSender(cand.Provenance.Sender).Domain; domain != "" {
			h.learner.Learn(domain, cand.Name)
			resp.Learned = domain
		}
	}
	h.log.Info("candidate accepted",
		zap.String("candidate_id", id),
		zap.String("subscription_id", sub.ID),
		zap.String("learned_domain", resp.Learned),
	)
	writeJSON(w, http.StatusOK, resp)
}

// DismissCandidate marks a pending candidate dismissed.
func (h *Handler) DismissCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DismissCandidate(r.Context(), id); err != nil {
		h.writeStoreError(w, "dismiss candidate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.CandidateDismissed)})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err)
	default:
		h.log.Error("api: "+op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// requestLogger logs one line per request through zap.
func requestLogger(next http.Handler) http.Handler {
	log := zap.L().With(zap.String("component", "api"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
