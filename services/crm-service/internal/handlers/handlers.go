// Package handlers exposes the CRM operations over JSON HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/appointments"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/dispatch"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/jobs"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/ledger"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
)

type CRMHandler struct {
	workflow   *appointments.Workflow
	ledger     *ledger.Ledger
	pricing    *pricing.Service
	dispatcher *dispatch.Dispatcher
	scheduler  *jobs.Scheduler
	clock      clock.Clock
	logger     *slog.Logger
}

func NewCRMHandler(workflow *appointments.Workflow, l *ledger.Ledger, p *pricing.Service, d *dispatch.Dispatcher, s *jobs.Scheduler, clk clock.Clock, logger *slog.Logger) *CRMHandler {
	return &CRMHandler{
		workflow:   workflow,
		ledger:     l,
		pricing:    p,
		dispatcher: d,
		scheduler:  s,
		clock:      clk,
		logger:     logger,
	}
}

func (h *CRMHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.ScheduleAppointment)
	mux.HandleFunc("/api/v1/appointments/transition", h.TransitionAppointment)
	mux.HandleFunc("/api/v1/appointments/feedback", h.RecordFeedback)
	mux.HandleFunc("/api/v1/appointments/history", h.AppointmentHistory)
	mux.HandleFunc("/api/v1/purchases", h.Purchases)
	mux.HandleFunc("/api/v1/purchases/cancel", h.CancelPurchase)
	mux.HandleFunc("/api/v1/pricing/quote", h.Quote)
	mux.HandleFunc("/api/v1/campaigns/schedule", h.ScheduleCampaign)
	mux.HandleFunc("/api/v1/campaigns/cancel", h.CancelCampaign)
	mux.HandleFunc("/api/v1/campaigns/send", h.SendCampaign)
	mux.HandleFunc("/api/v1/scheduled-emails/cancel", h.CancelScheduledEmail)
	mux.HandleFunc("/api/v1/scheduled-emails/retry", h.RetryScheduledEmail)
	mux.HandleFunc("/api/v1/jobs/run", h.RunJob)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Unknown errors are logged and hidden.
func (h *CRMHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, jobs.ErrUnknownJob):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrConflict),
		errors.Is(err, appointments.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrCampaignNotSendable),
		errors.Is(err, dispatch.ErrInvalidEmailState),
		errors.Is(err, ledger.ErrPurchaseNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, appointments.ErrPackageUnavailable),
		errors.Is(err, appointments.ErrInvalidRating),
		errors.Is(err, appointments.ErrInvalidDuration),
		errors.Is(err, templates.ErrTemplateNotFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(s))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type idRequest struct {
	ID string `json:"id"`
}

func (h *CRMHandler) readID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !requireMethod(w, r, http.MethodPost) {
		return "", false
	}
	var req idRequest
	if !decode(w, r, &req) {
		return "", false
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return "", false
	}
	return req.ID, true
}

type runJobRequest struct {
	Name string `json:"name"`
}

// RunJob triggers one sweep immediately, for operators and smoke tests.
func (h *CRMHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req runJobRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.scheduler.RunOnce(r.Context(), strings.TrimSpace(req.Name)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
