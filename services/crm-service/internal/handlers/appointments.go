package handlers

import (
	"net/http"
	"strings"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/appointments"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/shopspring/decimal"
)

type scheduleRequest struct {
	ClientID          string           `json:"client_id"`
	ServiceID         string           `json:"service_id"`
	PackagePurchaseID string           `json:"package_purchase_id"`
	Date              string           `json:"date"`
	StartTime         string           `json:"start_time"`
	DurationMinutes   int              `json:"duration_minutes"`
	ServicePrice      *decimal.Decimal `json:"service_price"`
	DiscountCode      string           `json:"discount_code"`
	Notes             string           `json:"notes"`
}

type appointmentResponse struct {
	ID                string          `json:"id"`
	ClientID          string          `json:"client_id"`
	ServiceID         string          `json:"service_id"`
	PackagePurchaseID string          `json:"package_purchase_id,omitempty"`
	DiscountID        string          `json:"discount_id,omitempty"`
	Date              string          `json:"date"`
	StartTime         string          `json:"start_time"`
	EndTime           string          `json:"end_time"`
	DurationMinutes   int             `json:"duration_minutes"`
	Status            string          `json:"status"`
	ServicePrice      decimal.Decimal `json:"service_price"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	Rating            *int            `json:"rating,omitempty"`
	ClientFeedback    string          `json:"client_feedback,omitempty"`
	CompletedAt       string          `json:"completed_at,omitempty"`
}

func toAppointment(a model.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:                a.ID,
		ClientID:          a.ClientID,
		ServiceID:         a.ServiceID,
		PackagePurchaseID: a.PackagePurchaseID,
		DiscountID:        a.DiscountID,
		Date:              model.FormatDate(a.Date),
		StartTime:         a.StartTime.String(),
		EndTime:           a.EndTime.String(),
		DurationMinutes:   a.DurationMinutes,
		Status:            string(a.Status),
		ServicePrice:      a.ServicePrice,
		DiscountAmount:    a.DiscountAmount,
		FinalPrice:        a.FinalPrice,
		Rating:            a.Rating,
		ClientFeedback:    a.ClientFeedback,
		CompletedAt:       formatTime(a.CompletedAt),
	}
}

func (h *CRMHandler) ScheduleAppointment(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ClientID == "" || req.ServiceID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	start, err := model.ParseTimeOfDay(strings.TrimSpace(req.StartTime))
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	if req.DurationMinutes < 0 {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}

	a, err := h.workflow.Schedule(r.Context(), appointments.ScheduleRequest{
		ClientID:          req.ClientID,
		ServiceID:         req.ServiceID,
		PackagePurchaseID: strings.TrimSpace(req.PackagePurchaseID),
		Date:              date,
		StartTime:         start,
		DurationMinutes:   req.DurationMinutes,
		ServicePrice:      req.ServicePrice,
		DiscountCode:      req.DiscountCode,
		Notes:             req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointment(a))
}

type transitionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	ChangedBy     string `json:"changed_by"`
	Notes         string `json:"notes"`
}

func (h *CRMHandler) TransitionAppointment(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	status := model.AppointmentStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if req.AppointmentID == "" || status == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	a, err := h.workflow.Transition(r.Context(), req.AppointmentID, status, appointments.Change{
		Actor: strings.TrimSpace(req.ChangedBy),
		Notes: req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

type feedbackRequest struct {
	AppointmentID string `json:"appointment_id"`
	Rating        int    `json:"rating"`
	Feedback      string `json:"feedback"`
}

func (h *CRMHandler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.workflow.RecordFeedback(r.Context(), strings.TrimSpace(req.AppointmentID), req.Rating, req.Feedback)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

type historyItem struct {
	ID             string `json:"id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	ChangedBy      string `json:"changed_by"`
	ChangedAt      string `json:"changed_at"`
	Notes          string `json:"notes,omitempty"`
}

func (h *CRMHandler) AppointmentHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if id == "" {
		http.Error(w, "missing appointment_id", http.StatusBadRequest)
		return
	}
	history, err := h.workflow.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]historyItem, 0, len(history))
	for _, e := range history {
		items = append(items, historyItem{
			ID:             e.ID,
			PreviousStatus: string(e.PreviousStatus),
			NewStatus:      string(e.NewStatus),
			ChangedBy:      e.ChangedBy,
			ChangedAt:      formatTime(&e.ChangedAt),
			Notes:          e.Notes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
