package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

type campaignResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	ScheduledFor    string `json:"scheduled_for,omitempty"`
	SentAt          string `json:"sent_at,omitempty"`
	TotalRecipients int    `json:"total_recipients"`
	EmailsSent      int    `json:"emails_sent"`
	EmailsFailed    int    `json:"emails_failed"`
	EmailsOpened    int    `json:"emails_opened"`
	LinksClicked    int    `json:"links_clicked"`
}

func toCampaign(c model.Campaign) campaignResponse {
	return campaignResponse{
		ID:              c.ID,
		Name:            c.Name,
		Status:          string(c.Status),
		ScheduledFor:    formatTime(c.ScheduledFor),
		SentAt:          formatTime(c.SentAt),
		TotalRecipients: c.TotalRecipients,
		EmailsSent:      c.EmailsSent,
		EmailsFailed:    c.EmailsFailed,
		EmailsOpened:    c.EmailsOpened,
		LinksClicked:    c.LinksClicked,
	}
}

type scheduleCampaignRequest struct {
	ID           string `json:"id"`
	ScheduledFor string `json:"scheduled_for"`
}

func (h *CRMHandler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req scheduleCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledFor))
	if err != nil {
		http.Error(w, "invalid scheduled_for", http.StatusBadRequest)
		return
	}
	c, err := h.dispatcher.ScheduleCampaign(r.Context(), strings.TrimSpace(req.ID), at)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaign(c))
}

func (h *CRMHandler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.readID(w, r)
	if !ok {
		return
	}
	c, err := h.dispatcher.CancelCampaign(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaign(c))
}

func (h *CRMHandler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.readID(w, r)
	if !ok {
		return
	}
	sum, err := h.dispatcher.SendCampaign(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sum.Sent, "failed": sum.Failed})
}

type scheduledEmailResponse struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	Type         string `json:"email_type"`
	Status       string `json:"status"`
	ScheduledFor string `json:"scheduled_for"`
	SentAt       string `json:"sent_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func toScheduledEmail(e model.ScheduledEmail) scheduledEmailResponse {
	return scheduledEmailResponse{
		ID:           e.ID,
		ClientID:     e.ClientID,
		Type:         string(e.Type),
		Status:       string(e.Status),
		ScheduledFor: formatTime(&e.ScheduledFor),
		SentAt:       formatTime(e.SentAt),
		ErrorMessage: e.ErrorMessage,
	}
}

func (h *CRMHandler) CancelScheduledEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.readID(w, r)
	if !ok {
		return
	}
	e, err := h.dispatcher.CancelScheduledEmail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduledEmail(e))
}

func (h *CRMHandler) RetryScheduledEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.readID(w, r)
	if !ok {
		return
	}
	e, err := h.dispatcher.RetryFailed(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduledEmail(e))
}
