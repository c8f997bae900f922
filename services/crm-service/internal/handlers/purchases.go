package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/ledger"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/shopspring/decimal"
)

type purchaseRequest struct {
	ClientID     string `json:"client_id"`
	PackageID    string `json:"package_id"`
	DiscountCode string `json:"discount_code"`
	PurchaseDate string `json:"purchase_date"`
	ExpiryDate   string `json:"expiry_date"`
	Notes        string `json:"notes"`
}

type purchaseResponse struct {
	ID                string          `json:"id"`
	ClientID          string          `json:"client_id"`
	PackageID         string          `json:"package_id"`
	Status            string          `json:"status"`
	PurchaseDate      string          `json:"purchase_date"`
	ExpiryDate        string          `json:"expiry_date"`
	OriginalPrice     decimal.Decimal `json:"original_price"`
	DiscountApplied   decimal.Decimal `json:"discount_applied"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	DiscountID        string          `json:"discount_id,omitempty"`
	TotalSessions     int             `json:"total_sessions"`
	SessionsUsed      int             `json:"sessions_used"`
	SessionsRemaining int             `json:"sessions_remaining"`
	UsagePercentage   float64         `json:"usage_percentage"`
	CanBookSession    bool            `json:"can_book_session"`
}

func toPurchase(p model.PackagePurchase, now time.Time) purchaseResponse {
	return purchaseResponse{
		ID:                p.ID,
		ClientID:          p.ClientID,
		PackageID:         p.PackageID,
		Status:            string(p.Status),
		PurchaseDate:      model.FormatDate(p.PurchaseDate),
		ExpiryDate:        model.FormatDate(p.ExpiryDate),
		OriginalPrice:     p.OriginalPrice,
		DiscountApplied:   p.DiscountApplied,
		FinalPrice:        p.FinalPrice,
		DiscountID:        p.DiscountID,
		TotalSessions:     p.TotalSessions,
		SessionsUsed:      p.SessionsUsed,
		SessionsRemaining: p.SessionsRemaining,
		UsagePercentage:   ledger.UsagePercentage(p),
		CanBookSession:    ledger.CanBookSession(p, now),
	}
}

// Purchases creates a purchase on POST and returns one by purchase_id on GET.
func (h *CRMHandler) Purchases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createPurchase(w, r)
	case http.MethodGet:
		id := strings.TrimSpace(r.URL.Query().Get("purchase_id"))
		if id == "" {
			http.Error(w, "missing purchase_id", http.StatusBadRequest)
			return
		}
		p, err := h.ledger.Get(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPurchase(p, h.clock.Now()))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *CRMHandler) createPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decode(w, r, &req) {
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.PackageID = strings.TrimSpace(req.PackageID)
	if req.ClientID == "" || req.PackageID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	var purchaseDate, expiry time.Time
	var err error
	if req.PurchaseDate != "" {
		if purchaseDate, err = parseDate(req.PurchaseDate); err != nil {
			http.Error(w, "invalid purchase_date", http.StatusBadRequest)
			return
		}
	}
	if req.ExpiryDate != "" {
		if expiry, err = parseDate(req.ExpiryDate); err != nil {
			http.Error(w, "invalid expiry_date", http.StatusBadRequest)
			return
		}
	}
	p, err := h.ledger.Purchase(r.Context(), ledger.PurchaseRequest{
		ClientID:     req.ClientID,
		PackageID:    req.PackageID,
		DiscountCode: req.DiscountCode,
		PurchaseDate: purchaseDate,
		ExpiryDate:   expiry,
		Notes:        req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchase(p, h.clock.Now()))
}

type cancelPurchaseRequest struct {
	PurchaseID string `json:"purchase_id"`
	Notes      string `json:"notes"`
}

func (h *CRMHandler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req cancelPurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.ledger.Cancel(r.Context(), strings.TrimSpace(req.PurchaseID), req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchase(p, h.clock.Now()))
}

type quoteRequest struct {
	Code      string          `json:"code"`
	ClientID  string          `json:"client_id"`
	BasePrice decimal.Decimal `json:"base_price"`
	PackageID string          `json:"package_id"`
	ServiceID string          `json:"service_id"`
}

type quoteResponse struct {
	DiscountID     string          `json:"discount_id,omitempty"`
	Original       decimal.Decimal `json:"original_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Final          decimal.Decimal `json:"final_price"`
	BonusSessions  int             `json:"bonus_sessions,omitempty"`
	Rejected       string          `json:"rejected,omitempty"`
}

func (h *CRMHandler) Quote(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req quoteRequest
	if !decode(w, r, &req) {
		return
	}
	target := pricing.ServiceTarget(strings.TrimSpace(req.ServiceID))
	if id := strings.TrimSpace(req.PackageID); id != "" {
		target = pricing.PackageTarget(id)
	}
	q, err := h.pricing.Quote(r.Context(), pricing.QuoteRequest{
		Code:      req.Code,
		ClientID:  strings.TrimSpace(req.ClientID),
		BasePrice: req.BasePrice,
		Target:    target,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := quoteResponse{Original: q.Original, DiscountAmount: q.DiscountAmount, Final: q.Final}
	if q.Discount != nil {
		resp.DiscountID = q.Discount.ID
		resp.BonusSessions = pricing.BonusSessions(*q.Discount)
	}
	if q.Rejected != nil {
		resp.Rejected = q.Rejected.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
