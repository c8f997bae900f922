package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseStatus string

const (
	PurchaseActive    PurchaseStatus = "ACTIVE"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseExpired   PurchaseStatus = "EXPIRED"
	PurchaseCancelled PurchaseStatus = "CANCELLED"
)

type PackagePurchase struct {
	ID        string
	ClientID  string
	PackageID string

	PurchaseDate time.Time
	ExpiryDate   time.Time
	Status       PurchaseStatus

	OriginalPrice   decimal.Decimal
	DiscountApplied decimal.Decimal
	FinalPrice      decimal.Decimal
	DiscountID      string

	TotalSessions     int
	SessionsUsed      int
	SessionsRemaining int

	Notes string

	// ConsumedBy lists the appointments that have drawn a session.
	ConsumedBy []string

	ExpiryWarningQueuedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
