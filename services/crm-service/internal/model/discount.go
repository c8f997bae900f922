package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage  DiscountType = "PERCENTAGE"
	DiscountFixed       DiscountType = "FIXED"
	DiscountFreeSession DiscountType = "FREE_SESSION"
	DiscountBOGO        DiscountType = "BOGO"
)

type DiscountScope string

const (
	ScopePackage DiscountScope = "PACKAGE"
	ScopeService DiscountScope = "SERVICE"
	ScopeAll     DiscountScope = "ALL"
)

type Discount struct {
	ID          string
	Name        string
	Code        string
	Description string

	Type      DiscountType
	AppliesTo DiscountScope

	PercentageOff  decimal.NullDecimal
	FixedAmountOff decimal.NullDecimal
	FreeSessions   int

	ApplicablePackageIDs []string
	ApplicableServiceIDs []string

	StartDate time.Time
	EndDate   *time.Time
	Active    bool

	MaxUsesTotal     *int
	MaxUsesPerClient int
	CurrentUses      int

	MinimumPurchase decimal.NullDecimal
	CanBeCombined   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DiscountUsage snapshots one application of a discount.
type DiscountUsage struct {
	ID                string
	DiscountID        string
	ClientID          string
	PackagePurchaseID string
	AppointmentID     string
	OriginalPrice     decimal.Decimal
	DiscountAmount    decimal.Decimal
	FinalPrice        decimal.Decimal
	UsedAt            time.Time
}
