package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a read-mostly directory record. The core only writes LastVisitDate.
type Client struct {
	ID                 string
	FirstName          string
	LastName           string
	Email              string
	Phone              string
	DateOfBirth        *time.Time
	Active             bool
	EmailNotifications bool
	MarketingEmails    bool
	LastVisitDate      *time.Time
	CreatedAt          time.Time
}

func (c Client) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Age returns the client's age on today, or -1 when the birth date is unknown.
func (c Client) Age(today time.Time) int {
	if c.DateOfBirth == nil {
		return -1
	}
	dob := *c.DateOfBirth
	age := today.Year() - dob.Year()
	if today.Month() < dob.Month() || (today.Month() == dob.Month() && today.Day() < dob.Day()) {
		age--
	}
	return age
}

type Service struct {
	ID              string
	Name            string
	DurationMinutes int
	BasePrice       decimal.Decimal
	Active          bool
}

type PackageCategory string

const (
	CategoryEnergy   PackageCategory = "ENERGY"
	CategoryPain     PackageCategory = "PAIN"
	CategoryInjury   PackageCategory = "INJURY"
	CategoryBeauty   PackageCategory = "BEAUTY"
	CategoryWellness PackageCategory = "WELLNESS"
	CategoryCustom   PackageCategory = "CUSTOM"
)

type Package struct {
	ID            string
	Name          string
	Category      PackageCategory
	ServiceIDs    []string
	TotalSessions int
	Price         decimal.Decimal
	ValidityDays  int
	Active        bool
}

func (p Package) PricePerSession() decimal.Decimal {
	if p.TotalSessions <= 0 {
		return decimal.Zero
	}
	return p.Price.Div(decimal.NewFromInt(int64(p.TotalSessions))).Round(2)
}
