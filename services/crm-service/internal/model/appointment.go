package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentConfirmed  AppointmentStatus = "CONFIRMED"
	AppointmentCheckedIn  AppointmentStatus = "CHECKED_IN"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
	AppointmentNoShow     AppointmentStatus = "NO_SHOW"
)

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

type Appointment struct {
	ID                string
	ClientID          string
	ServiceID         string
	PackagePurchaseID string // empty when paid per visit
	DiscountID        string

	Date            time.Time // midnight of the appointment day
	StartTime       TimeOfDay
	DurationMinutes int
	EndTime         TimeOfDay

	Status AppointmentStatus

	ServicePrice   decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalPrice     decimal.Decimal

	Notes          string
	TherapistNotes string
	ClientFeedback string
	Rating         *int

	ReminderSent   bool
	ReminderSentAt *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (a Appointment) PackageBound() bool {
	return a.PackagePurchaseID != ""
}

// StartsAt combines Date and StartTime in loc.
func (a Appointment) StartsAt(loc *time.Location) time.Time {
	y, m, d := a.Date.Date()
	return time.Date(y, m, d, a.StartTime.Hour(), a.StartTime.Minute(), 0, 0, loc)
}

// AppointmentHistory is an immutable audit row for one status change.
type AppointmentHistory struct {
	ID             string
	AppointmentID  string
	PreviousStatus AppointmentStatus
	NewStatus      AppointmentStatus
	ChangedBy      string
	ChangedAt      time.Time
	Notes          string
}
