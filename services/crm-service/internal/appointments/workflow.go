// Package appointments owns the appointment lifecycle: booking, status transitions with
// their audit history, and the side effects of completion.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/shopspring/decimal"
)

var (
	ErrPackageUnavailable = errors.New("package purchase cannot be booked")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
	ErrInvalidDuration    = errors.New("duration must be positive")
)

type Repository interface {
	CreateAppointment(ctx context.Context, a model.Appointment) error
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	// UpdateAppointment runs fn against the row under a lock and persists the result.
	UpdateAppointment(ctx context.Context, id string, fn func(*model.Appointment) error) (model.Appointment, error)
	// TransitionAppointment is UpdateAppointment for status changes: a history record returned
	// by fn is stored with its status-changed event in the same write as the row.
	TransitionAppointment(ctx context.Context, id string, fn func(*model.Appointment) (*model.AppointmentHistory, error)) (model.Appointment, error)
	ListHistory(ctx context.Context, appointmentID string) ([]model.AppointmentHistory, error)
}

type Directory interface {
	GetClient(ctx context.Context, id string) (model.Client, error)
	GetService(ctx context.Context, id string) (model.Service, error)
	TouchLastVisit(ctx context.Context, clientID string, date time.Time) error
}

type Ledger interface {
	CanBookSession(ctx context.Context, purchaseID string) (bool, error)
	// ConsumeSession draws at most one session per appointment.
	ConsumeSession(ctx context.Context, purchaseID, appointmentID string) (model.PackagePurchase, error)
}

type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
	RecordUsage(ctx context.Context, q pricing.Quote, ref pricing.UsageRef) (model.DiscountUsage, error)
}

type Workflow struct {
	repo   Repository
	dir    Directory
	ledger Ledger
	pricer Pricer
	clock  clock.Clock
	logger *slog.Logger
}

func NewWorkflow(repo Repository, dir Directory, ledger Ledger, pricer Pricer, clk clock.Clock, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{repo: repo, dir: dir, ledger: ledger, pricer: pricer, clock: clk, logger: logger}
}

type ScheduleRequest struct {
	ClientID          string
	ServiceID         string
	PackagePurchaseID string
	Date              time.Time
	StartTime         model.TimeOfDay
	DurationMinutes   int              // defaults to the service duration
	ServicePrice      *decimal.Decimal // defaults to the service base price
	DiscountCode      string
	Notes             string
}

// Schedule books a SCHEDULED appointment. Package-bound bookings are prepaid and never
// carry a discount; other bookings are priced through the discount resolver.
func (w *Workflow) Schedule(ctx context.Context, req ScheduleRequest) (model.Appointment, error) {
	if _, err := w.dir.GetClient(ctx, req.ClientID); err != nil {
		return model.Appointment{}, fmt.Errorf("load client %s: %w", req.ClientID, err)
	}
	svc, err := w.dir.GetService(ctx, req.ServiceID)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("load service %s: %w", req.ServiceID, err)
	}

	duration := req.DurationMinutes
	if duration == 0 {
		duration = svc.DurationMinutes
	}
	if duration <= 0 {
		return model.Appointment{}, ErrInvalidDuration
	}
	price := svc.BasePrice
	if req.ServicePrice != nil {
		price = *req.ServicePrice
	}

	now := w.clock.Now()
	a := model.Appointment{
		ID:                model.NewID(),
		ClientID:          req.ClientID,
		ServiceID:         svc.ID,
		PackagePurchaseID: req.PackagePurchaseID,
		Date:              model.DateOf(req.Date),
		StartTime:         req.StartTime,
		DurationMinutes:   duration,
		EndTime:           req.StartTime.Add(duration),
		Status:            model.AppointmentScheduled,
		ServicePrice:      price,
		DiscountAmount:    decimal.Zero,
		FinalPrice:        decimal.Zero,
		Notes:             req.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var quote pricing.Quote
	if a.PackageBound() {
		ok, err := w.ledger.CanBookSession(ctx, a.PackagePurchaseID)
		if err != nil {
			return model.Appointment{}, fmt.Errorf("check package %s: %w", a.PackagePurchaseID, err)
		}
		if !ok {
			return model.Appointment{}, fmt.Errorf("%w: %s", ErrPackageUnavailable, a.PackagePurchaseID)
		}
	} else {
		quote, err = w.pricer.Quote(ctx, pricing.QuoteRequest{
			Code:      req.DiscountCode,
			ClientID:  req.ClientID,
			BasePrice: price,
			Target:    pricing.ServiceTarget(svc.ID),
		})
		if err != nil {
			return model.Appointment{}, err
		}
		a.DiscountAmount = quote.DiscountAmount
		a.FinalPrice = quote.Final
		if quote.Discount != nil {
			a.DiscountID = quote.Discount.ID
		}
	}

	if err := w.repo.CreateAppointment(ctx, a); err != nil {
		return model.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	if _, err := w.pricer.RecordUsage(ctx, quote, pricing.UsageRef{ClientID: a.ClientID, AppointmentID: a.ID}); err != nil {
		w.logger.Warn("discount usage not recorded", "appointment_id", a.ID, "discount_id", a.DiscountID, "err", err)
	}
	return a, nil
}

// Transition changes an appointment's status. The row and its history are written together.
// Entering COMPLETED then updates the client's last visit and, for package-bound
// appointments, draws one session. Both are safe to repeat, so requesting COMPLETED again
// on a completed appointment finishes a completion that failed part way.
func (w *Workflow) Transition(ctx context.Context, id string, to model.AppointmentStatus, change Change) (model.Appointment, error) {
	now := w.clock.Now()
	var history *model.AppointmentHistory
	updated, err := w.repo.TransitionAppointment(ctx, id, func(a *model.Appointment) (*model.AppointmentHistory, error) {
		next, h, err := Transition(*a, to, change, now)
		if err != nil {
			return nil, err
		}
		*a = next
		history = h
		return h, nil
	})
	if err != nil {
		return model.Appointment{}, fmt.Errorf("transition appointment %s: %w", id, err)
	}
	if history != nil {
		w.logger.Info("appointment status changed", "appointment_id", id, "from", history.PreviousStatus, "to", history.NewStatus, "actor", change.Actor)
	}

	if to != model.AppointmentCompleted {
		return updated, nil
	}
	if err := w.complete(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

func (w *Workflow) complete(ctx context.Context, a model.Appointment) error {
	if err := w.dir.TouchLastVisit(ctx, a.ClientID, a.Date); err != nil {
		return fmt.Errorf("update last visit for client %s: %w", a.ClientID, err)
	}
	if a.PackageBound() {
		if _, err := w.ledger.ConsumeSession(ctx, a.PackagePurchaseID, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// RecordFeedback stores a client rating (1-5) and free-text feedback.
func (w *Workflow) RecordFeedback(ctx context.Context, id string, rating int, feedback string) (model.Appointment, error) {
	if rating < 1 || rating > 5 {
		return model.Appointment{}, ErrInvalidRating
	}
	now := w.clock.Now()
	return w.repo.UpdateAppointment(ctx, id, func(a *model.Appointment) error {
		r := rating
		a.Rating = &r
		a.ClientFeedback = feedback
		a.UpdatedAt = now
		return nil
	})
}

func (w *Workflow) History(ctx context.Context, id string) ([]model.AppointmentHistory, error) {
	return w.repo.ListHistory(ctx, id)
}
