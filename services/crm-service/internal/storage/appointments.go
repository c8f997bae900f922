package storage

import (
	"context"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
	"github.com/jackc/pgx/v5"
)

const selectAppointment = `
	SELECT id, client_id, service_id, COALESCE(package_purchase_id, ''), COALESCE(discount_id, ''),
	       appointment_date, start_minute, duration_minutes, end_minute, status,
	       service_price, discount_amount, final_price, notes, therapist_notes, client_feedback, rating,
	       reminder_sent, reminder_sent_at, created_at, updated_at, completed_at
	FROM appointments`

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var a model.Appointment
	var start, end int
	err := row.Scan(&a.ID, &a.ClientID, &a.ServiceID, &a.PackagePurchaseID, &a.DiscountID,
		&a.Date, &start, &a.DurationMinutes, &end, &a.Status,
		&a.ServicePrice, &a.DiscountAmount, &a.FinalPrice, &a.Notes, &a.TherapistNotes, &a.ClientFeedback, &a.Rating,
		&a.ReminderSent, &a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt, &a.CompletedAt)
	a.StartTime = model.TimeOfDay(start)
	a.EndTime = model.TimeOfDay(end)
	return a, err
}

func (s *Store) CreateAppointment(ctx context.Context, a model.Appointment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointments (id, client_id, service_id, package_purchase_id, discount_id,
		                          appointment_date, start_minute, duration_minutes, end_minute, status,
		                          service_price, discount_amount, final_price, notes, therapist_notes,
		                          client_feedback, rating, reminder_sent, reminder_sent_at,
		                          created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22)
	`, a.ID, a.ClientID, a.ServiceID, a.PackagePurchaseID, a.DiscountID,
		a.Date, int(a.StartTime), a.DurationMinutes, int(a.EndTime), a.Status,
		a.ServicePrice, a.DiscountAmount, a.FinalPrice, a.Notes, a.TherapistNotes,
		a.ClientFeedback, a.Rating, a.ReminderSent, a.ReminderSentAt,
		a.CreatedAt, a.UpdatedAt, a.CompletedAt)
	return translate(err)
}

func (s *Store) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, selectAppointment+` WHERE id = $1`, id))
	return a, translate(err)
}

func writeAppointment(ctx context.Context, tx pgx.Tx, a model.Appointment) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments SET
			package_purchase_id = NULLIF($2, ''), discount_id = NULLIF($3, ''),
			appointment_date = $4, start_minute = $5, duration_minutes = $6, end_minute = $7,
			status = $8, service_price = $9, discount_amount = $10, final_price = $11,
			notes = $12, therapist_notes = $13, client_feedback = $14, rating = $15,
			reminder_sent = $16, reminder_sent_at = $17, updated_at = $18, completed_at = $19
		WHERE id = $1
	`, a.ID, a.PackagePurchaseID, a.DiscountID,
		a.Date, int(a.StartTime), a.DurationMinutes, int(a.EndTime),
		a.Status, a.ServicePrice, a.DiscountAmount, a.FinalPrice,
		a.Notes, a.TherapistNotes, a.ClientFeedback, a.Rating,
		a.ReminderSent, a.ReminderSentAt, a.UpdatedAt, a.CompletedAt)
	return err
}

func (s *Store) UpdateAppointment(ctx context.Context, id string, fn func(*model.Appointment) error) (model.Appointment, error) {
	return lockedUpdate(ctx, s, selectAppointment+` WHERE id = $1 FOR UPDATE`, id, scanAppointment, fn,
		func(tx pgx.Tx, a model.Appointment) error { return writeAppointment(ctx, tx, a) })
}

// TransitionAppointment writes the row, the audit row and its status-changed event in one transaction.
func (s *Store) TransitionAppointment(ctx context.Context, id string, fn func(*model.Appointment) (*model.AppointmentHistory, error)) (model.Appointment, error) {
	var h *model.AppointmentHistory
	return lockedUpdate(ctx, s, selectAppointment+` WHERE id = $1 FOR UPDATE`, id, scanAppointment,
		func(a *model.Appointment) error {
			var err error
			h, err = fn(a)
			return err
		},
		func(tx pgx.Tx, a model.Appointment) error {
			if err := writeAppointment(ctx, tx, a); err != nil {
				return err
			}
			if h == nil {
				return nil
			}
			return s.insertHistory(ctx, tx, *h)
		})
}

func (s *Store) insertHistory(ctx context.Context, tx pgx.Tx, h model.AppointmentHistory) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO appointment_history (id, appointment_id, previous_status, new_status, changed_by, changed_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, h.ID, h.AppointmentID, h.PreviousStatus, h.NewStatus, h.ChangedBy, h.ChangedAt, h.Notes); err != nil {
		return err
	}
	evt, err := outbox.AppointmentStatusChanged(h)
	return s.emit(ctx, tx, evt, err)
}

func (s *Store) ListHistory(ctx context.Context, appointmentID string) ([]model.AppointmentHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, appointment_id, previous_status, new_status, changed_by, changed_at, notes
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY changed_at, id
	`, appointmentID)
	return collect(rows, err, func(row rowScanner) (model.AppointmentHistory, error) {
		var h model.AppointmentHistory
		err := row.Scan(&h.ID, &h.AppointmentID, &h.PreviousStatus, &h.NewStatus, &h.ChangedBy, &h.ChangedAt, &h.Notes)
		return h, err
	})
}

func (s *Store) ListReminderCandidates(ctx context.Context, date time.Time) ([]model.Appointment, error) {
	rows, err := s.pool.Query(ctx, selectAppointment+`
		WHERE appointment_date = $1 AND NOT reminder_sent AND status = ANY($2::text[])
		ORDER BY start_minute, id
	`, model.DateOf(date), []string{string(model.AppointmentScheduled), string(model.AppointmentConfirmed)})
	return collect(rows, err, scanAppointment)
}

// MarkReminderSent flips reminder_sent only if it is still false and reports whether it did.
func (s *Store) MarkReminderSent(ctx context.Context, appointmentID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments SET reminder_sent = TRUE, reminder_sent_at = $2, updated_at = $2
		WHERE id = $1 AND NOT reminder_sent
	`, appointmentID, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, appointmentID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, model.ErrNotFound
	}
	return false, nil
}
