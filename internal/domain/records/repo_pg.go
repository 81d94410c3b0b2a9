package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgAppointmentRepository persists appointments in Postgres.
type PgAppointmentRepository struct {
	pool *pgxpool.Pool
}

func NewPgAppointmentRepository(pool *pgxpool.Pool) *PgAppointmentRepository {
	return &PgAppointmentRepository{pool: pool}
}

// EnsureSchema creates the appointments table if it is missing.
func (r *PgAppointmentRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS appointments (
			id                UUID PRIMARY KEY,
			patient_id        TEXT NOT NULL,
			practitioner_name TEXT NOT NULL DEFAULT '',
			reason            TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			start_time        TIMESTAMPTZ NOT NULL,
			end_time          TIMESTAMPTZ NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure appointments schema: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, start_time)`)
	if err != nil {
		return fmt.Errorf("ensure appointments index: %w", err)
	}
	return nil
}

func (r *PgAppointmentRepository) Create(ctx context.Context, appt *Appointment) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, practitioner_name, reason, status, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		appt.ID, appt.PatientID, appt.PractitionerName, appt.Reason, appt.Status, appt.StartTime, appt.EndTime)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (r *PgAppointmentRepository) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, practitioner_name, reason, status, start_time, end_time, created_at
		FROM appointments WHERE patient_id = $1 ORDER BY start_time`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	out := make([]Appointment, 0)
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.PractitionerName, &a.Reason,
			&a.Status, &a.StartTime, &a.EndTime, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PgAppointmentRepository) Get(ctx context.Context, id uuid.UUID, patientID string) (*Appointment, error) {
	var a Appointment
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, practitioner_name, reason, status, start_time, end_time, created_at
		FROM appointments WHERE id = $1 AND patient_id = $2`, id, patientID).
		Scan(&a.ID, &a.PatientID, &a.PractitionerName, &a.Reason,
			&a.Status, &a.StartTime, &a.EndTime, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return &a, nil
}

func (r *PgAppointmentRepository) Cancel(ctx context.Context, id uuid.UUID, patientID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments SET status = $1
		WHERE id = $2 AND patient_id = $3 AND status <> $1`,
		StatusCancelled, id, patientID)
	if err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, id, patientID); getErr != nil {
			return getErr
		}
		return ErrAlreadyCancelled
	}
	return nil
}
