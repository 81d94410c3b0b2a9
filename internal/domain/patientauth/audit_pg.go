package patientauth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgAuditRepository persists audit events to Postgres.
type PgAuditRepository struct {
	pool *pgxpool.Pool
}

func NewPgAuditRepository(pool *pgxpool.Pool) *PgAuditRepository {
	return &PgAuditRepository{pool: pool}
}

// EnsureSchema creates the audit table if it is missing.
func (r *PgAuditRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS auth_audit (
			id         UUID PRIMARY KEY,
			patient_id TEXT NOT NULL DEFAULT '',
			channel    TEXT NOT NULL,
			event      TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) Record(ctx context.Context, event *AuditEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO auth_audit (id, patient_id, channel, event, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.PatientID, event.Channel, event.Event, event.Detail, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}
