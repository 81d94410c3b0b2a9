package patientauth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Audit trail
// ---------------------------------------------------------------------------

// Audit event names.
const (
	EventTokenIssued        = "token_issued"
	EventTokenVerified      = "token_verified"
	EventTokenRejected      = "token_rejected"
	EventVoiceAuthenticated = "voice_authenticated"
	EventVoiceBlocked       = "voice_blocked"
	EventSessionElevated    = "session_elevated"
	EventActionAuthorized   = "action_authorized"
)

// AuditRepository records authentication events for later review.
type AuditRepository interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// MemoryAuditRepository collects events in memory, for dev and tests.
type MemoryAuditRepository struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) Record(_ context.Context, event *AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *MemoryAuditRepository) Events() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

// newAuditEvent fills in id and timestamp.
func newAuditEvent(patientID, channel, event, detail string, now time.Time) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		PatientID: patientID,
		Channel:   channel,
		Event:     event,
		Detail:    detail,
		CreatedAt: now,
	}
}
