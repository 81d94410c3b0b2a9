package patientauth

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Domain model
// ---------------------------------------------------------------------------

// TokenMethod is the delivery channel of a possession token.
type TokenMethod string

const (
	MethodMagicLink       TokenMethod = "magic_link"
	MethodSMSOTP          TokenMethod = "sms_otp"
	MethodAppointmentLink TokenMethod = "appointment_link"
	MethodQRCheckin       TokenMethod = "qr_checkin"
)

// Valid reports whether m is a known delivery method.
func (m TokenMethod) Valid() bool {
	switch m {
	case MethodMagicLink, MethodSMSOTP, MethodAppointmentLink, MethodQRCheckin:
		return true
	}
	return false
}

// TTL returns how long a freshly issued token of this method lives.
func (m TokenMethod) TTL() time.Duration {
	switch m {
	case MethodSMSOTP:
		return 10 * time.Minute
	case MethodQRCheckin:
		return 10 * time.Minute
	case MethodAppointmentLink:
		return 24 * time.Hour
	default:
		return 15 * time.Minute
	}
}

const (
	// MaxVerifyFailures is how many wrong birth dates a single token
	// survives before it is burned.
	MaxVerifyFailures = 5

	// IssueLimit / IssueWindow cap token issuance per identifier.
	IssueLimit  = 3
	IssueWindow = time.Hour

	// VoiceFailureThreshold wrong factors block a caller for
	// VoiceLockout.
	VoiceFailureThreshold = 3
	VoiceLockout          = 15 * time.Minute
)

// AuthToken is a single-use possession token. Only the SHA-256 hash of
// the raw secret is ever stored; the raw value exists solely in the
// message sent to the patient.
type AuthToken struct {
	Hash        string
	Method      TokenMethod
	Identifier  string
	PatientID   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	FailedCount int
	Used        bool
}

// Expired reports whether the token is past its expiry at the given
// instant.
func (t *AuthToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AuditEvent is one line in the authentication audit trail. Detail
// never contains factor values or raw tokens.
type AuditEvent struct {
	ID        uuid.UUID
	PatientID string
	Channel   string
	Event     string
	Detail    string
	CreatedAt time.Time
}
