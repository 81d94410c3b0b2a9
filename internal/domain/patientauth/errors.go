package patientauth

import "errors"

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Store-level sentinel errors.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenUsed     = errors.New("token already used")
)

// Failure codes returned to callers. Handlers map these onto HTTP
// statuses; the strings themselves appear in response bodies.
const (
	CodeValidationFailed = "validation_failed"
	CodeRateLimited      = "rate_limited"
	CodeInvalidToken     = "invalid_token"
	CodeInvalidBirthdate = "invalid_birthdate"
	CodeInvalidFactor    = "invalid_factor"
	CodeMaxAttempts      = "max_attempts"
	CodeBlocked          = "blocked"
	CodeNotFound         = "not_found"
)

// AuthError is a caller-visible failure. The zero values of the
// optional fields mean "not applicable" and are omitted from response
// bodies.
type AuthError struct {
	Code              string
	Message           string
	RetryAfterSeconds int
	AttemptsRemaining int
	FailedFactor      string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func validationFailed(msg string) *AuthError {
	return &AuthError{Code: CodeValidationFailed, Message: msg}
}
