package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication levels. A session earns an ordinal trust tier; higher
// levels unlock more sensitive operations. Level 4 exists only as a
// short-lived, action-scoped credential.
const (
	LevelNone     = 0
	LevelIdentity = 1
	LevelVerified = 2
	LevelStrong   = 3
	LevelAction   = 4
)

// Session lifetimes.
const (
	// SessionTTL is the lifetime of a base session. Elevation never
	// extends it.
	SessionTTL = 24 * time.Hour

	// ActionTokenTTL is the lifetime of a level-4 action-scoped token,
	// always computed fresh regardless of the parent session's expiry.
	ActionTokenTTL = 5 * time.Minute
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidToken indicates the bearer credential failed signature,
	// structure, or expiry validation. Verification fails closed: the
	// caller never learns which check failed.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrLevelNotIncreased indicates an elevation to a level at or below
	// the session's current level was requested.
	ErrLevelNotIncreased = errors.New("elevation must increase the session level")

	// ErrLevelOutOfRange indicates a level outside 1..4.
	ErrLevelOutOfRange = errors.New("session level out of range")

	// ErrUnknownAction indicates an action name with no level mapping.
	// Unknown actions are never granted a default level.
	ErrUnknownAction = errors.New("unknown action")
)

// SessionClaims is the payload of a leveled bearer credential.
type SessionClaims struct {
	jwt.RegisteredClaims
	Level       int    `json:"level"`
	Method      string `json:"method"`
	ElevatedAt  int64  `json:"elevated_at,omitempty"`
	ActionScope string `json:"action_scope,omitempty"`
}

// SessionIssuer mints, verifies, and elevates leveled session credentials
// using a symmetric HS256 signature.
type SessionIssuer struct {
	key []byte
	now func() time.Time
}

// NewSessionIssuer creates an issuer signing with the given key.
func NewSessionIssuer(key []byte) *SessionIssuer {
	return &SessionIssuer{key: key, now: time.Now}
}

// Issue mints a credential for the given patient at the given level, valid
// for the full session lifetime. The voice channel uses this for levels
// 1-3; the web channel always issues level 2 via IssueLevel2.
func (s *SessionIssuer) Issue(patientID string, level int, method string) (string, *SessionClaims, error) {
	if level < LevelIdentity || level > LevelStrong {
		return "", nil, ErrLevelOutOfRange
	}
	now := s.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   patientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
		Level:  level,
		Method: method,
	}
	return s.sign(claims)
}

// IssueLevel2 mints the level-2 credential produced by a successful web
// token verification.
func (s *SessionIssuer) IssueLevel2(patientID, method string) (string, *SessionClaims, error) {
	return s.Issue(patientID, LevelVerified, method)
}

// Elevate mints a new credential with the same subject and the original
// expiry at the requested higher level. Elevation is strictly monotonic
// and never extends the session lifetime.
func (s *SessionIssuer) Elevate(current *SessionClaims, newLevel int) (string, *SessionClaims, error) {
	if newLevel <= current.Level {
		return "", nil, ErrLevelNotIncreased
	}
	if newLevel > LevelAction {
		return "", nil, ErrLevelOutOfRange
	}
	now := s.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   current.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: current.ExpiresAt,
		},
		Level:      newLevel,
		Method:     current.Method,
		ElevatedAt: now.Unix(),
	}
	return s.sign(claims)
}

// IssueActionToken mints a level-4 credential scoped to exactly one
// action, with a fresh short expiry regardless of the parent session's
// remaining lifetime.
func (s *SessionIssuer) IssueActionToken(current *SessionClaims, action Action) (string, *SessionClaims, error) {
	if !action.Valid() {
		return "", nil, ErrUnknownAction
	}
	now := s.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   current.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ActionTokenTTL)),
		},
		Level:       LevelAction,
		Method:      current.Method,
		ElevatedAt:  now.Unix(),
		ActionScope: string(action),
	}
	return s.sign(claims)
}

// Verify parses and validates a credential. Any signature, structure, or
// expiry mismatch yields ErrInvalidToken; there is no downgrade path.
func (s *SessionIssuer) Verify(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Level < LevelIdentity || claims.Level > LevelAction {
		return nil, ErrInvalidToken
	}
	// A level-4 credential must always carry a well-formed action scope.
	if claims.Level == LevelAction && !Action(claims.ActionScope).Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *SessionIssuer) sign(claims *SessionClaims) (string, *SessionClaims, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}
	return signed, claims, nil
}
