package patientauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/fhir"
)

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Service orchestrates the progressive authentication flows over the
// patient directory, the token stores, and the session issuer. FHIR
// reads never happen while a store lock is held; the stores are
// internally synchronized.
type Service struct {
	directory fhir.Directory
	issuer    *auth.SessionIssuer
	tokens    TokenStore
	limits    RateLimitStore
	attempts  AttemptStore
	audit     AuditRepository
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires a Service. The notifier may be nil, in which case
// issued secrets are simply not delivered (tests inspect the stores
// directly).
func NewService(
	directory fhir.Directory,
	issuer *auth.SessionIssuer,
	tokens TokenStore,
	limits RateLimitStore,
	attempts AttemptStore,
	audit AuditRepository,
	notifier Notifier,
	logger zerolog.Logger,
) *Service {
	return &Service{
		directory: directory,
		issuer:    issuer,
		tokens:    tokens,
		limits:    limits,
		attempts:  attempts,
		audit:     audit,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Results returned by the flows.

type InitiateResult struct {
	Success          bool        `json:"success"`
	Method           TokenMethod `json:"method"`
	MaskedIdentifier string      `json:"maskedIdentifier"`
	ExpiresIn        int         `json:"expiresIn"`
}

type PatientRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type VerifyResult struct {
	JWT       string     `json:"jwt"`
	Level     int        `json:"level"`
	ExpiresAt int64      `json:"expiresAt"`
	Patient   PatientRef `json:"patient"`
}

type TokenResult struct {
	JWT       string `json:"jwt"`
	Level     int    `json:"level"`
	ExpiresAt int64  `json:"expiresAt"`
}

type VoiceIdentifyResult struct {
	Found     bool   `json:"found"`
	PatientID string `json:"patientId,omitempty"`
	Name      string `json:"patientName,omitempty"`
}

type VoiceAuthResult struct {
	Authenticated bool   `json:"authenticated"`
	Level         int    `json:"level"`
	FailedFactor  string `json:"failedFactor,omitempty"`
	Blocked       bool   `json:"blocked,omitempty"`
	JWT           string `json:"jwt,omitempty"`
}

type AuthorizeResult struct {
	Authorized    bool                `json:"authorized"`
	RequiredLevel int                 `json:"requiredLevel"`
	ActionToken   string              `json:"actionToken,omitempty"`
	ExpiresAt     int64               `json:"expiresAt,omitempty"`
	Elevation     *auth.ElevationHint `json:"elevation,omitempty"`
}

// ---------------------------------------------------------------------------
// Web channel
// ---------------------------------------------------------------------------

// InitiateToken issues a single-use possession token and hands the raw
// secret to the notifier. The response is byte-identical whether or not
// the identifier belongs to a known patient.
func (s *Service) InitiateToken(ctx context.Context, method TokenMethod, identifier string) (*InitiateResult, error) {
	normalized, err := normalizeIdentifier(method, identifier)
	if err != nil {
		return nil, err
	}

	retryAfter, err := s.limits.Reserve(ctx, normalized, IssueLimit, IssueWindow)
	if err != nil {
		return nil, fmt.Errorf("issuance window: %w", err)
	}
	if retryAfter > 0 {
		return nil, &AuthError{
			Code:              CodeRateLimited,
			Message:           "too many tokens requested",
			RetryAfterSeconds: ceilSeconds(retryAfter),
		}
	}

	patientID := ""
	patient, err := s.directory.PatientByContact(ctx, normalized)
	switch {
	case err == nil:
		patientID = patient.ID
	case errors.Is(err, fhir.ErrNotFound):
		// Proceed identically; the token just can never verify.
	default:
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	secret, err := generateSecret(method)
	if err != nil {
		return nil, err
	}
	now := s.now()
	token := &AuthToken{
		Hash:       hashToken(secret),
		Method:     method,
		Identifier: normalized,
		PatientID:  patientID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(method.TTL()),
	}
	if err := s.tokens.Save(ctx, token); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.Deliver(ctx, method, normalized, secret); err != nil {
			s.logger.Error().Err(err).Str("method", string(method)).Msg("token delivery failed")
		}
	}
	s.record(ctx, patientID, "web", EventTokenIssued, string(method))

	return &InitiateResult{
		Success:          true,
		Method:           method,
		MaskedIdentifier: maskIdentifier(method, normalized),
		ExpiresIn:        int(method.TTL().Seconds()),
	}, nil
}

// VerifyToken redeems a possession token together with the birth date
// knowledge factor and mints a level-2 session. The token is single
// use; a wrong birth date burns one of its attempts.
func (s *Service) VerifyToken(ctx context.Context, rawToken, birthDate string) (*VerifyResult, error) {
	if rawToken == "" || birthDate == "" {
		return nil, validationFailed("token and birthDate are required")
	}

	token, err := s.tokens.Get(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, &AuthError{Code: CodeInvalidToken, Message: "unknown, expired or used token"}
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	if !matchesHash(rawToken, token.Hash) || token.Used || token.Expired(s.now()) {
		return nil, &AuthError{Code: CodeInvalidToken, Message: "unknown, expired or used token"}
	}
	if token.FailedCount >= MaxVerifyFailures {
		return nil, &AuthError{Code: CodeMaxAttempts, Message: "too many failed attempts for this token"}
	}

	var patient *fhir.Patient
	if token.PatientID != "" {
		patient, err = s.directory.PatientByID(ctx, token.PatientID)
		if err != nil && !errors.Is(err, fhir.ErrNotFound) {
			return nil, fmt.Errorf("directory lookup: %w", err)
		}
	}
	// A token issued for an unknown identifier fails here exactly like a
	// wrong birth date would.
	if patient == nil || !matchBirthDate(birthDate, patient.BirthDate) {
		return nil, s.tokenFailure(ctx, token)
	}

	if err := s.tokens.Consume(ctx, token.Hash); err != nil {
		if errors.Is(err, ErrTokenUsed) || errors.Is(err, ErrTokenNotFound) {
			return nil, &AuthError{Code: CodeInvalidToken, Message: "unknown, expired or used token"}
		}
		return nil, fmt.Errorf("consume token: %w", err)
	}

	jwt, claims, err := s.issuer.IssueLevel2(patient.ID, string(token.Method))
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	s.record(ctx, patient.ID, "web", EventTokenVerified, string(token.Method))

	return &VerifyResult{
		JWT:       jwt,
		Level:     claims.Level,
		ExpiresAt: claims.ExpiresAt.Unix(),
		Patient:   PatientRef{ID: patient.ID, Name: patient.DisplayName()},
	}, nil
}

func (s *Service) tokenFailure(ctx context.Context, token *AuthToken) error {
	count, err := s.tokens.RecordFailure(ctx, token.Hash)
	if err != nil {
		return fmt.Errorf("record token failure: %w", err)
	}
	s.record(ctx, token.PatientID, "web", EventTokenRejected, string(token.Method))
	remaining := MaxVerifyFailures - count
	if remaining < 0 {
		remaining = 0
	}
	return &AuthError{
		Code:              CodeInvalidBirthdate,
		Message:           "birth date does not match",
		AttemptsRemaining: remaining,
	}
}

// Elevate climbs the knowledge ladder from the session's current level
// using the supplied factors and mints a higher-level session with the
// original expiry.
func (s *Service) Elevate(ctx context.Context, claims *auth.SessionClaims, factors FactorSet) (*TokenResult, error) {
	if factors.Empty() {
		return nil, validationFailed("no usable factor supplied")
	}
	if claims.Level >= auth.LevelStrong {
		return nil, validationFailed("session is already at the highest knowledge level")
	}

	patient, err := s.directory.PatientByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			// Indistinguishable from a wrong factor so the response never
			// reveals directory state.
			return nil, &AuthError{Code: CodeInvalidFactor, FailedFactor: firstSupplied(factors)}
		}
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	res := ElevateFactors(patient, claims.Level, factors)
	if res.FailedFactor != "" {
		return nil, &AuthError{Code: CodeInvalidFactor, FailedFactor: res.FailedFactor}
	}
	if res.Level <= claims.Level {
		return nil, validationFailed("no usable factor supplied")
	}

	jwt, newClaims, err := s.issuer.Elevate(claims, res.Level)
	if err != nil {
		return nil, fmt.Errorf("elevate session: %w", err)
	}
	s.record(ctx, claims.Subject, "web", EventSessionElevated, fmt.Sprintf("level %d -> %d", claims.Level, res.Level))

	return &TokenResult{
		JWT:       jwt,
		Level:     newClaims.Level,
		ExpiresAt: newClaims.ExpiresAt.Unix(),
	}, nil
}

// ---------------------------------------------------------------------------
// Voice channel
// ---------------------------------------------------------------------------

// VoiceIdentify resolves the calling phone number to a patient. The
// voice gateway is a trusted backend, so existence is reported plainly.
func (s *Service) VoiceIdentify(ctx context.Context, phone string) (*VoiceIdentifyResult, error) {
	normalized, err := normalizePhone(phone)
	if err != nil {
		return nil, err
	}
	patient, err := s.directory.PatientByPhone(ctx, normalized)
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return &VoiceIdentifyResult{Found: false}, nil
		}
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	return &VoiceIdentifyResult{
		Found:     true,
		PatientID: patient.ID,
		Name:      patient.DisplayName(),
	}, nil
}

// VoiceAuthenticate walks the factor ladder for a voice caller. Any
// supplied-but-wrong factor counts toward the caller's block; three
// failures lock the patient id out of voice authentication for fifteen
// minutes.
func (s *Service) VoiceAuthenticate(ctx context.Context, patientID string, factors FactorSet) (*VoiceAuthResult, error) {
	if patientID == "" {
		return nil, validationFailed("patientId is required")
	}

	subject := voiceSubject(patientID)
	blocked, err := s.attempts.Blocked(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return nil, &AuthError{Code: CodeBlocked, Message: "too many failed attempts, try again later"}
	}

	if factors.Empty() {
		return &VoiceAuthResult{Authenticated: false, Level: 0}, nil
	}

	patient, err := s.directory.PatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			// An unknown patient id fails like a wrong first factor.
			return s.voiceFailure(ctx, subject, patientID, LevelResult{Level: 0, FailedFactor: "patientId"})
		}
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	res := EvaluateFactors(patient, factors)
	if res.FailedFactor != "" {
		return s.voiceFailure(ctx, subject, patientID, res)
	}

	if err := s.attempts.Clear(ctx, subject); err != nil {
		return nil, fmt.Errorf("clear attempts: %w", err)
	}

	out := &VoiceAuthResult{Authenticated: res.Level > 0, Level: res.Level}
	if res.Level >= auth.LevelIdentity {
		jwt, _, err := s.issuer.Issue(patientID, res.Level, "voice")
		if err != nil {
			return nil, fmt.Errorf("issue session: %w", err)
		}
		out.JWT = jwt
		s.record(ctx, patientID, "voice", EventVoiceAuthenticated, fmt.Sprintf("level %d", res.Level))
	}
	return out, nil
}

func (s *Service) voiceFailure(ctx context.Context, subject, patientID string, res LevelResult) (*VoiceAuthResult, error) {
	blocked, err := s.attempts.Fail(ctx, subject, VoiceFailureThreshold, VoiceLockout)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	event := EventTokenRejected
	if blocked {
		event = EventVoiceBlocked
	}
	s.record(ctx, patientID, "voice", event, res.FailedFactor)

	out := &VoiceAuthResult{
		Authenticated: res.Level > 0,
		Level:         res.Level,
		FailedFactor:  res.FailedFactor,
		Blocked:       blocked,
	}
	// The caller keeps what the earlier tiers proved.
	if res.Level >= auth.LevelIdentity {
		jwt, _, err := s.issuer.Issue(patientID, res.Level, "voice")
		if err != nil {
			return nil, fmt.Errorf("issue session: %w", err)
		}
		out.JWT = jwt
	}
	return out, nil
}

// AuthorizeAction checks a session against the level an action
// requires. Actions below level 4 need no new credential. Level-4
// actions additionally require a fresh SMS code, redeemed here for a
// five-minute action-scoped token.
func (s *Service) AuthorizeAction(ctx context.Context, claims *auth.SessionClaims, action auth.Action, otp string) (*AuthorizeResult, error) {
	if !action.Valid() {
		return nil, validationFailed("unknown action")
	}
	required := action.RequiredLevel()

	if required <= auth.LevelStrong {
		if claims.Level >= required {
			s.record(ctx, claims.Subject, "voice", EventActionAuthorized, string(action))
			return &AuthorizeResult{Authorized: true, RequiredLevel: required}, nil
		}
		hint := auth.HintForLevel(claims.Level + 1)
		return &AuthorizeResult{Authorized: false, RequiredLevel: required, Elevation: &hint}, nil
	}

	// Level-4 action.
	if claims.Level < auth.LevelStrong {
		hint := auth.HintForLevel(claims.Level + 1)
		return &AuthorizeResult{Authorized: false, RequiredLevel: required, Elevation: &hint}, nil
	}
	if otp == "" {
		hint := auth.HintForLevel(auth.LevelAction)
		return &AuthorizeResult{Authorized: false, RequiredLevel: required, Elevation: &hint}, nil
	}

	if err := s.redeemOTP(ctx, claims.Subject, otp); err != nil {
		return nil, err
	}

	actionToken, tokenClaims, err := s.issuer.IssueActionToken(claims, action)
	if err != nil {
		return nil, fmt.Errorf("issue action token: %w", err)
	}
	s.record(ctx, claims.Subject, "voice", EventActionAuthorized, string(action))

	return &AuthorizeResult{
		Authorized:    true,
		RequiredLevel: required,
		ActionToken:   actionToken,
		ExpiresAt:     tokenClaims.ExpiresAt.Unix(),
	}, nil
}

// redeemOTP consumes a single-use SMS code belonging to the session's
// patient.
func (s *Service) redeemOTP(ctx context.Context, patientID, otp string) error {
	token, err := s.tokens.Get(ctx, hashToken(otp))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return &AuthError{Code: CodeInvalidToken, Message: "invalid code"}
		}
		return fmt.Errorf("load token: %w", err)
	}
	if !matchesHash(otp, token.Hash) ||
		token.Method != MethodSMSOTP ||
		token.Used ||
		token.Expired(s.now()) ||
		token.PatientID != patientID {
		return &AuthError{Code: CodeInvalidToken, Message: "invalid code"}
	}
	if err := s.tokens.Consume(ctx, token.Hash); err != nil {
		if errors.Is(err, ErrTokenUsed) || errors.Is(err, ErrTokenNotFound) {
			return &AuthError{Code: CodeInvalidToken, Message: "invalid code"}
		}
		return fmt.Errorf("consume token: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------

// RunTokenGC purges expired tokens at the given interval until the
// context is canceled. Redis-backed stores expire keys on their own and
// make this a no-op.
func (s *Service) RunTokenGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.tokens.PurgeExpired(ctx, s.now())
			if err != nil {
				s.logger.Error().Err(err).Msg("token gc failed")
			} else if n > 0 {
				s.logger.Debug().Int("purged", n).Msg("token gc")
			}
		}
	}
}

func (s *Service) record(ctx context.Context, patientID, channel, event, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, newAuditEvent(patientID, channel, event, detail, s.now())); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("audit write failed")
	}
}

func firstSupplied(f FactorSet) string {
	switch {
	case f.BirthDate != "":
		return "birthDate"
	case f.PostalCode != "":
		return "postalCode"
	case f.City != "":
		return "city"
	default:
		return "streetName"
	}
}

func voiceSubject(patientID string) string {
	return "voice:" + patientID
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
