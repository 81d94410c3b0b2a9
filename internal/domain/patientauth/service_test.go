package patientauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/fhir"
)

type captureNotifier struct {
	secrets []string
}

func (n *captureNotifier) Deliver(_ context.Context, _ TokenMethod, _, secret string) error {
	n.secrets = append(n.secrets, secret)
	return nil
}

func (n *captureNotifier) last(t *testing.T) string {
	t.Helper()
	if len(n.secrets) == 0 {
		t.Fatal("no secret was delivered")
	}
	return n.secrets[len(n.secrets)-1]
}

type testEnv struct {
	service  *Service
	issuer   *auth.SessionIssuer
	notifier *captureNotifier
	attempts *MemoryAttemptStore
	audit    *MemoryAuditRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := fhir.NewMemoryDirectory()
	dir.Add(&fhir.Patient{
		ID:        "pat-1",
		Family:    "Muster",
		Given:     []string{"Anna"},
		BirthDate: time.Date(1985, 3, 12, 0, 0, 0, 0, time.UTC),
		Addresses: []fhir.Address{{
			Lines:      []string{"Hauptstrasse 12"},
			City:       "Berlin",
			PostalCode: "10115",
		}},
		Telecoms: []fhir.Telecom{
			{System: "email", Value: "anna@example.com"},
			{System: "phone", Value: "+49301234567"},
		},
	})

	issuer := auth.NewSessionIssuer([]byte("0123456789abcdef0123456789abcdef"))
	notifier := &captureNotifier{}
	attempts := NewMemoryAttemptStore()
	audit := NewMemoryAuditRepository()

	service := NewService(
		dir,
		issuer,
		NewMemoryTokenStore(),
		NewMemoryRateLimitStore(),
		attempts,
		audit,
		notifier,
		zerolog.Nop(),
	)
	return &testEnv{service: service, issuer: issuer, notifier: notifier, attempts: attempts, audit: audit}
}

func authErrCode(t *testing.T, err error) *AuthError {
	t.Helper()
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	return authErr
}

// ---------------------------------------------------------------------------
// Web: initiate
// ---------------------------------------------------------------------------

func TestInitiateToken_KnownAndUnknownLookIdentical(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	known, err := env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com")
	if err != nil {
		t.Fatalf("known identifier: %v", err)
	}
	unknown, err := env.service.InitiateToken(ctx, MethodMagicLink, "nobody@example.com")
	if err != nil {
		t.Fatalf("unknown identifier: %v", err)
	}

	if known.ExpiresIn != unknown.ExpiresIn || known.Method != unknown.Method {
		t.Error("responses must not differ between known and unknown identifiers")
	}
	if known.MaskedIdentifier != "a***@example.com" {
		t.Errorf("mask = %q", known.MaskedIdentifier)
	}
	if known.ExpiresIn != 15*60 {
		t.Errorf("magic link expiresIn = %d, want 900", known.ExpiresIn)
	}
}

func TestInitiateToken_RejectsBadIdentifier(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.InitiateToken(context.Background(), MethodMagicLink, "not-an-email")
	if got := authErrCode(t, err); got.Code != CodeValidationFailed {
		t.Errorf("code = %q, want validation_failed", got.Code)
	}
	_, err = env.service.InitiateToken(context.Background(), MethodSMSOTP, "not-a-phone")
	if got := authErrCode(t, err); got.Code != CodeValidationFailed {
		t.Errorf("code = %q, want validation_failed", got.Code)
	}
}

func TestInitiateToken_IssuanceWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < IssueLimit; i++ {
		if _, err := env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com"); err != nil {
			t.Fatalf("initiate %d: %v", i, err)
		}
	}

	_, err := env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com")
	got := authErrCode(t, err)
	if got.Code != CodeRateLimited {
		t.Fatalf("code = %q, want rate_limited", got.Code)
	}
	if got.RetryAfterSeconds <= 0 || got.RetryAfterSeconds > 3600 {
		t.Errorf("retryAfterSeconds = %d, want within (0, 3600]", got.RetryAfterSeconds)
	}

	// The window is per identifier, not global.
	if _, err := env.service.InitiateToken(ctx, MethodMagicLink, "other@example.com"); err != nil {
		t.Errorf("other identifier should not be limited: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Web: verify
// ---------------------------------------------------------------------------

func TestVerifyToken_MintsLevelTwoSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	secret := env.notifier.last(t)

	res, err := env.service.VerifyToken(ctx, secret, "1985-03-12")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Level != 2 {
		t.Errorf("level = %d, want 2", res.Level)
	}
	if res.Patient.ID != "pat-1" {
		t.Errorf("patient id = %q", res.Patient.ID)
	}
	if res.Patient.Name != "Anna Muster" {
		t.Errorf("patient name = %q", res.Patient.Name)
	}

	claims, err := env.issuer.Verify(res.JWT)
	if err != nil {
		t.Fatalf("issued jwt must verify: %v", err)
	}
	if claims.Subject != "pat-1" || claims.Level != 2 || claims.Method != string(MethodMagicLink) {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyToken_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com")
	secret := env.notifier.last(t)

	if _, err := env.service.VerifyToken(ctx, secret, "1985-03-12"); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err := env.service.VerifyToken(ctx, secret, "1985-03-12")
	if got := authErrCode(t, err); got.Code != CodeInvalidToken {
		t.Errorf("code = %q, want invalid_token", got.Code)
	}
}

func TestVerifyToken_WrongBirthDateBurnsAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com")
	secret := env.notifier.last(t)

	for want := MaxVerifyFailures - 1; want >= 0; want-- {
		_, err := env.service.VerifyToken(ctx, secret, "1990-01-01")
		got := authErrCode(t, err)
		if got.Code != CodeInvalidBirthdate {
			t.Fatalf("code = %q, want invalid_birthdate", got.Code)
		}
		if got.AttemptsRemaining != want {
			t.Errorf("attemptsRemaining = %d, want %d", got.AttemptsRemaining, want)
		}
	}

	// Sixth attempt, even with the right birth date, is refused.
	_, err := env.service.VerifyToken(ctx, secret, "1985-03-12")
	if got := authErrCode(t, err); got.Code != CodeMaxAttempts {
		t.Errorf("code = %q, want max_attempts", got.Code)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com")
	secret := env.notifier.last(t)

	env.service.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err := env.service.VerifyToken(ctx, secret, "1985-03-12")
	if got := authErrCode(t, err); got.Code != CodeInvalidToken {
		t.Errorf("code = %q, want invalid_token", got.Code)
	}
}

func TestVerifyToken_UnknownIdentifierFailsLikeWrongBirthDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.InitiateToken(ctx, MethodMagicLink, "nobody@example.com")
	secret := env.notifier.last(t)

	_, err := env.service.VerifyToken(ctx, secret, "1985-03-12")
	got := authErrCode(t, err)
	if got.Code != CodeInvalidBirthdate {
		t.Errorf("code = %q, want invalid_birthdate (never not_found)", got.Code)
	}
}

func TestVerifyToken_GarbageToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.VerifyToken(context.Background(), "no-such-token", "1985-03-12")
	if got := authErrCode(t, err); got.Code != CodeInvalidToken {
		t.Errorf("code = %q, want invalid_token", got.Code)
	}
}

// ---------------------------------------------------------------------------
// Web: elevate
// ---------------------------------------------------------------------------

func TestElevate_PreservesSessionExpiry(t *testing.T) {
	env := newTestEnv(t)

	_, claims, err := env.issuer.IssueLevel2("pat-1", string(MethodMagicLink))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res, err := env.service.Elevate(context.Background(), claims, FactorSet{StreetName: "Hauptstrasse"})
	if err != nil {
		t.Fatalf("elevate: %v", err)
	}
	if res.Level != 3 {
		t.Errorf("level = %d, want 3", res.Level)
	}
	if res.ExpiresAt != claims.ExpiresAt.Unix() {
		t.Errorf("expiry changed on elevation: %d != %d", res.ExpiresAt, claims.ExpiresAt.Unix())
	}

	elevated, err := env.issuer.Verify(res.JWT)
	if err != nil {
		t.Fatalf("elevated jwt must verify: %v", err)
	}
	if elevated.Level != 3 || elevated.Subject != "pat-1" {
		t.Errorf("claims = %+v", elevated)
	}
}

func TestElevate_WrongFactor(t *testing.T) {
	env := newTestEnv(t)
	_, claims, _ := env.issuer.IssueLevel2("pat-1", string(MethodMagicLink))

	_, err := env.service.Elevate(context.Background(), claims, FactorSet{StreetName: "Nebenstrasse"})
	got := authErrCode(t, err)
	if got.Code != CodeInvalidFactor {
		t.Errorf("code = %q, want invalid_factor", got.Code)
	}
	if got.FailedFactor != "streetName" {
		t.Errorf("failedFactor = %q, want streetName", got.FailedFactor)
	}
}

func TestElevate_NoUsableFactor(t *testing.T) {
	env := newTestEnv(t)
	_, claims, _ := env.issuer.IssueLevel2("pat-1", string(MethodMagicLink))

	_, err := env.service.Elevate(context.Background(), claims, FactorSet{})
	if got := authErrCode(t, err); got.Code != CodeValidationFailed {
		t.Errorf("empty bag: code = %q, want validation_failed", got.Code)
	}

	// A birth date alone cannot raise a level-2 session.
	_, err = env.service.Elevate(context.Background(), claims, FactorSet{BirthDate: "1985-03-12"})
	if got := authErrCode(t, err); got.Code != CodeValidationFailed {
		t.Errorf("lower-tier factor: code = %q, want validation_failed", got.Code)
	}
}

// ---------------------------------------------------------------------------
// Voice
// ---------------------------------------------------------------------------

func TestVoiceIdentify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.service.VoiceIdentify(ctx, "+49 30 123 4567")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !res.Found || res.PatientID != "pat-1" || res.Name != "Anna Muster" {
		t.Errorf("result = %+v", res)
	}

	res, err = env.service.VoiceIdentify(ctx, "+49309999999")
	if err != nil {
		t.Fatalf("identify unknown: %v", err)
	}
	if res.Found || res.PatientID != "" {
		t.Errorf("unknown caller should yield found=false, got %+v", res)
	}
}

func TestVoiceAuthenticate_FullLadder(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.service.VoiceAuthenticate(context.Background(), "pat-1", FactorSet{
		BirthDate:  "1985-03-12",
		PostalCode: "10115",
		StreetName: "Hauptstrasse",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !res.Authenticated || res.Level != 3 || res.FailedFactor != "" {
		t.Errorf("result = %+v", res)
	}

	claims, err := env.issuer.Verify(res.JWT)
	if err != nil {
		t.Fatalf("voice jwt must verify: %v", err)
	}
	if claims.Level != 3 || claims.Method != "voice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVoiceAuthenticate_PartialSuccessKeepsEarnedLevel(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.service.VoiceAuthenticate(context.Background(), "pat-1", FactorSet{
		BirthDate:  "1985-03-12",
		PostalCode: "99999",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Level != 1 || res.FailedFactor != "postalCode" {
		t.Errorf("result = %+v", res)
	}
	if res.JWT == "" {
		t.Error("the level earned before the failure should still be credentialed")
	}
}

func TestVoiceAuthenticate_EmptyBagIsLevelZero(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.service.VoiceAuthenticate(context.Background(), "pat-1", FactorSet{})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Authenticated || res.Level != 0 || res.FailedFactor != "" || res.JWT != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestVoiceAuthenticate_UnknownPatient(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.service.VoiceAuthenticate(context.Background(), "no-such-id", FactorSet{BirthDate: "1985-03-12"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Authenticated || res.Level != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.FailedFactor != "patientId" {
		t.Errorf("failedFactor = %q, want patientId", res.FailedFactor)
	}
}

func TestVoiceAuthenticate_ThreeStrikesBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wrong := FactorSet{BirthDate: "1990-01-01"}

	for i := 0; i < 2; i++ {
		res, err := env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if res.Blocked {
			t.Fatalf("blocked after %d failures", i+1)
		}
	}

	res, err := env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if !res.Blocked {
		t.Fatal("third failure should block")
	}

	// While blocked, even correct factors are refused.
	_, err = env.service.VoiceAuthenticate(ctx, "pat-1", FactorSet{BirthDate: "1985-03-12"})
	if got := authErrCode(t, err); got.Code != CodeBlocked {
		t.Errorf("code = %q, want blocked", got.Code)
	}
}

func TestVoiceAuthenticate_UnblocksAfterLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	current := time.Now()
	env.attempts.now = func() time.Time { return current }

	wrong := FactorSet{BirthDate: "1990-01-01"}
	for i := 0; i < 3; i++ {
		env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
	}
	if _, err := env.service.VoiceAuthenticate(ctx, "pat-1", wrong); err == nil {
		t.Fatal("expected blocked")
	}

	current = current.Add(VoiceLockout)
	res, err := env.service.VoiceAuthenticate(ctx, "pat-1", FactorSet{BirthDate: "1985-03-12"})
	if err != nil {
		t.Fatalf("after lockout: %v", err)
	}
	if !res.Authenticated || res.Level != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestVoiceAuthenticate_SuccessClearsFailureCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wrong := FactorSet{BirthDate: "1990-01-01"}
	right := FactorSet{BirthDate: "1985-03-12"}

	env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
	env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
	if res, err := env.service.VoiceAuthenticate(ctx, "pat-1", right); err != nil || !res.Authenticated {
		t.Fatalf("clean run: %+v %v", res, err)
	}

	// The counter restarted: two more failures must not block.
	env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
	res, err := env.service.VoiceAuthenticate(ctx, "pat-1", wrong)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Blocked {
		t.Error("success should have reset the failure count")
	}
}

// ---------------------------------------------------------------------------
// Action authorization
// ---------------------------------------------------------------------------

func TestAuthorizeAction_LevelSufficient(t *testing.T) {
	env := newTestEnv(t)
	_, claims, _ := env.issuer.IssueLevel2("pat-1", string(MethodMagicLink))

	res, err := env.service.AuthorizeAction(context.Background(), claims, auth.ActionViewAppointments, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.Authorized || res.ActionToken != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestAuthorizeAction_LevelInsufficientReturnsHint(t *testing.T) {
	env := newTestEnv(t)
	_, claims, _ := env.issuer.IssueLevel2("pat-1", string(MethodMagicLink))

	res, err := env.service.AuthorizeAction(context.Background(), claims, auth.ActionViewMedicalRecord, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized {
		t.Fatal("level 2 must not authorize a level-3 action")
	}
	if res.RequiredLevel != auth.LevelStrong {
		t.Errorf("requiredLevel = %d, want 3", res.RequiredLevel)
	}
	if res.Elevation == nil || len(res.Elevation.Factors) == 0 {
		t.Fatal("expected an elevation hint")
	}
	if res.Elevation.Factors[0] != "streetName" {
		t.Errorf("hint factors = %v", res.Elevation.Factors)
	}
}

func TestAuthorizeAction_LevelFourNeedsOtp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, claims, _ := env.issuer.Issue("pat-1", auth.LevelStrong, "voice")

	res, err := env.service.AuthorizeAction(ctx, claims, auth.ActionCancelAppointment, "")
	if err != nil {
		t.Fatalf("authorize without otp: %v", err)
	}
	if res.Authorized {
		t.Fatal("level-4 action must not authorize without an otp")
	}
	if res.Elevation == nil || !res.Elevation.RequiresOtp {
		t.Errorf("hint = %+v, want requiresOtp", res.Elevation)
	}

	env.service.InitiateToken(ctx, MethodSMSOTP, "+49301234567")
	otp := env.notifier.last(t)

	res, err = env.service.AuthorizeAction(ctx, claims, auth.ActionCancelAppointment, otp)
	if err != nil {
		t.Fatalf("authorize with otp: %v", err)
	}
	if !res.Authorized || res.ActionToken == "" {
		t.Fatalf("result = %+v", res)
	}

	tokenClaims, err := env.issuer.Verify(res.ActionToken)
	if err != nil {
		t.Fatalf("action token must verify: %v", err)
	}
	if tokenClaims.Level != auth.LevelAction || tokenClaims.ActionScope != string(auth.ActionCancelAppointment) {
		t.Errorf("claims = %+v", tokenClaims)
	}

	// The otp is single use.
	_, err = env.service.AuthorizeAction(ctx, claims, auth.ActionCancelAppointment, otp)
	if got := authErrCode(t, err); got.Code != CodeInvalidToken {
		t.Errorf("reused otp: code = %q, want invalid_token", got.Code)
	}
}

func TestAuthorizeAction_OtpBoundToPatient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.InitiateToken(ctx, MethodSMSOTP, "+49301234567")
	otp := env.notifier.last(t)

	_, other, _ := env.issuer.Issue("pat-2", auth.LevelStrong, "voice")
	_, err := env.service.AuthorizeAction(ctx, other, auth.ActionCancelAppointment, otp)
	if got := authErrCode(t, err); got.Code != CodeInvalidToken {
		t.Errorf("code = %q, want invalid_token", got.Code)
	}
}

func TestAuthorizeAction_UnknownAction(t *testing.T) {
	env := newTestEnv(t)
	_, claims, _ := env.issuer.IssueLevel2("pat-1", string(MethodMagicLink))

	_, err := env.service.AuthorizeAction(context.Background(), claims, auth.Action("delete_everything"), "")
	if got := authErrCode(t, err); got.Code != CodeValidationFailed {
		t.Errorf("code = %q, want validation_failed", got.Code)
	}
}

// ---------------------------------------------------------------------------

func TestAuditTrailRecordsFlows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.InitiateToken(ctx, MethodMagicLink, "anna@example.com")
	env.service.VerifyToken(ctx, env.notifier.last(t), "1985-03-12")

	events := env.audit.Events()
	if len(events) < 2 {
		t.Fatalf("expected at least 2 audit events, got %d", len(events))
	}
	if events[0].Event != EventTokenIssued || events[1].Event != EventTokenVerified {
		t.Errorf("events = %s, %s", events[0].Event, events[1].Event)
	}
	for _, e := range events {
		if e.Detail == "1985-03-12" {
			t.Error("audit detail must never contain factor values")
		}
	}
}
