package patientauth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

// Handler exposes the authentication flows over HTTP.
type Handler struct {
	service *Service
	issuer  *auth.SessionIssuer
	logger  zerolog.Logger
}

func NewHandler(service *Service, issuer *auth.SessionIssuer, logger zerolog.Logger) *Handler {
	return &Handler{service: service, issuer: issuer, logger: logger}
}

// RegisterRoutes mounts the auth endpoints on the given group. The
// elevate and authorize-action routes require an existing session; all
// others are reachable anonymously.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/auth/token/initiate", h.initiateToken)
	g.POST("/auth/token/verify", h.verifyToken)
	g.POST("/auth/elevate", h.elevate, auth.RequireLevel(h.issuer, auth.LevelIdentity))

	g.POST("/voice/identify", h.voiceIdentify)
	g.POST("/voice/authenticate", h.voiceAuthenticate)
	g.POST("/voice/authorize-action", h.authorizeAction, auth.RequireLevel(h.issuer, auth.LevelIdentity))
}

type initiateRequest struct {
	Method     string `json:"method"`
	Identifier string `json:"identifier"`
}

func (h *Handler) initiateToken(c echo.Context) error {
	var req initiateRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, validationFailed("malformed request body"))
	}
	res, err := h.service.InitiateToken(c.Request().Context(), TokenMethod(req.Method), req.Identifier)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type verifyRequest struct {
	Token     string `json:"token"`
	BirthDate string `json:"birthDate"`
}

func (h *Handler) verifyToken(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, validationFailed("malformed request body"))
	}
	res, err := h.service.VerifyToken(c.Request().Context(), req.Token, req.BirthDate)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) elevate(c echo.Context) error {
	var factors FactorSet
	if err := c.Bind(&factors); err != nil {
		return h.writeError(c, validationFailed("malformed request body"))
	}
	claims := auth.SessionFromContext(c.Request().Context())
	res, err := h.service.Elevate(c.Request().Context(), claims, factors)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type voiceIdentifyRequest struct {
	CallerPhoneNumber string `json:"callerPhoneNumber"`
}

func (h *Handler) voiceIdentify(c echo.Context) error {
	var req voiceIdentifyRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, validationFailed("malformed request body"))
	}
	res, err := h.service.VoiceIdentify(c.Request().Context(), req.CallerPhoneNumber)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type voiceAuthenticateRequest struct {
	PatientID string    `json:"patientId"`
	Factors   FactorSet `json:"factors"`
}

func (h *Handler) voiceAuthenticate(c echo.Context) error {
	var req voiceAuthenticateRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, validationFailed("malformed request body"))
	}
	res, err := h.service.VoiceAuthenticate(c.Request().Context(), req.PatientID, req.Factors)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type authorizeActionRequest struct {
	Action string `json:"action"`
	Otp    string `json:"otp,omitempty"`
}

func (h *Handler) authorizeAction(c echo.Context) error {
	var req authorizeActionRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, validationFailed("malformed request body"))
	}
	claims := auth.SessionFromContext(c.Request().Context())
	res, err := h.service.AuthorizeAction(c.Request().Context(), claims, auth.Action(req.Action), req.Otp)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// writeError maps domain failures onto the HTTP error taxonomy.
func (h *Handler) writeError(c echo.Context, err error) error {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("auth request failed")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "internal",
		})
	}

	body := map[string]interface{}{"error": authErr.Code}
	if authErr.Message != "" {
		body["message"] = authErr.Message
	}
	if authErr.FailedFactor != "" {
		body["failedFactor"] = authErr.FailedFactor
	}

	status := http.StatusBadRequest
	switch authErr.Code {
	case CodeRateLimited:
		status = http.StatusTooManyRequests
		body["retryAfterSeconds"] = authErr.RetryAfterSeconds
		c.Response().Header().Set("Retry-After", strconv.Itoa(authErr.RetryAfterSeconds))
	case CodeInvalidToken, CodeInvalidFactor:
		status = http.StatusUnauthorized
	case CodeInvalidBirthdate:
		status = http.StatusUnauthorized
		body["attemptsRemaining"] = authErr.AttemptsRemaining
	case CodeMaxAttempts:
		status = http.StatusForbidden
	case CodeBlocked:
		status = http.StatusForbidden
		body["blocked"] = true
	case CodeNotFound:
		status = http.StatusNotFound
	}
	return c.JSON(status, body)
}
