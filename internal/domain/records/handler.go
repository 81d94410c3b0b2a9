package records

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/platform/auth"
)

// Handler exposes the protected patient record routes. Route access is
// tiered: the summary views need a verified session, the full record
// needs a strongly verified one, and cancelling an appointment needs a
// scoped action token.
type Handler struct {
	service *Service
	issuer  *auth.SessionIssuer
	logger  zerolog.Logger
}

func NewHandler(service *Service, issuer *auth.SessionIssuer, logger zerolog.Logger) *Handler {
	return &Handler{service: service, issuer: issuer, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/records/appointments", h.listAppointments, auth.RequireLevel(h.issuer, auth.LevelVerified))
	g.GET("/records/summary", h.summary, auth.RequireLevel(h.issuer, auth.LevelVerified))
	g.GET("/records/full", h.fullRecord, auth.RequireLevel(h.issuer, auth.LevelStrong))
	g.DELETE("/records/appointments/:id", h.cancelAppointment, auth.RequireAction(h.issuer, auth.ActionCancelAppointment))
}

func (h *Handler) listAppointments(c echo.Context) error {
	claims := auth.SessionFromContext(c.Request().Context())
	appts, err := h.service.Appointments(c.Request().Context(), claims.Subject)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"appointments": appts,
	})
}

func (h *Handler) summary(c echo.Context) error {
	claims := auth.SessionFromContext(c.Request().Context())
	summary, err := h.service.Summary(c.Request().Context(), claims.Subject)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) fullRecord(c echo.Context) error {
	claims := auth.SessionFromContext(c.Request().Context())
	record, err := h.service.FullRecord(c.Request().Context(), claims.Subject)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handler) cancelAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "validation_failed",
			"message": "invalid appointment id",
		})
	}
	claims := auth.SessionFromContext(c.Request().Context())
	if err := h.service.CancelAppointment(c.Request().Context(), id, claims.Subject); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": StatusCancelled,
	})
}

func (h *Handler) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrPatientNotFound):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "not_found",
		})
	case errors.Is(err, ErrAlreadyCancelled):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": "already_cancelled",
		})
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("records request failed")
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": "internal",
	})
}
