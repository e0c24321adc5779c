package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/coderelay/coderelay/internal/models"
	"github.com/coderelay/coderelay/internal/services"
)

// SessionHandler handles session and reporting endpoints.
type SessionHandler struct {
	integration *services.Integration
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(integration *services.Integration) *SessionHandler {
	return &SessionHandler{integration: integration}
}

// GetSession returns details for one session.
// GET /v1/sessions/:id
func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	info, err := h.integration.GetSessionInfo(c.Params("id"))
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(info)
}

// GetUserSessions lists a user's active sessions.
// GET /v1/users/:id/sessions
func (h *SessionHandler) GetUserSessions(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
		})
	}
	sessions, err := h.integration.GetUserSessions(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(sessions)
}

// CleanupSessions runs one expiry sweep.
// POST /v1/sessions/cleanup
func (h *SessionHandler) CleanupSessions(c *fiber.Ctx) error {
	count, err := h.integration.CleanupExpiredSessions()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(models.CleanupResponse{SessionsExpired: count})
}

// GetToolStats returns aggregated tool usage counters.
// GET /v1/tools/stats
func (h *SessionHandler) GetToolStats(c *fiber.Ctx) error {
	return c.JSON(h.integration.GetToolStats())
}

// GetUserSummary merges session and security aggregates for a user.
// GET /v1/users/:id/summary
func (h *SessionHandler) GetUserSummary(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
		})
	}
	summary, err := h.integration.GetUserSummary(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(summary)
}
