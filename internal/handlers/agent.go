// Package handlers exposes the agent core over HTTP for the chat
// transport layer.
package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/coderelay/coderelay/internal/models"
	"github.com/coderelay/coderelay/internal/services"
)

// AgentHandler handles agent invocation endpoints.
type AgentHandler struct {
	integration *services.Integration
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(integration *services.Integration) *AgentHandler {
	return &AgentHandler{integration: integration}
}

// RunCommand executes one prompt for a user.
// POST /v1/agent/run
func (h *AgentHandler) RunCommand(c *fiber.Ctx) error {
	var req models.RunCommandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.Prompt == "" || req.WorkingDirectory == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "prompt and working_directory are required",
		})
	}

	resp, err := h.integration.RunCommand(c.Context(), req.Prompt, req.WorkingDirectory, req.UserID, &services.RunOptions{
		SessionID: req.SessionID,
		Username:  req.Username,
	})
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
	return c.JSON(resp)
}

// ContinueSession resumes the user's most recent session for a directory.
// Responds 404 when there is nothing to continue.
// POST /v1/agent/continue
func (h *AgentHandler) ContinueSession(c *fiber.Ctx) error {
	var req models.ContinueSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.WorkingDirectory == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "working_directory is required",
		})
	}

	resp, err := h.integration.ContinueSession(c.Context(), req.UserID, req.WorkingDirectory, req.Prompt, &services.RunOptions{
		Username: req.Username,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if resp == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no continuable session for this directory",
		})
	}
	return c.JSON(resp)
}

func parseUserID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}
