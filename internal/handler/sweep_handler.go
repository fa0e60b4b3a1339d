package handler

import (
	"github.com/attachlink/attachlink/internal/service"
	"github.com/attachlink/attachlink/pkg/logger"
	"github.com/attachlink/attachlink/pkg/response"
	"github.com/gofiber/fiber/v2"
)

// SweepHandler exposes an operator trigger for an immediate sweep cycle,
// serialized against the scheduled runs.
type SweepHandler struct {
	sweeper *service.Sweeper
}

func NewSweepHandler(sweeper *service.Sweeper) *SweepHandler {
	return &SweepHandler{sweeper: sweeper}
}

// Trigger runs one sweep cycle synchronously.
func (h *SweepHandler) Trigger(c *fiber.Ctx) error {
	if err := h.sweeper.RunOnce(c.Context()); err != nil {
		logger.Error().Err(err).Msg("Manual sweep failed")
		return response.InternalError(c, "sweep failed")
	}
	return response.Success(c, fiber.Map{"swept": true})
}
