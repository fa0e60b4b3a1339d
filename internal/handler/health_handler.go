package handler

import (
	"errors"
	"os"

	"github.com/attachlink/attachlink/internal/repository"
	"github.com/gofiber/fiber/v2"
)

// ErrTenantsPathNotAccessible is returned when the tenant base directory is missing
var ErrTenantsPathNotAccessible = errors.New("tenants path not accessible")

// HealthHandler handles health check endpoints
type HealthHandler struct {
	registry    *repository.TenantRegistry
	tenantsPath string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *repository.TenantRegistry, tenantsPath string) *HealthHandler {
	return &HealthHandler{registry: registry, tenantsPath: tenantsPath}
}

// Liveness returns basic liveness status (is the server running?)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
	})
}

// Readiness returns readiness status (can the server handle requests?)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	checks := make(map[string]interface{})
	allHealthy := true

	if err := h.checkTenantsPath(); err != nil {
		checks["tenants_path"] = fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		allHealthy = false
	} else {
		checks["tenants_path"] = fiber.Map{
			"status": "healthy",
		}
	}

	if err := h.checkTenantDatabases(); err != nil {
		checks["tenant_databases"] = fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		allHealthy = false
	} else {
		checks["tenant_databases"] = fiber.Map{
			"status": "healthy",
		}
	}

	status := "ok"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}

// checkTenantsPath verifies the tenant base directory exists
func (h *HealthHandler) checkTenantsPath() error {
	info, err := os.Stat(h.tenantsPath)
	if err != nil || !info.IsDir() {
		return ErrTenantsPathNotAccessible
	}
	return nil
}

// checkTenantDatabases pings every tenant schema's databases
func (h *HealthHandler) checkTenantDatabases() error {
	schemas, err := h.registry.List()
	if err != nil {
		return err
	}
	for _, schema := range schemas {
		tenant, err := h.registry.Get(schema)
		if err != nil {
			return err
		}
		if err := tenant.Folders.Ping(); err != nil {
			return err
		}
		if err := tenant.Documents.Ping(); err != nil {
			return err
		}
	}
	return nil
}
