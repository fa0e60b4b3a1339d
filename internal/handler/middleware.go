package handler

import (
	"crypto/subtle"
	"strings"

	"github.com/attachlink/attachlink/pkg/response"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// SecurityHeadersMiddleware adds security-related headers to all responses
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Prevent MIME type sniffing
		c.Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Set("X-Frame-Options", "DENY")

		// Control referrer information
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Content Security Policy - restrictive for API
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Prevent caching of sensitive API responses
		c.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
		c.Set("Pragma", "no-cache")
		c.Set("Expires", "0")

		return c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Check if request ID already exists in headers
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Set request ID in response headers and locals
		c.Set("X-Request-ID", requestID)
		c.Locals("request_id", requestID)

		return c.Next()
	}
}

// BodyLimitMiddleware enforces a per-route body size limit.
func BodyLimitMiddleware(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > maxBytes {
			return response.Error(c, fiber.StatusRequestEntityTooLarge, "request body too large")
		}
		return c.Next()
	}
}

// BearerTokenMiddleware protects an endpoint with a static bearer token.
func BearerTokenMiddleware(expectedToken string) fiber.Handler {
	expected := strings.TrimSpace(expectedToken)

	return func(c *fiber.Ctx) error {
		if expected == "" {
			return response.Forbidden(c, "endpoint is disabled")
		}

		authHeader := strings.TrimSpace(c.Get("Authorization"))
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return response.Unauthorized(c, "missing or invalid authorization header")
		}

		provided := strings.TrimSpace(parts[1])
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			return response.Unauthorized(c, "invalid authorization token")
		}

		return c.Next()
	}
}
