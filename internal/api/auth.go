package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string // "none", "api-key", "jwt"
	APIKey    string // from env API_KEY
	JWTSecret string // from env WEBHOOK_JWT_SECRET, HS256 only
}

// Validate reports a mode whose credential is missing.
func (a AuthConfig) Validate() error {
	switch a.Mode {
	case "", AuthNone:
		return nil
	case AuthAPIKey:
		if a.APIKey == "" {
			return errors.New("API_KEY is required when API_AUTH_MODE=api-key")
		}
	case AuthJWT:
		if a.JWTSecret == "" {
			return errors.New("WEBHOOK_JWT_SECRET is required when API_AUTH_MODE=jwt")
		}
	default:
		return errors.New("API_AUTH_MODE must be one of none, api-key, jwt")
	}
	return nil
}

// NewAuthMiddleware returns a Fiber middleware that validates the Authorization header.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	return func(c *fiber.Ctx) error {
		if cfg.Mode == "" || cfg.Mode == AuthNone {
			return c.Next()
		}
		if isProbe(c.Path()) {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return errorResponse(c, fiber.StatusUnauthorized, "Authorization header is required")
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			return errorResponse(c, fiber.StatusUnauthorized, "Authorization header must use Bearer scheme")
		}

		switch cfg.Mode {
		case AuthAPIKey:
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
				return c.Next()
			}
		case AuthJWT:
			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
				return []byte(cfg.JWTSecret), nil
			})
			if err == nil {
				if sub, _ := claims.GetSubject(); sub != "" {
					c.Locals("subject", sub)
				}
				return c.Next()
			}
			logger.Debug().Err(err).Str("path", c.Path()).Msg("jwt rejected")
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("mode", cfg.Mode).
			Msg("unauthorized request")
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid credentials")
	}
}
