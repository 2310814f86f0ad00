package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/models"
)

// CredentialKey is the gin context key holding the authenticated API key.
const CredentialKey = "api_key"

// Scope is the route group a credential is presented to.
type Scope int

const (
	// ScopeControl is the full control surface. Only operator keys pass.
	ScopeControl Scope = iota
	// ScopeExternal is the allowlisted second-party surface. Operator and
	// external keys pass.
	ScopeExternal
)

// Auth returns API-key authentication middleware for one scope.
//
// Supports two header styles:
//
//	X-API-Key: <key>
//	Authorization: Bearer <key>
//
// Operator keys (cfg.APIKeys) reach every scope; external keys only reach
// ScopeExternal. If no keys are configured at all the middleware is a no-op.
func Auth(cfg config.AuthConfig, scope Scope) gin.HandlerFunc {
	grants := make(map[string]Scope, len(cfg.APIKeys)+len(cfg.ExternalKeys))
	for _, k := range cfg.ExternalKeys {
		if k != "" {
			grants[k] = ScopeExternal
		}
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			grants[k] = ScopeControl
		}
	}
	if len(grants) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := ExtractAPIKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.Fail(models.ErrCodeUnauthorized,
				"missing API key: provide X-API-Key header or Authorization: Bearer <key>"))
			return
		}

		granted, valid := grants[key]
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.Fail(models.ErrCodeUnauthorized, "invalid API key"))
			return
		}
		if granted > scope {
			c.AbortWithStatusJSON(http.StatusForbidden, models.Fail(models.ErrCodeForbidden,
				"API key is limited to the external API"))
			return
		}

		c.Set(CredentialKey, key)
		c.Next()
	}
}

// ExtractAPIKey reads X-API-Key, falling back to Authorization: Bearer.
func ExtractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// identity is the authenticated credential, or the client IP when auth is off.
func identity(c *gin.Context) string {
	if v, ok := c.Get(CredentialKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.ClientIP()
}
