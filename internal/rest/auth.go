package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"windowgate/internal/identity"
)

const identityKey = "windowgate.identity"

// credentialFrom reads X-API-Key, falling back to a bearer token.
func credentialFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Authenticate resolves the caller and stores the identity on the context.
func Authenticate(resolver identity.Resolver, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := credentialFrom(c.Request)
		if credential == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), credential)
		if errors.Is(err, identity.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid or revoked api key"})
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("resolve credential")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity backend unavailable"})
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) identity.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(identity.Identity)
	return id
}
