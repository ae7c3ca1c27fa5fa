package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tw_autotrade/services/release"
)

// DeployClaimsKey is the context key holding *release.DeployClaims.
const DeployClaimsKey = "deploy_claims"

// DeployTokenAuth accepts requests carrying a valid deploy token signed with
// secret. Without a secret the endpoint is disabled.
func DeployTokenAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "unavailable",
				"message": "Deploy token secret is not configured",
			})
			return
		}

		tokenString, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		claims, err := release.ParseDeployToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid token: " + err.Error(),
			})
			return
		}

		c.Set(DeployClaimsKey, claims)
		c.Next()
	}
}

// GetDeployClaims returns the claims stored by DeployTokenAuth.
func GetDeployClaims(c *gin.Context) (*release.DeployClaims, bool) {
	v, ok := c.Get(DeployClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*release.DeployClaims)
	return claims, ok
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("Authorization header is required")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", errors.New("Invalid authorization header format. Use: Bearer <token>")
	}
	return token, nil
}
