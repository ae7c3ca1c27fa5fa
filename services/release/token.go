package release

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeployAudience is the audience of tokens accepted by the deployments endpoint.
const DeployAudience = "deployments"

// DeployClaims identify the tool reporting a deployment.
type DeployClaims struct {
	jwt.RegisteredClaims
	Version string `json:"version"`
}

// SignDeployToken issues a short-lived HS256 token for reporting version.
func SignDeployToken(secret, subject, version string, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("deploy token secret is not configured")
	}
	claims := DeployClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{DeployAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Version: version,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseDeployToken validates signature, expiry and audience.
func ParseDeployToken(secret, token string) (*DeployClaims, error) {
	if secret == "" {
		return nil, errors.New("deploy token secret is not configured")
	}
	claims := &DeployClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithAudience(DeployAudience), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}
