package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dvrpc/regional-transit-screening-platform/pkg/response"
)

// SubjectKey is the gin context key holding the token subject
const SubjectKey = "subject"

// ErrNoSecret is returned when a token is requested without a configured secret
var ErrNoSecret = errors.New("jwt secret is not configured")

// Auth requires an HS256 bearer token signed with secret.
// An empty secret rejects every request.
func Auth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		if len(key) == 0 {
			response.Unauthorized(c, "Authentication is not configured")
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			response.Unauthorized(c, "Missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			_ = c.Error(err)
			response.Unauthorized(c, "Invalid token")
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}

// IssueToken signs claims with HS256
func IssueToken(secret string, claims jwt.RegisteredClaims) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
