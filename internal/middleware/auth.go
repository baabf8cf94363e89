package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jengzang/geofence-backend-go/pkg/response"
)

// SubjectKey is the gin context key holding the authenticated token subject.
const SubjectKey = "auth.subject"

// JWTValidator validates HS256 bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns nil when secret is empty; Auth then rejects every
// request.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses a token and returns its registered claims.
func (v *JWTValidator) Validate(tokenStr string) (*jwt.RegisteredClaims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues an HS256 token for the given claims.
func (v *JWTValidator) Sign(claims jwt.RegisteredClaims) (string, error) {
	if v == nil {
		return "", errors.New("validator uninitialized")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Auth requires a valid bearer token. A nil validator fails closed.
func Auth(validator *JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, http.StatusUnauthorized, "Missing Authorization header", nil)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			response.Error(c, http.StatusUnauthorized, "Invalid Authorization header format (expected 'Bearer <token>')", nil)
			return
		}

		if validator == nil {
			response.Error(c, http.StatusUnauthorized, "Authentication not configured", nil)
			return
		}

		claims, err := validator.Validate(parts[1])
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "Invalid or expired token", nil)
			return
		}
		if claims.Subject == "" {
			response.Error(c, http.StatusUnauthorized, "Token subject is required", nil)
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}
