package handlers

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const adminRole = "admin"

// GenerateAdminToken signs an HS256 token that AdminMiddleware accepts.
func GenerateAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("admin secret is not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": adminRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateAdminToken validates the token and returns its subject.
func ValidateAdminToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if role, _ := claims["role"].(string); role != adminRole {
		return "", errors.New("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// AdminMiddleware guards operator routes with a bearer token. An empty
// secret leaves the routes open.
func AdminMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			fail(c, 401, "unauthorized")
			c.Abort()
			return
		}

		sub, err := ValidateAdminToken(secret, strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			fail(c, 401, "invalid token")
			c.Abort()
			return
		}

		c.Set("admin", sub)
		c.Next()
	}
}
