package mw

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"camwatch-backend/internal/identity"
)

// Roles carried in bearer tokens.
const (
	RoleEmployee   = "employee"
	RoleSupervisor = "supervisor"
)

const principalKey = "camwatch.principal"

// Claims are the bearer token claims issued by the identity provider.
type Claims struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	DirectoryID string `json:"oid"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Email       string
	Name        string
	Role        string
	DirectoryID string
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(tokenString string, secret []byte, issuer string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := &Claims{}
	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}

	claims.Email = identity.NormalizeEmail(claims.Email)
	if !identity.ValidEmail(claims.Email) {
		return nil, errors.New("auth: missing email")
	}
	switch claims.Role {
	case RoleEmployee, RoleSupervisor:
	default:
		return nil, errors.New("auth: invalid role")
	}
	return claims, nil
}

// Auth authenticates the bearer token and stores the Principal on the context.
// Browsers cannot set headers on an EventSource, so the token may also arrive as the
// access_token query parameter.
func Auth(secret []byte, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			raw = c.Query("access_token")
		}

		claims, err := ParseToken(raw, secret, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(principalKey, &Principal{
			Email:       claims.Email,
			Name:        claims.Name,
			Role:        claims.Role,
			DirectoryID: claims.DirectoryID,
		})
		c.Next()
	}
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, role := range roles {
			if p.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
