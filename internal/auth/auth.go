// Package auth resolves the operator role of a request.
//
// Authentication model:
// - Read endpoints: no auth required
// - Authority operations: X-Governor-Secret or X-Delegate-Secret header
// - Loan claims: an EIP-191 signature by the vehicle over the claim (see ClaimIntent)
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/loanmanager/internal/logging"
)

// Role is who a request acts as.
type Role string

const (
	RoleNone     Role = ""
	RoleGovernor Role = "governor"
	RoleDelegate Role = "delegate"
)

const (
	// GovernorHeader carries the governor secret.
	GovernorHeader = "X-Governor-Secret"
	// DelegateHeader carries the pool delegate secret.
	DelegateHeader = "X-Delegate-Secret"

	// ContextKeyRole is the gin context key holding the resolved Role.
	ContextKeyRole = "authRole"
)

// ErrNoRole is returned when a request carries no valid secret.
var ErrNoRole = errors.New("operator secret required")

// Secrets holds the SHA-256 digests of the operator secrets. A role with an
// empty secret cannot be assumed.
type Secrets struct {
	governor []byte
	delegate []byte
}

// NewSecrets hashes the configured secrets.
func NewSecrets(governor, delegate string) *Secrets {
	return &Secrets{governor: digest(governor), delegate: digest(delegate)}
}

func digest(secret string) []byte {
	if secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Resolve returns the role proven by the given header values. The governor
// secret wins when both are valid.
func (s *Secrets) Resolve(governorSecret, delegateSecret string) Role {
	if matches(s.governor, governorSecret) {
		return RoleGovernor
	}
	if matches(s.delegate, delegateSecret) {
		return RoleDelegate
	}
	return RoleNone
}

func matches(want []byte, got string) bool {
	if want == nil || got == "" {
		return false
	}
	sum := sha256.Sum256([]byte(got))
	return subtle.ConstantTimeCompare(want, sum[:]) == 1
}

// Middleware resolves the role from the request headers and stores it in
// the gin context and the request context.
func Middleware(s *Secrets) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := s.Resolve(c.GetHeader(GovernorHeader), c.GetHeader(DelegateHeader))
		if role != RoleNone {
			c.Set(ContextKeyRole, role)
			c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), string(role)))
		}
		c.Next()
	}
}

// RequireRole rejects requests that resolved no role.
func RequireRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		if RoleFrom(c) == RoleNone {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator secret required. Include the '" + GovernorHeader + "' or '" + DelegateHeader + "' header.",
			})
			return
		}
		c.Next()
	}
}

// RoleFrom returns the role Middleware resolved for c.
func RoleFrom(c *gin.Context) Role {
	if v, ok := c.Get(ContextKeyRole); ok {
		if r, ok := v.(Role); ok {
			return r
		}
	}
	return RoleNone
}
