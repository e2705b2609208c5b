// Package validation checks request fields for the portfolio API.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/loanmanager/internal/accrual"
	"github.com/mbd888/loanmanager/internal/usdc"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress reports whether s is 0x followed by 40 hex chars.
func IsValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidUnits checks an optional base-unit amount ("1500000").
func ValidUnits(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := usdc.ParseUnits(value); !ok {
			return &ValidationError{Field: field, Message: "must be a non-negative integer amount in base units"}
		}
		return nil
	}
}

// PositiveUnits checks a required, non-zero base-unit amount.
func PositiveUnits(field, value string) func() *ValidationError {
	return func() *ValidationError {
		v, ok := usdc.ParseUnits(value)
		if !ok {
			return &ValidationError{Field: field, Message: "must be a non-negative integer amount in base units"}
		}
		if v.IsZero() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidFeeRate checks a parts-per-million rate.
func ValidFeeRate(field string, value uint64) func() *ValidationError {
	return func() *ValidationError {
		if value > accrual.HundredPercent {
			return &ValidationError{Field: field, Message: "must not exceed 1000000 (100%)"}
		}
		return nil
	}
}

// VehicleParamMiddleware rejects a malformed :vehicle path parameter.
func VehicleParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param("vehicle")
		if v != "" && !IsValidAddress(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "vehicle must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
