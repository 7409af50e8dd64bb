// Package validation provides input validation for the transfer API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 500

var (
	// accountNumberRegex validates bank account numbers (8-20 digits).
	accountNumberRegex = regexp.MustCompile(`^[0-9]{8,20}$`)
	// stripeAccountRegex validates Stripe connected-account IDs.
	stripeAccountRegex = regexp.MustCompile(`^acct_[A-Za-z0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccountNumber checks if a string is a well-formed account number.
func IsValidAccountNumber(s string) bool {
	return accountNumberRegex.MatchString(s)
}

// IsValidExternalAccount checks if a string is a well-formed external
// (Stripe connected) account reference.
func IsValidExternalAccount(s string) bool {
	return stripeAccountRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes, and bounds length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAccountNumber checks if a field is a well-formed account number.
// Empty values pass; combine with Required for mandatory fields.
func ValidAccountNumber(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAccountNumber(value) {
			return &ValidationError{Field: field, Message: "must be an 8-20 digit account number"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that a value parses as a positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// AccountParamMiddleware validates the :account URL parameter on routes that
// use it. Rejects malformed account numbers before any handler runs.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct := c.Param("account")
		if acct != "" && !IsValidAccountNumber(acct) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account must be an 8-20 digit account number",
			})
			return
		}
		c.Next()
	}
}
