// Package validation provides request field validators and body-size
// middleware for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid EVM address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeString trims, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Fields flattens the errors into field → message, first message wins.
func (e Errors) Fields() map[string]string {
	if len(e) == 0 {
		return nil
	}
	out := make(map[string]string, len(e))
	for _, fe := range e {
		if _, ok := out[fe.Field]; !ok {
			out[fe.Field] = fe.Message
		}
	}
	return out
}

// Rule is a single deferred check.
type Rule func() *FieldError

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required checks that a field is non-blank
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Distinct checks that two identities differ (payer vs payee).
func Distinct(field, a, b string) Rule {
	return func() *FieldError {
		if a != "" && a == b {
			return &FieldError{Field: field, Message: "must differ from the counterparty"}
		}
		return nil
	}
}

// Currency checks that the currency is supported.
func Currency(field, value string) Rule {
	return func() *FieldError {
		if !money.Supported(value) {
			return &FieldError{Field: field, Message: "unsupported currency"}
		}
		return nil
	}
}

// PositiveAmount checks that amount > 0 and fits the currency's minor unit.
func PositiveAmount(field string, amount decimal.Decimal, currency string) Rule {
	return func() *FieldError {
		if !amount.IsPositive() {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		if money.Supported(currency) && !money.ValidPrecision(amount, currency) {
			return &FieldError{Field: field, Message: "amount has too many decimal places for " + strings.ToUpper(currency)}
		}
		return nil
	}
}

// EthAddress checks that a non-empty value is an EVM address.
func EthAddress(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid EVM address (0x...)"}
		}
		return nil
	}
}
