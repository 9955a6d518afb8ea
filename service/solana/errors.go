package solana

import (
	"fmt"
	"strings"
)

// Category classifies an upstream RPC failure. Categorization is textual
// because the upstream surfaces everything as opaque error strings; the
// checks run in priority order, most specific first.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryTimeout         Category = "timeout"
	CategoryRateLimit       Category = "rate_limit"
	CategoryServerError     Category = "server_error"
	CategoryInvalidResponse Category = "invalid_response"
	CategoryGeneral         Category = "general"
)

// Categorize maps an RPC error to its Category.
func Categorize(err error) Category {
	if err == nil {
		return CategoryGeneral
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "connection") ||
		strings.Contains(msg, "offline") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "no such host"):
		return CategoryNetwork
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "408"):
		return CategoryTimeout
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "503"):
		return CategoryServerError
	case strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "unexpected") ||
		strings.Contains(msg, "invalid character") ||
		strings.Contains(msg, "cannot unmarshal"):
		return CategoryInvalidResponse
	default:
		return CategoryGeneral
	}
}

// Error is the categorized failure the gateway raises after exhausting its
// retry budget (and failover, when configured).
type Error struct {
	Method   string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s failed (%s): %v", e.Method, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
