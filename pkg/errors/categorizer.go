package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Codes returned by Categorize.
const (
	ErrorCodeUnknown            = "UNKNOWN_ERROR"
	ErrorCodeItem               = "ITEM_ERROR"
	ErrorCodeStep               = "STEP_ERROR"
	ErrorCodeRouting            = "ROUTING_ERROR"
	ErrorCodeTimeout            = "TIMEOUT_ERROR"
	ErrorCodeAggregationTimeout = "AGGREGATION_TIMEOUT_ERROR"
	ErrorCodeCycleOrDeadlock    = "CYCLE_OR_DEADLOCK_ERROR"
	ErrorCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrorCodeCancelled          = "CANCELLED_ERROR"
	ErrorCodeNetwork            = "NETWORK_ERROR"
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeNotFound           = "NOT_FOUND_ERROR"
	ErrorCodeCircuitBreaker     = "CIRCUIT_BREAKER_ERROR"
	ErrorCodeRecursion          = "RECURSION_LIMIT_ERROR"
)

var kindCodes = map[Kind]string{
	KindItem:               ErrorCodeItem,
	KindStep:               ErrorCodeStep,
	KindRouting:            ErrorCodeRouting,
	KindTimeout:            ErrorCodeTimeout,
	KindAggregationTimeout: ErrorCodeAggregationTimeout,
	KindCycleOrDeadlock:    ErrorCodeCycleOrDeadlock,
	KindConfig:             ErrorCodeConfiguration,
}

// Categorize maps an error to a standardized error code. Timeouts and
// aggregation timeouts win over the enclosing item or step kind.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case IsKind(err, KindAggregationTimeout):
		return ErrorCodeAggregationTimeout
	case IsKind(err, KindTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorCodeCancelled
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCodeCircuitBreaker
	case errors.Is(err, ErrRecursionLimit):
		return ErrorCodeRecursion
	case errors.Is(err, ErrInvalidSettings), errors.Is(err, ErrNoStep):
		return ErrorCodeConfiguration
	case errors.Is(err, ErrValidation):
		return ErrorCodeValidation
	case errors.Is(err, ErrUnknownGraph), errors.Is(err, ErrRunNotFound):
		return ErrorCodeNotFound
	}

	if k := KindOf(err); k != "" {
		return kindCodes[k]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCodeTimeout
		}
		return ErrorCodeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.code
			}
		}
	}
	return ErrorCodeUnknown
}

// messagePatterns classify foreign errors by message, first match wins.
var messagePatterns = []struct {
	code    string
	needles []string
}{
	{ErrorCodeTimeout, []string{"timeout", "timed out"}},
	{ErrorCodeNetwork, []string{"network", "connection"}},
	{ErrorCodeValidation, []string{"validation", "invalid"}},
	{ErrorCodeNotFound, []string{"not found"}},
	{ErrorCodeCircuitBreaker, []string{"circuit breaker"}},
}

// IsRetryable determines if an error is transient and should be retried
func IsRetryable(err error) bool {
	if err == nil || IsPermanentError(err) {
		return false
	}

	switch Categorize(err) {
	case ErrorCodeTimeout, ErrorCodeNetwork, ErrorCodeCircuitBreaker:
		return true
	case ErrorCodeValidation, ErrorCodeNotFound, ErrorCodeConfiguration, ErrorCodeCancelled,
		ErrorCodeCycleOrDeadlock, ErrorCodeRecursion:
		return false
	default:
		// Step bodies decide; unknown failures get the configured attempts
		return true
	}
}
