package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRequestTimeout         = errors.New("messaging: request timed out")
	ErrCircuitOpen            = errors.New("messaging: circuit breaker is open")
	ErrReplyChannelClosed     = errors.New("messaging: reply channel closed before the reply arrived")
	ErrDuplicateCorrelationID = errors.New("messaging: correlation id already pending")
)

// RequestError describes a request that did not get its reply
type RequestError struct {
	CorrelationID string
	RoutingKey    string
	Timeout       time.Duration
	Err           error
}

func (e *RequestError) Error() string {
	if errors.Is(e.Err, ErrRequestTimeout) {
		return fmt.Sprintf("request %s to %q timed out after %v", e.CorrelationID, e.RoutingKey, e.Timeout)
	}
	return fmt.Sprintf("request %s to %q failed: %v", e.CorrelationID, e.RoutingKey, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
