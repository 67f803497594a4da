package ddi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTransport marks failures to reach the server at all
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks responses the agent cannot make sense of
	ErrProtocol = errors.New("protocol error")
)

// APIError is a non-2xx answer from the server
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Is lets client errors match ErrProtocol
func (e *APIError) Is(target error) bool {
	return target == ErrProtocol && e.StatusCode < http.StatusInternalServerError
}

// IsTransient reports whether err is one of the failures the poller expects
// to go away on its own: timeouts, transport failures and protocol errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransport) || errors.Is(err, ErrProtocol) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
