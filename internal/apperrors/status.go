package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned by remote clients when a service answers with a
// non-2xx status.
type StatusError struct {
	Service    string
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Service, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Service, e.Op, e.StatusCode, e.Body)
}

// Is maps well-known status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusPreconditionFailed:
		return target == ErrPreconditionFailed
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusConflict:
		return target == ErrConflict
	case http.StatusBadRequest:
		return target == ErrValidation
	case http.StatusServiceUnavailable:
		return target == ErrUnavailable
	}
	return false
}

// StatusCode extracts the remote status code carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Retryable reports whether err is a transient store or service failure
// for which repeating the same request is expected to eventually succeed.
func Retryable(err error, codes []int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return true
	}
	code := StatusCode(err)
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
