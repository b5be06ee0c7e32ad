package pitwall

import (
	"errors"
	"fmt"
)

// UpstreamError is returned when the upstream request failed and no
// cached copy exists to fall back on. StatusCode holds the upstream
// HTTP status when one was received, zero otherwise.
type UpstreamError struct {
	Message    string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return "upstream error: " + e.Message
}

// asUpstreamError ensures fetch failures surface as an UpstreamError
// even when the underlying cause is a decode or storage problem.
func asUpstreamError(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{Message: err.Error()}
}
