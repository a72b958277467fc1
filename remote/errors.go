package remote

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrExchangeRejected marks a token exchange the API refused, as opposed to
// a transport failure. The retry policy treats the two differently.
var ErrExchangeRejected = errors.New("remote: token exchange rejected")

// StatusError is a non-2xx response from the API. Its message carries the
// HTTP status text so the failure classifier can match rate-limit
// signatures such as 429.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote api: %s", e.Status)
	}
	return fmt.Sprintf("remote api: %s: %s", e.Status, e.Body)
}
