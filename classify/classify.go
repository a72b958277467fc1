// Package classify maps collaborator failures to a handling policy. Keeping
// the signature matching here, rather than inline in the pipeline and the
// login loop, is what makes the policy testable.
package classify

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind is the handling policy for a failure.
type Kind int

const (
	// KindRetry marks a failure the caller may retry, such as an exchange
	// rejection after the cached broker token has been invalidated.
	KindRetry Kind = iota

	// KindRateLimited marks throttling by the remote collaborator. A rate
	// limit applies to the whole credential, not one item, so the pipeline
	// aborts the remainder of the pass instead of retrying.
	KindRateLimited

	// KindFatal marks a failure retrying cannot help, such as a
	// network-layer error.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "retry"
	}
}

// Known rate-limit signatures, matched case-insensitively as substrings.
var rateLimitSignatures = []string{
	"429",
	"rate limit",
	"quota exceeded",
	"resource exhausted",
	"resource_exhausted",
}

// Classify maps an error to its handling policy.
func Classify(err error) Kind {
	if err == nil {
		return KindRetry
	}
	if IsRateLimited(err) {
		return KindRateLimited
	}
	if IsNetwork(err) {
		return KindFatal
	}
	return KindRetry
}

// IsRateLimited reports whether the error message matches a known
// rate-limit signature.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsNetwork reports whether the error originates in the network layer
// rather than from a remote rejection.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
