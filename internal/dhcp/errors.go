package dhcp

import "errors"

// Message handling failures. All of them are recovered at the per-message
// boundary; none terminates the connection.
var (
	// ErrMalformedMessage: parse failure, field-set mismatch or wrong msg_type. No reply.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrNoApplicableSubnet: relay address matches no configured subnet. No reply.
	ErrNoApplicableSubnet = errors.New("no applicable subnet")
	// ErrPoolExhausted: DISCOVER found no free address in the matched subnet. No reply.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrLeaseNotFound: REQUEST for an address holding no lease. Answered with a Nack.
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrLeaseOwnerMismatch: REQUEST for an address leased to another client. Answered with a Nack.
	ErrLeaseOwnerMismatch = errors.New("lease owned by another client")
	// ErrStoreUnavailable: the lease store failed. The request fails; other flows continue.
	ErrStoreUnavailable = errors.New("lease store unavailable")
	// ErrRateLimited: DISCOVER dropped by the rate limiter. No reply.
	ErrRateLimited = errors.New("rate limited")
)

// errorKind labels an error for the message_errors_total metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, ErrNoApplicableSubnet):
		return "no_subnet"
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, ErrStoreUnavailable):
		return "store"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "handler"
	}
}

// isSilentDrop reports whether err is answered by sending nothing.
func isSilentDrop(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrNoApplicableSubnet) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrRateLimited)
}
