package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigMissing means no active broker config exists for the requested kind
	ErrConfigMissing = errors.New("no active broker config")

	// ErrUnsupportedBroker means the requested kind is unknown
	ErrUnsupportedBroker = errors.New("unsupported broker kind")

	// ErrAuthentication means credentials were rejected, or a token stayed
	// invalid after the one-shot re-auth retry
	ErrAuthentication = errors.New("authentication failed")

	// ErrNetwork wraps transport-level failures and timeouts
	ErrNetwork = errors.New("network error")

	// ErrInvalidArgument is returned for malformed caller input (empty symbol etc.)
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConnected is returned when a call requires a connected session
	ErrNotConnected = errors.New("broker not connected")
)

// VenueError is a non-auth failure reported by the venue itself
// (rate limit, market closed, invalid symbol).
type VenueError struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s broker error %s: %s", e.Kind, e.Code, e.Message)
}

// NewVenueError builds a VenueError
func NewVenueError(kind Kind, code, message string) *VenueError {
	return &VenueError{Kind: kind, Code: code, Message: message}
}

// IsBrokerError reports whether err is any broker-surfaced failure that
// should trigger the worker loop's reconnect policy.
func IsBrokerError(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrNotConnected)
}
