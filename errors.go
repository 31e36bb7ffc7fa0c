package relay

import (
	"errors"
	"fmt"
)

// Failure classes for resolution and forwarding. Errors produced by this
// package wrap one of these and can be classified with errors.Is.
var (
	// ErrLookupFailed - the DNS query could not be completed or was answered
	// with a non-success response code.
	ErrLookupFailed = errors.New("DNS lookup failed")

	// ErrNoRecords - the DNS query succeeded but returned no usable records.
	ErrNoRecords = errors.New("no DNS records found")

	// ErrMalformedRecord - a record was found but does not follow the
	// "app-id:port" contract.
	ErrMalformedRecord = errors.New("failed to parse DNS record")

	// ErrPolicyViolation - the CNAME value does not match the allowed domain
	// pattern and no fallback routing domain is configured.
	ErrPolicyViolation = errors.New("CNAME not allowed by domain policy")

	// ErrProxyTransport - the outbound request to the target failed.
	ErrProxyTransport = errors.New("proxy request failed")

	// ErrUnsupportedUpgrade - a protocol upgrade was requested in proxy mode.
	ErrUnsupportedUpgrade = errors.New("protocol upgrades not supported in proxy mode")
)

// relayError attaches request detail to one of the class errors above.
type relayError struct {
	class  error
	detail string
}

func errf(class error, format string, args ...interface{}) error {
	return &relayError{class: class, detail: fmt.Sprintf(format, args...)}
}

func (e *relayError) Error() string {
	return e.class.Error() + ": " + e.detail
}

func (e *relayError) Unwrap() error {
	return e.class
}
