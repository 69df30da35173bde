package drive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Kind distinguishes the failure classes the boundary layer maps to HTTP
// status codes. The core never collapses them into plain strings.
type Kind int

const (
	// KindAPIError is any non-2xx answer from Google that is not covered by a
	// more specific kind. Not retryable for mutations.
	KindAPIError Kind = iota
	// KindAuthExpired means the refresh token is invalid or revoked. The only
	// fix is reconnecting the account.
	KindAuthExpired
	// KindNotFound means the file, permission or connector no longer exists.
	KindNotFound
	// KindTransient covers timeouts, connection resets and rate limiting on
	// reads. Retryable with backoff.
	KindTransient
	// KindConfiguration means OAuth client credentials or other environment
	// are missing. Fatal at startup, never per-request recoverable.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	default:
		return "api_error"
	}
}

// Error carries the failure kind alongside the upstream HTTP status, if any.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("drive: %s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("drive: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// AuthExpiredError signals that reconnection is required.
func AuthExpiredError(err error) *Error {
	return &Error{Kind: KindAuthExpired, Message: "reauthorization required", Err: err}
}

// NotFoundError signals a missing resource.
func NotFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Status: 404, Message: what + " not found"}
}

// ConfigurationError signals missing credentials or environment.
func ConfigurationError(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// KindAPIError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindAPIError
}

// StatusOf extracts the upstream HTTP status, 0 when unknown.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

func IsAuthExpired(err error) bool { return kindIs(err, KindAuthExpired) }
func IsNotFound(err error) bool    { return kindIs(err, KindNotFound) }
func IsTransient(err error) bool   { return kindIs(err, KindTransient) }

func kindIs(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Classify maps raw transport and googleapi errors onto the taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == 404:
			return &Error{Kind: KindNotFound, Status: 404, Message: gErr.Message, Err: err}
		case gErr.Code == 401:
			return &Error{Kind: KindAuthExpired, Status: 401, Message: gErr.Message, Err: err}
		case gErr.Code == 429 || gErr.Code >= 500:
			return &Error{Kind: KindTransient, Status: gErr.Code, Message: gErr.Message, Err: err}
		default:
			return &Error{Kind: KindAPIError, Status: gErr.Code, Message: gErr.Message, Err: err}
		}
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		// invalid_grant means the refresh token was revoked or expired.
		if rErr.ErrorCode == "invalid_grant" {
			return &Error{Kind: KindAuthExpired, Status: statusCode(rErr), Message: "refresh token invalid or revoked", Err: err}
		}
		return &Error{Kind: KindAPIError, Status: statusCode(rErr), Message: rErr.ErrorCode, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTransient, Message: "network timeout", Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindTransient, Message: "network error", Err: err}
	}

	return &Error{Kind: KindAPIError, Message: err.Error(), Err: err}
}

func statusCode(err *oauth2.RetrieveError) int {
	if err.Response != nil {
		return err.Response.StatusCode
	}
	return 0
}

// retryable reports whether a read-only call should be retried. 403 is
// included because Drive uses it for rate limiting; mutations must never be
// routed through here.
func retryable(err error) bool {
	if IsTransient(err) {
		return true
	}
	return StatusOf(err) == 403
}
