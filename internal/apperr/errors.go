// Package apperr holds the error taxonomy shared by the sync engine.
package apperr

import "errors"

var (
	// ErrTransport covers refused, timed-out and dropped connections.
	ErrTransport = errors.New("transport error")
	// ErrUnauthorized is returned when the backend rejects the credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAction marks a user action (send, mark-read, flag) the backend refused.
	ErrAction = errors.New("action failed")
	// ErrMalformed marks inbound data missing required fields.
	ErrMalformed = errors.New("malformed data")
	ErrNotFound  = errors.New("not found")
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindAuth      ErrorKind = "auth"
	KindAction    ErrorKind = "action"
	KindMalformed ErrorKind = "malformed"
	KindUnknown   ErrorKind = "unknown"
)

// Kind classifies err into the taxonomy. Auth wins over transport when both apply.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrAction), errors.Is(err, ErrNotFound):
		return KindAction
	case errors.Is(err, ErrTransport):
		return KindTransport
	}
	return KindUnknown
}
