// Package syncerr defines the error taxonomy shared by the synchronizers,
// the REST client and the remote channel.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how it should be recovered.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth is a 401 or expired session. Recovered by one refresh-and-retry.
	KindAuth
	// KindValidation is never retried.
	KindValidation
	// KindNetwork means no response. Reads retry on the next poll tick.
	KindNetwork
	// KindServer is a 5xx.
	KindServer
	// KindNotFound is a 404.
	KindNotFound
	// KindChannel is a socket failure on the duplex channel.
	KindChannel
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindNotFound:
		return "not_found"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of the same kind and message, so
// errors.Is(err, ErrEmptyMessage) works on wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message) && t.Op == ""
}

var (
	ErrNoSession        = &Error{Kind: KindAuth, Message: "no active session"}
	ErrSessionExpired   = &Error{Kind: KindAuth, Message: "session expired"}
	ErrEmptyMessage     = &Error{Kind: KindValidation, Message: "message content cannot be empty"}
	ErrSelfConversation = &Error{Kind: KindValidation, Message: "cannot start a conversation with yourself"}
	ErrMissingField     = &Error{Kind: KindValidation, Message: "missing required field"}
	ErrChannelExhausted = &Error{Kind: KindChannel, Message: "reconnect attempts exhausted"}
)

// New creates a classified error for op.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under op. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithOp copies a sentinel and attaches the operation name.
func WithOp(sentinel *Error, op string) *Error {
	e := *sentinel
	e.Op = op
	return &e
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsRetriable reports whether the user may retry the operation.
// Validation failures are final; everything transient is retriable.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer, KindChannel:
		return true
	default:
		return false
	}
}
