package keystore

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned synchronously, without any request, when a
// call is made with no logged-in session.
var ErrNotAuthenticated = errors.New("not logged in")

// RemoteError means the store answered and refused the request.
type RemoteError struct {
	Op      string
	Message string
	Err     error // underlying cause when the store is in-process
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// TransportError means no well-formed reply was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Kind discriminates the failure classes a Client can report.
type Kind int

const (
	KindNone Kind = iota
	KindNotAuthenticated
	KindRemote
	KindTransport
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindRemote:
		return "remote"
	case KindTransport:
		return "transport"
	default:
		return "other"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return KindNotAuthenticated
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return KindRemote
	}
	var te *TransportError
	if errors.As(err, &te) {
		return KindTransport
	}
	return KindOther
}
