// Package fserr defines the backend-agnostic error taxonomy shared by drivers,
// the connection pool, the session manager and the command dispatcher.
//
// Drivers wrap their native failures with New or Wrap so that callers can use
// errors.Is against the sentinels below. The wrapped cause is kept for logs;
// Public returns the only text that may reach a caller.
package fserr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Kind classifies an error.
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindNotAuthenticated Kind = "not_authenticated"
	KindConnection       Kind = "connection"
	KindTransport        Kind = "transport"
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindPermission       Kind = "permission"
	KindQuota            Kind = "quota"
	KindUnsupported      Kind = "unsupported"
	KindSessionBusy      Kind = "session_busy"
	KindInvalidArgument  Kind = "invalid_argument"
	KindInternal         Kind = "internal"
)

// Sentinel errors, one per kind. Use errors.Is(err, fserr.ErrNotFound).
var (
	ErrAuthentication   = &sentinel{KindAuthentication, "invalid credentials"}
	ErrNotAuthenticated = &sentinel{KindNotAuthenticated, "not authenticated"}
	ErrConnection       = &sentinel{KindConnection, "backend connection unavailable"}
	ErrTransport        = &sentinel{KindTransport, "backend transport failure"}
	ErrNotFound         = &sentinel{KindNotFound, "no such file or directory"}
	ErrAlreadyExists    = &sentinel{KindAlreadyExists, "already exists"}
	ErrPermission       = &sentinel{KindPermission, "permission denied"}
	ErrQuota            = &sentinel{KindQuota, "quota exceeded"}
	ErrUnsupported      = &sentinel{KindUnsupported, "unsupported operation"}
	ErrSessionBusy      = &sentinel{KindSessionBusy, "session busy"}
	ErrInvalidArgument  = &sentinel{KindInvalidArgument, "invalid argument"}
	ErrInternal         = &sentinel{KindInternal, "internal error"}
)

var sentinels = map[Kind]*sentinel{
	KindAuthentication:   ErrAuthentication,
	KindNotAuthenticated: ErrNotAuthenticated,
	KindConnection:       ErrConnection,
	KindTransport:        ErrTransport,
	KindNotFound:         ErrNotFound,
	KindAlreadyExists:    ErrAlreadyExists,
	KindPermission:       ErrPermission,
	KindQuota:            ErrQuota,
	KindUnsupported:      ErrUnsupported,
	KindSessionBusy:      ErrSessionBusy,
	KindInvalidArgument:  ErrInvalidArgument,
	KindInternal:         ErrInternal,
}

type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

// Error carries a kind, the failed operation and path, and the native cause.
type Error struct {
	Kind Kind
	Op   string // "list", "mkdir", "connect", ...
	Path string
	Err  error // native cause, never shown to callers
}

// New creates an Error without a native cause.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap attaches a kind to a native error. A nil err yields nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	s := e.Op
	if e.Path != "" {
		s += " " + e.Path
	}
	if s != "" {
		s += ": "
	}
	s += sentinels[e.Kind].Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// Public returns the caller-safe message: operation, path and the generic kind text.
func (e *Error) Public() string {
	msg := sentinels[e.Kind].Error()
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// KindOf classifies any error. Errors that carry a Kind keep it; network and
// I/O breakage is reported as transport; everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	if IsTransport(err) {
		return KindTransport
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, os.ErrPermission):
		return KindPermission
	}
	return KindInternal
}

// IsTransport reports whether err looks like a broken or interrupted link.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindTransport || fe.Kind == KindConnection
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	// syscall.Errno satisfies net.Error, so only timeouts count here
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Classify wraps err with its inferred kind unless it already carries one.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
}

// Public returns the caller-safe message for any error.
func Public(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Public()
	}
	return sentinels[KindOf(err)].Error()
}

// HTTPStatus maps a kind to the HTTP status used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication, KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindPermission:
		return http.StatusForbidden
	case KindQuota:
		return http.StatusInsufficientStorage
	case KindUnsupported:
		return http.StatusNotImplemented
	case KindSessionBusy:
		return http.StatusLocked
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
