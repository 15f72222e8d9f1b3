// Package errors defines the failure taxonomy shared by the profile store,
// the live state accessor and the snapshot codec.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the category of a store failure.
type Kind string

const (
	KindInvalidName          Kind = "invalid_name"
	KindNotFound             Kind = "not_found"
	KindAlreadyExists        Kind = "already_exists"
	KindLiveStateBusy        Kind = "live_state_busy"
	KindLiveStatePathMissing Kind = "live_state_path_missing"
	KindCorruptSnapshot      Kind = "corrupt_snapshot"
	KindCorruptArchive       Kind = "corrupt_archive"
	KindStoreBusy            Kind = "store_busy"
	KindIO                   Kind = "io_error"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrInvalidName          = errors.New("invalid profile name")
	ErrNotFound             = errors.New("profile not found")
	ErrAlreadyExists        = errors.New("profile already exists")
	ErrLiveStateBusy        = errors.New("live state is busy")
	ErrLiveStatePathMissing = errors.New("live state path missing")
	ErrCorruptSnapshot      = errors.New("corrupt snapshot")
	ErrCorruptArchive       = errors.New("corrupt archive")
	ErrStoreBusy            = errors.New("store is busy")
	ErrIO                   = errors.New("i/o error")
)

var sentinels = map[Kind]error{
	KindInvalidName:          ErrInvalidName,
	KindNotFound:             ErrNotFound,
	KindAlreadyExists:        ErrAlreadyExists,
	KindLiveStateBusy:        ErrLiveStateBusy,
	KindLiveStatePathMissing: ErrLiveStatePathMissing,
	KindCorruptSnapshot:      ErrCorruptSnapshot,
	KindCorruptArchive:       ErrCorruptArchive,
	KindStoreBusy:            ErrStoreBusy,
	KindIO:                   ErrIO,
}

// Error is a categorized failure of a store operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "save", "switch"
	Name string // profile name, if any
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg = fmt.Sprintf("%s %q", e.Op, e.Name)
	}
	if e.Err == nil {
		if s, ok := sentinels[e.Kind]; ok {
			return fmt.Sprintf("%s: %v", msg, s)
		}
		return msg + " failed"
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the Kind sentinels.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// New creates an *Error of the given kind.
func New(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// Newf creates an *Error with a formatted cause.
func Newf(kind Kind, op, name, format string, args ...any) *Error {
	return New(kind, op, name, fmt.Errorf(format, args...))
}

// IO wraps err as an IOError unless it already carries a kind.
func IO(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(KindIO, op, name, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode maps an error to the CLI exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindInvalidName:
		return 2
	case KindNotFound:
		return 3
	case KindAlreadyExists:
		return 4
	case KindLiveStateBusy, KindStoreBusy:
		return 5
	case KindLiveStatePathMissing:
		return 6
	case KindCorruptSnapshot, KindCorruptArchive:
		return 7
	case KindIO:
		return 8
	default:
		return 1
	}
}
