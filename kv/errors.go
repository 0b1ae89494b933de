package kv

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation on a key did not produce a record.
type Kind int

const (
	KindNone Kind = iota
	// KindNotFound: the key never existed on the side that was asked.
	KindNotFound
	// KindVersionConflict: the key changed concurrently. The competing
	// record travels with the error.
	KindVersionConflict
	// KindTombstoned: the key exists but is deleted.
	KindTombstoned
	// KindTransport: network failure, timeout or unexpected remote reply.
	KindTransport
	// KindTooLarge: the value exceeds MaxValueSize once stored remotely.
	KindTooLarge
)

// MaxValueSize bounds a value as the remote stores it, after sealing.
const MaxValueSize = 8 << 20

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindVersionConflict:
		return "version_conflict"
	case KindTombstoned:
		return "tombstoned"
	case KindTransport:
		return "transport"
	case KindTooLarge:
		return "too_large"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrNotFound        = errors.New("key not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrTombstoned      = errors.New("key is deleted")
	ErrTransport       = errors.New("transport failure")
	ErrTooLarge        = errors.New("value too large")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindVersionConflict:
		return ErrVersionConflict
	case KindTombstoned:
		return ErrTombstoned
	case KindTransport:
		return ErrTransport
	case KindTooLarge:
		return ErrTooLarge
	}
	return nil
}

// Error is the error type returned by remote adaptors and the coordinator.
type Error struct {
	Kind Kind
	Key  string
	// Remote is the competing remote record for conflicts and tombstones.
	Remote *RemoteRecord
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %v", e.Key, e.Kind.sentinel())
	if e.Remote != nil && e.Kind == KindVersionConflict {
		msg += fmt.Sprintf(" (remote version %v)", e.Remote.Version)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so callers can write
// errors.Is(err, kv.ErrTombstoned).
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func NotFound(key string) *Error {
	return &Error{Kind: KindNotFound, Key: key}
}

func Tombstoned(key string, remote *RemoteRecord) *Error {
	return &Error{Kind: KindTombstoned, Key: key, Remote: remote}
}

func Conflict(key string, remote *RemoteRecord) *Error {
	return &Error{Kind: KindVersionConflict, Key: key, Remote: remote}
}

func Transport(key string, err error) *Error {
	return &Error{Kind: KindTransport, Key: key, Err: err}
}

func TooLarge(key string, size int) *Error {
	return &Error{Kind: KindTooLarge, Key: key, Err: fmt.Errorf("%v bytes exceed the %v byte limit", size, MaxValueSize)}
}

// KindOf returns the kind carried by err, KindTransport for foreign errors
// and KindNone for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Kind
	}
	return KindTransport
}

// RemoteOf returns the remote record attached to err, if any.
func RemoteOf(err error) *RemoteRecord {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Remote
	}
	return nil
}
