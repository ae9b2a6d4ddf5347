// Package fault is the error taxonomy shared by the cache, download and
// content packages. Every error the engine records or returns can be matched
// against one of the sentinel kinds with errors.Is.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"syscall"
)

// Kind is a coarse error category surfaced to the UI.
type Kind string

const (
	KindNone               Kind = ""
	KindNetwork            Kind = "network"             // transient; caller may retry
	KindStorageFull        Kind = "storage_full"        // device out of space or quota
	KindIO                 Kind = "io"                  // other local filesystem failure
	KindIntegrity          Kind = "integrity"           // artifact failed validation
	KindContentUnavailable Kind = "content_unavailable" // no network and no snapshot
)

var (
	ErrNetwork            = errors.New("network error")
	ErrStorageFull        = errors.New("storage full")
	ErrIO                 = errors.New("io error")
	ErrIntegrity          = errors.New("integrity error")
	ErrContentUnavailable = errors.New("content unavailable")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindStorageFull:
		return ErrStorageFull
	case KindIO:
		return ErrIO
	case KindIntegrity:
		return ErrIntegrity
	case KindContentUnavailable:
		return ErrContentUnavailable
	}
	return nil
}

// Error is a categorized failure of operation Op on ID (lesson or course).
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += " (" + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNetwork) and friends work on *Error values.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// New wraps err as a categorized error. A nil err still produces an error.
func New(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Network, IO, Integrity etc. are shorthands for New with a fixed kind.
func Network(op, id string, err error) *Error   { return New(KindNetwork, op, id, err) }
func IO(op, id string, err error) *Error        { return New(KindIO, op, id, err) }
func Integrity(op, id string, err error) *Error { return New(KindIntegrity, op, id, err) }
func Unavailable(op, id string, err error) *Error {
	return New(KindContentUnavailable, op, id, err)
}

// Integrityf builds an integrity error from a format string.
func Integrityf(op, id, format string, args ...any) *Error {
	return Integrity(op, id, fmt.Errorf(format, args...))
}

// KindOf reports the kind carried by err, or KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for _, k := range []Kind{KindNetwork, KindStorageFull, KindIO, KindIntegrity, KindContentUnavailable} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindNone
}

// IsStorageFull reports whether err is an out-of-space condition from the OS.
func IsStorageFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

// Classify wraps an uncategorized error with the best-fitting kind.
// Already categorized errors and context cancellation pass through unchanged.
func Classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindNone {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsStorageFull(err) {
		return New(KindStorageFull, op, id, err)
	}
	// Socket errors wrap the same errno values as file errors, so they are
	// matched before the filesystem checks.
	var opErr *net.OpError
	var urlErr *url.Error
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) || errors.As(err, &dnsErr) {
		return Network(op, id, err)
	}
	if isFileError(err) {
		return IO(op, id, err)
	}
	return Network(op, id, err)
}

func isFileError(err error) bool {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &sysErr) ||
		errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist)
}
