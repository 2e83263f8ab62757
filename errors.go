package twom

import "errors"

// Status is the closed result kind every twom operation resolves to.
type Status int

const (
	// StatusOk means the operation succeeded.
	StatusOk Status = iota
	// StatusDone means iteration is exhausted. Not an error.
	StatusDone
	// StatusExists means a conditional store found the key already present.
	StatusExists
	// StatusNotFound means the key, or the file, was absent.
	StatusNotFound
	// StatusLocked means a non-blocking lock acquisition failed, or a
	// reader-only operation (Yield) was issued against a write transaction.
	StatusLocked
	// StatusReadOnly means a write was attempted on a handle opened shared.
	StatusReadOnly
	// StatusBadFormat means magic, version, checksum engine, comparator,
	// or a structural invariant check failed.
	StatusBadFormat
	// StatusBadChecksum means a record checksum mismatched.
	StatusBadChecksum
	// StatusBadUsage means a null required argument, missing callback, or
	// invalid flag combination.
	StatusBadUsage
	// StatusIoError means an underlying filesystem call failed.
	StatusIoError
	// StatusInternal means a consistency assertion was violated.
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusDone:
		return "done"
	case StatusExists:
		return "exists"
	case StatusNotFound:
		return "not found"
	case StatusLocked:
		return "locked"
	case StatusReadOnly:
		return "read only"
	case StatusBadFormat:
		return "bad format"
	case StatusBadChecksum:
		return "bad checksum"
	case StatusBadUsage:
		return "bad usage"
	case StatusIoError:
		return "io error"
	case StatusInternal:
		return "internal error"
	}
	return "unknown status"
}

// Sentinel errors returned by twom operations. Wrap with fmt.Errorf's
// %w verb to add context without losing errors.Is/Status matchability.
var (
	ErrDone        = errors.New("twom: iteration done")
	ErrExists      = errors.New("twom: key already exists")
	ErrNotFound    = errors.New("twom: key not found")
	ErrLocked      = errors.New("twom: locked")
	ErrReadOnly    = errors.New("twom: database is read-only")
	ErrBadFormat   = errors.New("twom: bad format")
	ErrBadChecksum = errors.New("twom: bad checksum")
	ErrBadUsage    = errors.New("twom: bad usage")
	ErrIO          = errors.New("twom: io error")
	ErrInternal    = errors.New("twom: internal error")
)

// StatusOf classifies err into the closed result kind. A nil error
// classifies as StatusOk.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case errors.Is(err, ErrDone):
		return StatusDone
	case errors.Is(err, ErrExists):
		return StatusExists
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrLocked):
		return StatusLocked
	case errors.Is(err, ErrReadOnly):
		return StatusReadOnly
	case errors.Is(err, ErrBadFormat):
		return StatusBadFormat
	case errors.Is(err, ErrBadChecksum):
		return StatusBadChecksum
	case errors.Is(err, ErrBadUsage):
		return StatusBadUsage
	case errors.Is(err, ErrIO):
		return StatusIoError
	default:
		return StatusInternal
	}
}
