package twom

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Byte-range advisory locks over the shared database file, following
// the whole-file flock pattern in other_examples/aergoio-hashtabledb's
// db.go but narrowed to the two regions spec §4.3 actually needs
// independent: the 16-byte header region (bytes 0..15) and the data
// region, which this implementation pins to the full span of the
// DUMMY record (bytes 96..367) rather than a fixed literal range, so
// it stays correct if DummyRecordSize ever changes.
const (
	headerLockStart = 0
	headerLockLen   = 16
)

func dataLockStart() int64 { return DummyOffset }
func dataLockLen() int64   { return DummyRecordSize() }

type lockKind int

const (
	lockShared lockKind = iota
	lockExclusive
)

func flockType(kind lockKind) int16 {
	if kind == lockExclusive {
		return unix.F_WRLCK
	}
	return unix.F_RDLCK
}

// fileLock acquires and releases one byte range via fcntl(2) advisory
// locking (unix.FcntlFlock), matching POSIX semantics: locks are
// per-process and released on close. A fileLock keeps no record of
// whether it is currently held.
type fileLock struct {
	fd          int
	start, len  int64
	nonBlocking bool
}

func newFileLock(fd int, start, length int64, nonBlocking bool) *fileLock {
	return &fileLock{fd: fd, start: start, len: length, nonBlocking: nonBlocking}
}

func (l *fileLock) acquire(kind lockKind) error {
	flock := unix.Flock_t{
		Type:   flockType(kind),
		Whence: 0,
		Start:  l.start,
		Len:    l.len,
	}
	cmd := unix.F_SETLKW
	if l.nonBlocking {
		cmd = unix.F_SETLK
	}
	if err := unix.FcntlFlock(uintptr(l.fd), cmd, &flock); err != nil {
		if l.nonBlocking && isLockBusy(err) {
			return fmt.Errorf("twom: lock busy on [%d,%d): %w", l.start, l.start+l.len, ErrLocked)
		}
		return fmt.Errorf("twom: fcntl lock [%d,%d): %w", l.start, l.start+l.len, wrapIOErr(err))
	}
	return nil
}

func (l *fileLock) release() error {
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  l.start,
		Len:    l.len,
	}
	if err := unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &flock); err != nil {
		return fmt.Errorf("twom: fcntl unlock [%d,%d): %w", l.start, l.start+l.len, wrapIOErr(err))
	}
	return nil
}

func isLockBusy(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && (errno == unix.EACCES || errno == unix.EAGAIN)
}

// dbLocks bundles the two independent lock ranges a DB handle needs:
// the header lock, taken briefly by any header read or update, and the
// data lock, held for the duration of a transaction or a repack. Open
// takes the header lock and releases it before taking the data lock; a
// write transaction takes the header lock briefly while it holds the
// data lock, to publish the DIRTY bit and the commit.
type dbLocks struct {
	header *fileLock
	data   *fileLock
}

func newDBLocks(fd int, nonBlocking bool) *dbLocks {
	return &dbLocks{
		header: newFileLock(fd, headerLockStart, headerLockLen, nonBlocking),
		data:   newFileLock(fd, dataLockStart(), dataLockLen(), nonBlocking),
	}
}

// withHeaderLock runs fn while holding the header lock at kind.
func (l *dbLocks) withHeaderLock(kind lockKind, fn func() error) error {
	if err := l.header.acquire(kind); err != nil {
		return err
	}
	defer l.header.release()
	return fn()
}

// withDataLock runs fn while holding the data lock at kind. Callers
// that also need the header (e.g. Open's recovery check) must take the
// header lock first and release it before calling this, per the
// ordering Open uses above.
func (l *dbLocks) withDataLock(kind lockKind, fn func() error) error {
	if err := l.data.acquire(kind); err != nil {
		return err
	}
	defer l.data.release()
	return fn()
}
