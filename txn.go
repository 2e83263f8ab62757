package twom

import (
	"bytes"
	"fmt"

	"golang.org/x/xerrors"
)

// TxnKind distinguishes the three transaction state machines of spec
// §4.4.
type TxnKind int

const (
	// TxnRead is shared, refresh-on-resume: end tracks committed_size
	// and is re-read on every yield/resume.
	TxnRead TxnKind = iota
	// TxnMVCCRead is shared, frozen at begin: end never moves again.
	TxnMVCCRead
	// TxnWrite is exclusive: end is written_size, advancing with every
	// append this transaction makes.
	TxnWrite
)

// Txn is a handle to one of the three transaction kinds. It is not
// safe for concurrent use by multiple goroutines (spec §5, "callers
// must not share a transaction... handle between threads without
// external serialisation").
type Txn struct {
	db   *DB
	kind TxnKind

	// mf, hash, and locks are captured at Begin and used for every read
	// and every lock operation this transaction makes, rather than
	// db.mf/db.hash/db.locks directly: a repack started after this
	// transaction began swaps all three to a freshly renamed-over file,
	// but spec §5 requires an MVCC reader's mapping and lock identity to
	// stay valid for the transaction's whole lifetime regardless.
	mf    *mmapFile
	hash  HashFunc
	locks *dbLocks

	writtenSize int64 // write txns only; grows with every append
	frozenEnd   int64 // MVCC txns only; end fixed at begin

	pos             position
	active          bool
	levels          *levelSource
	numRecordsDelta int64  // net live-record count change, applied to header at commit
	dirtySizeDelta  uint64 // dead bytes accrued this transaction, applied at commit
	maxLevelSeen    uint8  // highest record level this transaction appended

	// header mutations are staged here rather than applied to db.hdr
	// directly, so an Abort simply discards them instead of having to
	// undo in-memory state the disk never saw (spec §4.4 Abort: "the
	// file indistinguishable from its pre-transaction state").
}

func (t *Txn) end() int64 {
	switch t.kind {
	case TxnWrite:
		return t.writtenSize
	case TxnMVCCRead:
		return t.frozenEnd
	default:
		return t.db.committedSize()
	}
}

// readRecord, end, and compare satisfy recordReader, letting *Txn be
// passed directly to locate/findLoc/advanceLoc.
func (t *Txn) readRecord(off int64) (*Record, error) {
	return t.db.readRecordFrom(t.mf, t.hash, off, t.end())
}
func (t *Txn) compare(a, b []byte) int { return t.db.cmp(a, b) }

func (t *Txn) reader() recordReader { return t }

// Begin starts a transaction of the given kind against db, acquiring
// the data lock appropriately (spec §4.4's state tables): shared for
// TxnRead/TxnMVCCRead, exclusive for TxnWrite.
func (db *DB) Begin(kind TxnKind) (*Txn, error) {
	if kind == TxnWrite && db.cfg.readOnly {
		return nil, fmt.Errorf("twom: write transaction on read-only handle: %w", ErrReadOnly)
	}

	lk := lockShared
	if kind == TxnWrite {
		lk = lockExclusive
		db.mu.Lock()
		if db.writeTxnActive {
			db.mu.Unlock()
			return nil, fmt.Errorf("twom: write transaction already active: %w", ErrLocked)
		}
		db.writeTxnActive = true
		db.mu.Unlock()
	}

	locks, mf, hash, err := db.acquireCurrent(lk)
	if err != nil {
		if kind == TxnWrite {
			db.mu.Lock()
			db.writeTxnActive = false
			db.mu.Unlock()
		}
		return nil, err
	}

	t := &Txn{db: db, kind: kind, active: true, mf: mf, hash: hash, locks: locks}
	if kind == TxnWrite {
		t.writtenSize = db.committedSize()
		t.levels = newLevelSource()
		if err := db.setDirty(true); err != nil {
			locks.data.release()
			db.mu.Lock()
			db.writeTxnActive = false
			db.mu.Unlock()
			return nil, err
		}
	} else if kind == TxnMVCCRead {
		t.frozenEnd = db.committedSize()
	}
	return t, nil
}

// acquireCurrent acquires the data lock at kind against db's current
// file identity, retrying if a repack swaps db.locks/db.mf out from
// under a call that was blocked on the pre-swap identity — otherwise a
// Begin racing a repack's rename could end up operating on the file
// the repack has already renamed away.
func (db *DB) acquireCurrent(kind lockKind) (*dbLocks, *mmapFile, HashFunc, error) {
	for {
		db.mu.Lock()
		locks, mf, hash := db.locks, db.mf, db.hash
		db.mu.Unlock()

		if err := locks.data.acquire(kind); err != nil {
			return nil, nil, nil, err
		}

		db.mu.Lock()
		stale := db.locks != locks
		db.mu.Unlock()
		if !stale {
			return locks, mf, hash, nil
		}
		locks.data.release()
	}
}

// setDirty flushes the DIRTY flag change to the header under the
// header lock, per spec §4.4's write-transaction begin step.
func (db *DB) setDirty(dirty bool) error {
	return db.locks.withHeaderLock(lockExclusive, func() error {
		db.mu.Lock()
		db.hdr.dirty = dirty
		buf := encodeHeader(db.hdr)
		db.mu.Unlock()
		if err := db.mf.writeAt(0, buf); err != nil {
			return err
		}
		return db.mf.flush(0, HeaderSize, !db.cfg.noSync)
	})
}

// Fetch looks up key under txn.end(), following spec §4.4's MVCC
// fetch for an MVCC-read transaction and the plain locate-based fetch
// otherwise (which is exactly the snapshot-at-end == committed_size
// or written_size special case of the same algorithm). findLoc's
// underlying finishLocate does the ancestor walk-back that makes this
// correct even when key has been REPLACEd more than once since an
// MVCC transaction's end was frozen.
func (t *Txn) Fetch(key []byte) ([]byte, error) {
	if !t.active {
		return nil, fmt.Errorf("twom: fetch on inactive transaction: %w", ErrBadUsage)
	}
	l, err := findLoc(t.reader(), t.epoch(), &t.pos, key)
	if err != nil {
		return nil, err
	}
	if l.match == 0 {
		return nil, fmt.Errorf("twom: %w", ErrNotFound)
	}
	rec, err := t.readRecord(l.match)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// FetchNext returns the first live key strictly greater than key (or,
// if key is empty, the first live key overall), per spec §6's "fetch
// (optionally next after given key)". It is the supplemented
// general-purpose successor to MVCC fetch, grounded on the tool's
// "fetchnext after deletes" scenario.
func (t *Txn) FetchNext(key []byte) (foundKey, value []byte, err error) {
	if !t.active {
		return nil, nil, fmt.Errorf("twom: fetchnext on inactive transaction: %w", ErrBadUsage)
	}
	if _, err := findLoc(t.reader(), t.epoch(), &t.pos, key); err != nil {
		return nil, nil, err
	}
	for {
		l, err := advanceLoc(t.reader(), t.epoch(), &t.pos)
		if err != nil {
			return nil, nil, err
		}
		if l == nil {
			return nil, nil, fmt.Errorf("twom: %w", ErrNotFound)
		}
		if l.deletedOffset != 0 {
			continue
		}
		rec, err := t.readRecord(l.match)
		if err != nil {
			return nil, nil, err
		}
		return append([]byte(nil), rec.Key...), rec.Value, nil
	}
}

func (t *Txn) epoch() int64 {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.epoch
}

// StoreOpts configures Txn.Store.
type StoreOpts struct {
	IfExist    bool
	IfNotExist bool
}

// Store inserts, replaces, or (value == nil) deletes key, implementing
// spec §4.4's insert protocol. A nil value means delete; a non-nil,
// zero-length value stores an empty value distinct from absence.
func (t *Txn) Store(key, value []byte, opts StoreOpts) error {
	if t.kind != TxnWrite {
		return fmt.Errorf("twom: store on non-write transaction: %w", ErrReadOnly)
	}
	if !t.active {
		return fmt.Errorf("twom: store on inactive transaction: %w", ErrBadUsage)
	}

	l, err := findLoc(t.reader(), t.epoch(), &t.pos, key)
	if err != nil {
		return err
	}
	exists := l.match != 0

	if opts.IfNotExist && exists {
		return fmt.Errorf("twom: %w", ErrExists)
	}
	if opts.IfExist && !exists {
		return fmt.Errorf("twom: %w", ErrNotFound)
	}

	if value == nil {
		if !exists {
			return fmt.Errorf("twom: %w", ErrNotFound)
		}
		return t.doDelete(l, key)
	}
	if exists {
		return t.doReplace(l, key, value)
	}
	return t.doInsert(l, key, value)
}

func (t *Txn) doInsert(l *loc, key, value []byte) error {
	level := t.levels.next()
	forward := make([]int64, int(level)+1)
	forward[0] = t.forward0At(l.backloc[0])
	forward[1] = forward[0]
	// forward holds level+1 slots (0,1 dual level-0; 2..level the
	// level 1..level-1 skip pointers — see record.go's level layout),
	// so the skip levels this record itself carries run 1 <= k < level.
	for k := 1; k < int(level); k++ {
		forward[k+1] = t.skipAt(l.backloc[k], k)
	}
	rec := &Record{Kind: KindAdd, Level: level, Key: key, Value: value, Forward: forward}
	off, err := t.append(rec)
	if err != nil {
		return err
	}
	if err := t.setLevel0(l.backloc[0], off); err != nil {
		return err
	}
	for k := 1; k < int(level); k++ {
		if err := t.setLevelK(l.backloc[k], k, off); err != nil {
			return err
		}
	}
	if level > t.maxLevelSeen {
		t.maxLevelSeen = level
	}
	t.numRecordsDelta++
	return nil
}

func (t *Txn) doReplace(l *loc, key, value []byte) error {
	old, err := t.readRecord(l.match)
	if err != nil {
		return err
	}
	level := old.Level
	forward := make([]int64, len(old.Forward))
	copy(forward, old.Forward)
	rec := &Record{Kind: KindReplace, Level: level, Key: key, Value: value, Ancestor: l.match, Forward: forward}
	off, err := t.append(rec)
	if err != nil {
		return err
	}
	if err := t.setLevel0(l.backloc[0], off); err != nil {
		return err
	}
	// Skip pointers that reached the superseded record now reach its
	// replacement, which has taken its place in the chain.
	for k := 1; k < int(level); k++ {
		if t.skipAt(l.backloc[k], k) == l.match {
			if err := t.setLevelK(l.backloc[k], k, off); err != nil {
				return err
			}
		}
	}
	t.accountDirty(old)
	return nil
}

func (t *Txn) doDelete(l *loc, key []byte) error {
	off, err := t.append(&Record{Kind: KindDelete, Ancestor: l.match})
	if err != nil {
		return err
	}
	if err := t.setLevel0(l.backloc[0], off); err != nil {
		return err
	}
	old, err := t.readRecord(l.match)
	if err == nil {
		t.accountDirty(old)
	}
	t.dirtySizeDelta += uint64(FixedSize(KindDelete, 0))
	t.numRecordsDelta--
	return nil
}

// accountDirty charges a superseded record's full padded length
// against dirty_size, per spec §4.4 step 3 and DESIGN.md's resolution
// of the dirty-size open question.
func (t *Txn) accountDirty(old *Record) {
	size := FixedSize(old.Kind, old.Level)
	if old.Kind.hasTail() {
		size += TailSize(len(old.Key), len(old.Value))
	}
	t.dirtySizeDelta += uint64(size)
}

// append encodes rec and writes it at the transaction's current
// written_size, growing the mapping if necessary, then advances
// written_size past the record's padded end.
func (t *Txn) append(rec *Record) (int64, error) {
	buf, err := Encode(rec, t.hash)
	if err != nil {
		return 0, err
	}
	off := t.writtenSize
	if err := t.mf.ensureCapacity(t.writtenSize, int64(len(buf))); err != nil {
		return 0, err
	}
	if err := t.mf.writeAt(off, buf); err != nil {
		return 0, err
	}
	t.writtenSize = off + int64(len(buf))
	return off, nil
}

// forward0At reads the predecessor's current level-0 selected slot:
// new ADD/FATADD records copy it as their own forward[0]/[1] seed
// (spec §4.4 step 2, "forward pointers copied from the predecessors'
// pointers... the pre-insert successors").
func (t *Txn) forward0At(predOff int64) int64 {
	pred, err := t.readRecord(predOff)
	if err != nil {
		return 0
	}
	return advance0(pred, t.end())
}

func (t *Txn) skipAt(predOff int64, k int) int64 {
	pred, err := t.readRecord(predOff)
	if err != nil {
		return 0
	}
	return skipPointerAt(pred, k)
}

// setLevel0 implements spec §4.3's set_level0: overwrites a
// predecessor's level-0 slot that points past committed data if there
// is one, otherwise the slot holding the smaller (older) committed
// successor, preserving the newer committed successor, then recomputes
// the head checksum. Runs directly against the live mapping under the
// exclusive data lock the write transaction already holds.
func (t *Txn) setLevel0(predOff int64, newNext int64) error {
	fixed, kind, err := t.fixedView(predOff)
	if err != nil {
		return err
	}
	committed := t.db.committedSize()
	slot0 := ReadForwardSlot(fixed, kind, 0)
	slot1 := ReadForwardSlot(fixed, kind, 1)
	slot := 0
	if slot0 < committed && (slot1 >= committed || slot0 > slot1) {
		slot = 1
	}
	PatchForwardSlot(fixed, kind, slot, newNext, t.hash)
	return nil
}

// setLevelK directly patches skip level k (1 <= k < L) of the record
// at predOff; there is no dual-slot ambiguity above level 0.
func (t *Txn) setLevelK(predOff int64, k int, newNext int64) error {
	fixed, kind, err := t.fixedView(predOff)
	if err != nil {
		return err
	}
	PatchForwardSlot(fixed, kind, k+1, newNext, t.hash)
	return nil
}

func (t *Txn) fixedView(off int64) ([]byte, RecordKind, error) {
	head, err := t.mf.view(off, 2)
	if err != nil {
		return nil, 0, err
	}
	kind := RecordKind(head[0])
	level := head[1]
	fixedLen := FixedSize(kind, level)
	fixed, err := t.mf.view(off, int64(fixedLen))
	if err != nil {
		return nil, 0, err
	}
	return fixed, kind, nil
}

// Foreach calls fn for every live key with prefix, in ascending order,
// optionally skipping the exact match of prefix itself, yielding
// periodically per spec §5's yield semantics. fn returns (nonzero,
// nil) to stop early; that nonzero value is returned as the result.
type ForeachOpts struct {
	SkipExactMatch bool
	IncludeDeleted bool
}

func (t *Txn) Foreach(prefix []byte, opts ForeachOpts, fn func(key, value []byte) (int, error)) (int, error) {
	if !t.active {
		return 0, fmt.Errorf("twom: foreach on inactive transaction: %w", ErrBadUsage)
	}
	l, err := findLoc(t.reader(), t.epoch(), &t.pos, prefix)
	if err != nil {
		return 0, err
	}
	if l.match != 0 && opts.SkipExactMatch {
		// fall through: advanceLoc below will step past it
	} else if l.match != 0 && !opts.SkipExactMatch {
		rec, err := t.readRecord(l.match)
		if err != nil {
			return 0, err
		}
		if res, err := fn(rec.Key, rec.Value); err != nil || res != 0 {
			return res, err
		}
	}

	calls := 0
	for {
		adv, err := advanceLoc(t.reader(), t.epoch(), &t.pos)
		if err != nil {
			return 0, xerrors.Errorf("twom: foreach: %w", err)
		}
		if adv == nil {
			return 0, nil
		}
		rec, _, err := resolveLive(t.reader(), nonZero(adv.match, adv.deletedOffset))
		if err != nil {
			return 0, err
		}
		if len(prefix) > 0 && !bytes.HasPrefix(rec.Key, prefix) {
			return 0, nil
		}
		if adv.deletedOffset != 0 && !opts.IncludeDeleted {
			continue
		}
		calls++
		if t.shouldYield(calls) {
			if err := t.Yield(); err != nil {
				return 0, err
			}
		}
		var value []byte
		if adv.match != 0 {
			value = rec.Value
		}
		res, err := fn(rec.Key, value)
		if err != nil || res != 0 {
			return res, err
		}
	}
}

func nonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

// shouldYield implements spec §5's automatic-yield cadence.
func (t *Txn) shouldYield(calls int) bool {
	if t.kind == TxnWrite {
		return false
	}
	if t.db.cfg.noYield {
		return false
	}
	if t.db.cfg.alwaysYield {
		return true
	}
	return calls%t.db.cfg.yieldEvery == 0
}

// Yield releases and re-acquires the transaction's lock, per spec §5:
// a non-MVCC reader refreshes end to the latest committed_size, and
// also resynchronises onto whatever file is current if a repack has
// renamed one over in the meantime; an MVCC reader keeps its frozen
// end and re-synchronises against the very same file identity it
// began against, repack or no repack. Yielding a write transaction is
// Locked.
func (t *Txn) Yield() error {
	if t.kind == TxnWrite {
		return fmt.Errorf("twom: yield on write transaction: %w", ErrLocked)
	}
	if err := t.locks.data.release(); err != nil {
		return err
	}
	if t.kind == TxnMVCCRead {
		if err := t.locks.data.acquire(lockShared); err != nil {
			return err
		}
	} else {
		locks, mf, hash, err := t.db.acquireCurrent(lockShared)
		if err != nil {
			return err
		}
		t.locks, t.mf, t.hash = locks, mf, hash
	}
	t.pos.valid = false
	return nil
}

// Commit appends a COMMIT record, flushes, publishes the new
// current_size and counters to the header, and releases the data
// lock, per spec §4.4's Commit state.
func (t *Txn) Commit() error {
	if t.kind != TxnWrite {
		t.active = false
		return t.locks.data.release()
	}
	if !t.active {
		return fmt.Errorf("twom: commit on inactive transaction: %w", ErrBadUsage)
	}

	startOffset := t.db.committedSize()
	commitRec := &Record{Kind: KindCommit, StartOffset: startOffset}
	if _, err := t.append(commitRec); err != nil {
		return err
	}
	if err := t.db.mf.flush(startOffset, t.writtenSize-startOffset, !t.db.cfg.noSync); err != nil {
		return err
	}

	err := t.db.locks.withHeaderLock(lockExclusive, func() error {
		t.db.mu.Lock()
		t.db.hdr.currentSize = uint64(t.writtenSize)
		t.db.hdr.commitCount++
		t.db.hdr.numRecords = uint64(int64(t.db.hdr.numRecords) + t.numRecordsDelta)
		t.db.hdr.dirtySize += t.dirtySizeDelta
		if t.maxLevelSeen > t.db.hdr.maxLevel {
			t.db.hdr.maxLevel = t.maxLevelSeen
		}
		t.db.hdr.dirty = false
		buf := encodeHeader(t.db.hdr)
		t.db.mu.Unlock()
		if err := t.db.mf.writeAt(0, buf); err != nil {
			return err
		}
		return t.db.mf.flush(0, HeaderSize, !t.db.cfg.noSync)
	})
	t.active = false
	t.db.mu.Lock()
	t.db.writeTxnActive = false
	t.db.epoch++
	t.db.mu.Unlock()
	if relErr := t.locks.data.release(); err == nil {
		err = relErr
	}
	return err
}

// Abort runs recovery's zero-dangling-slots procedure against this
// transaction's own uncommitted writes (spec §4.4 Abort: "the same
// procedure as crash recovery"), then releases the lock without
// advancing current_size.
func (t *Txn) Abort() error {
	if t.kind != TxnWrite {
		t.active = false
		return t.locks.data.release()
	}
	if !t.active {
		return fmt.Errorf("twom: abort on inactive transaction: %w", ErrBadUsage)
	}
	committed := t.db.committedSize()
	if err := t.db.recoverChainAbove(committed); err != nil {
		return xerrors.Errorf("twom: abort: %w", err)
	}
	err := t.db.setDirty(false)
	t.active = false
	t.db.mu.Lock()
	t.db.writeTxnActive = false
	t.db.epoch++
	t.db.mu.Unlock()
	if relErr := t.locks.data.release(); err == nil {
		err = relErr
	}
	return err
}
