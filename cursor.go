package twom

import (
	"bytes"
	"fmt"
)

// CursorOpts configures BeginCursor / Txn.Cursor.
type CursorOpts struct {
	// Prefix restricts iteration to keys sharing this prefix.
	Prefix []byte
	// SkipRoot starts immediately after an exact match of Prefix rather
	// than returning that match itself, when one exists.
	SkipRoot bool
}

// Cursor is an explicit iterator over a transaction's key order,
// grounded on the same locate/find_loc/advance_loc plumbing Foreach
// uses, plus Replace for in-place value substitution at the cursor's
// current position (spec §6's cursor operations).
type Cursor struct {
	txn     *Txn
	ownsTxn bool

	prefix   []byte
	skipRoot bool

	pos     position
	started bool
	done    bool

	curKey []byte
}

// BeginCursor opens a cursor with its own private transaction of kind,
// following twoskip's twom_db_begin_cursor: committing or aborting the
// cursor commits or aborts this transaction.
func (db *DB) BeginCursor(kind TxnKind, opts CursorOpts) (*Cursor, error) {
	txn, err := db.Begin(kind)
	if err != nil {
		return nil, err
	}
	return newCursor(txn, true, opts), nil
}

// Cursor opens a cursor against an already-active transaction,
// following twoskip's twom_txn_begin_cursor: Commit/Abort here commit
// or abort the shared transaction, so callers that want to keep using
// txn afterwards should call Finalise instead.
func (t *Txn) Cursor(opts CursorOpts) *Cursor {
	return newCursor(t, false, opts)
}

func newCursor(t *Txn, ownsTxn bool, opts CursorOpts) *Cursor {
	return &Cursor{
		txn:      t,
		ownsTxn:  ownsTxn,
		prefix:   append([]byte(nil), opts.Prefix...),
		skipRoot: opts.SkipRoot,
	}
}

// Next advances the cursor and returns the next live key/value pair in
// ascending order, ErrDone once exhausted or once a key without the
// configured prefix is reached.
func (c *Cursor) Next() (key, value []byte, err error) {
	if c.done {
		return nil, nil, fmt.Errorf("twom: %w", ErrDone)
	}
	if !c.txn.active {
		return nil, nil, fmt.Errorf("twom: next on inactive cursor: %w", ErrBadUsage)
	}

	if !c.started {
		c.started = true
		l, err := findLoc(c.txn.reader(), c.txn.epoch(), &c.pos, c.prefix)
		if err != nil {
			return nil, nil, err
		}
		if l.match != 0 && !c.skipRoot {
			return c.land(l.match)
		}
	}

	for {
		adv, err := advanceLoc(c.txn.reader(), c.txn.epoch(), &c.pos)
		if err != nil {
			return nil, nil, err
		}
		if adv == nil {
			c.done = true
			return nil, nil, fmt.Errorf("twom: %w", ErrDone)
		}
		if adv.deletedOffset != 0 {
			rec, _, err := resolveLive(c.txn.reader(), adv.deletedOffset)
			if err != nil {
				return nil, nil, err
			}
			if !c.matchesPrefix(rec.Key) {
				c.done = true
				return nil, nil, fmt.Errorf("twom: %w", ErrDone)
			}
			continue
		}
		return c.land(adv.match)
	}
}

// land reads the record at off, checks the prefix filter, and updates
// cursor state for a subsequent Replace.
func (c *Cursor) land(off int64) (key, value []byte, err error) {
	rec, err := c.txn.readRecord(off)
	if err != nil {
		return nil, nil, err
	}
	if !c.matchesPrefix(rec.Key) {
		c.done = true
		return nil, nil, fmt.Errorf("twom: %w", ErrDone)
	}
	c.curKey = append(c.curKey[:0], rec.Key...)
	return rec.Key, rec.Value, nil
}

func (c *Cursor) matchesPrefix(key []byte) bool {
	return len(c.prefix) == 0 || bytes.HasPrefix(key, c.prefix)
}

// Replace overwrites the value of the record the cursor is currently
// positioned on. Only valid on a write cursor, and only after Next has
// landed on a record.
func (c *Cursor) Replace(value []byte) error {
	if c.txn.kind != TxnWrite {
		return fmt.Errorf("twom: cursor replace on non-write cursor: %w", ErrReadOnly)
	}
	if c.curKey == nil {
		return fmt.Errorf("twom: replace before next: %w", ErrBadUsage)
	}
	return c.txn.Store(c.curKey, value, StoreOpts{IfExist: true})
}

// Commit commits the cursor's transaction, per twoskip's
// twom_cursor_commit: valid on both an owned and a borrowed
// transaction — the caller decides which by choosing BeginCursor vs.
// Txn.Cursor.
func (c *Cursor) Commit() error {
	return c.txn.Commit()
}

// Abort aborts the cursor's transaction, per twoskip's
// twom_cursor_abort.
func (c *Cursor) Abort() error {
	return c.txn.Abort()
}

// Finalise releases the cursor's own state without affecting a
// borrowed transaction's lifetime, matching twoskip's twom_cursor_fini
// used to end a cursor obtained via Txn.Cursor while its parent
// transaction stays active. A cursor obtained via BeginCursor owns its
// transaction outright, so Finalise aborts it there to avoid leaking
// the data lock.
func (c *Cursor) Finalise() error {
	c.pos = position{}
	c.curKey = nil
	if c.ownsTxn && c.txn.active {
		return c.txn.Abort()
	}
	return nil
}
