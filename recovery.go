package twom

import (
	"log/slog"

	"golang.org/x/xerrors"
)

// recover implements spec §4.5's recovery algorithm: walk the level-0
// chain from DUMMY bounded by current_size, zero any forward slot that
// still points at or past current_size (the tell-tale of an incomplete
// transaction's writes), and clear the DIRTY bit once the chain
// re-verifies. Caller holds no lock yet; recover acquires the data
// lock itself, exclusively, since it patches records in place.
func (db *DB) recover() error {
	db.logf(slog.LevelWarn, "twom: recovering dirty database", "path", db.path)
	err := db.locks.withDataLock(lockExclusive, func() error {
		return db.recoverChainAboveLocked(db.committedSize())
	})
	if err != nil {
		return xerrors.Errorf("twom: recover %s: %w", db.path, err)
	}
	if err := db.setDirty(false); err != nil {
		return xerrors.Errorf("twom: recover %s: clear dirty: %w", db.path, err)
	}
	return nil
}

// recoverChainAbove runs the same zero-dangling-slots walk used by
// recover, but as a standalone entry point for Abort: an aborted write
// transaction leaves exactly the same shape of dangling forward
// pointers above current_size that a crash would have (spec §4.4
// Abort: "the same procedure as crash recovery"). It takes no lock of
// its own: Abort already holds the data lock exclusively.
func (db *DB) recoverChainAbove(currentSize int64) error {
	return db.recoverChainAboveLocked(currentSize)
}

// recoverChainAboveLocked performs the walk itself; the caller must
// already hold the data lock exclusively. It follows exactly the
// level-0 order locate() and Check() do — resolving transparently
// through any DELETE via resolveLive — since a DELETE carries no
// forward slots of its own to zero, and the crash could equally well
// have left a dangling slot behind the live record a DELETE shadows.
func (db *DB) recoverChainAboveLocked(currentSize int64) error {
	reader := &checkReader{db: db, endOffset: currentSize}

	cur, err := db.readRecordAt(DummyOffset, currentSize)
	if err != nil {
		return xerrors.Errorf("twom: dummy record: %w", err)
	}
	curOff := int64(DummyOffset)

	for {
		fixed, kind, err := db.fixedViewFor(curOff)
		if err != nil {
			return xerrors.Errorf("twom: fixed view at %d: %w", curOff, err)
		}
		if kind.hasForward() {
			for slot := 0; slot < 2; slot++ {
				v := ReadForwardSlot(fixed, kind, slot)
				if v >= currentSize {
					PatchForwardSlot(fixed, kind, slot, 0, db.hash)
				}
			}
		}

		next := advance0(cur, currentSize)
		if next == 0 || next >= currentSize {
			break
		}
		rec, realOff, err := resolveLive(reader, next)
		if err != nil {
			return xerrors.Errorf("twom: chain record at %d: %w", next, err)
		}
		if db.cfg.strictRecovery {
			// Force a full checksum re-verification of every surviving
			// record regardless of NoChecksum, rather than trusting the
			// slot value alone (spec §9 Open Question 2's invited
			// "stricter alternative").
			buf, err := db.mf.view(realOff, currentSize-realOff)
			if err != nil {
				return xerrors.Errorf("twom: strict recovery: %w", err)
			}
			if _, _, err := Decode(buf, realOff, currentSize, db.hash, true); err != nil {
				return xerrors.Errorf("twom: strict recovery: %w", err)
			}
		}
		cur, curOff = rec, realOff
	}

	return nil
}

// fixedViewFor returns a live, patchable view of the fixed part of the
// record at off, along with its kind, without going through Decode
// (which would copy the tail unnecessarily and, more importantly,
// would not hand back a slice PatchForwardSlot can mutate in place).
func (db *DB) fixedViewFor(off int64) ([]byte, RecordKind, error) {
	head, err := db.mf.view(off, 2)
	if err != nil {
		return nil, 0, err
	}
	kind := RecordKind(head[0])
	level := head[1]
	fixed, err := db.mf.view(off, int64(FixedSize(kind, level)))
	if err != nil {
		return nil, 0, err
	}
	return fixed, kind, nil
}

