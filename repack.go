package twom

import (
	"os"

	"golang.org/x/xerrors"
)

// Repack implements spec §4.5's online repack protocol: copy every
// live key into a sibling file under a fresh MVCC snapshot, replay
// whatever writers committed to the source while the copy ran, then
// rename the sibling over the source. Only one repack may run against
// a db at a time; a concurrent attempt returns Locked, grounded on
// the teacher's merge.go (glob live entries into a fresh file, then
// swap) generalized from bitcask's multi-segment model to twom's
// single-file one.
func (db *DB) Repack() error {
	db.mu.Lock()
	if db.repacking {
		db.mu.Unlock()
		return xerrors.Errorf("twom: repack %s: %w", db.path, ErrLocked)
	}
	if db.cfg.readOnly {
		db.mu.Unlock()
		return xerrors.Errorf("twom: repack %s: %w", db.path, ErrReadOnly)
	}
	db.repacking = true
	db.mu.Unlock()
	defer func() {
		db.mu.Lock()
		db.repacking = false
		db.mu.Unlock()
	}()

	src, err := db.Begin(TxnMVCCRead)
	if err != nil {
		return xerrors.Errorf("twom: repack %s: begin snapshot: %w", db.path, err)
	}
	originalSize := src.frozenEnd

	dest, destPath, err := db.createRepackSibling()
	if err != nil {
		src.Abort()
		return xerrors.Errorf("twom: repack %s: create sibling: %w", db.path, err)
	}

	destTxn, err := dest.Begin(TxnWrite)
	if err != nil {
		src.Abort()
		dest.mf.close()
		os.Remove(destPath)
		return xerrors.Errorf("twom: repack %s: begin copy: %w", db.path, err)
	}

	_, copyErr := src.Foreach(nil, ForeachOpts{}, func(key, value []byte) (int, error) {
		if err := destTxn.Store(append([]byte(nil), key...), append([]byte(nil), value...), StoreOpts{}); err != nil {
			return 0, err
		}
		return 0, nil
	})
	if copyErr != nil {
		destTxn.Abort()
		src.Abort()
		dest.mf.close()
		os.Remove(destPath)
		return xerrors.Errorf("twom: repack %s: copy: %w", db.path, copyErr)
	}
	if err := destTxn.Commit(); err != nil {
		src.Abort()
		dest.mf.close()
		os.Remove(destPath)
		return xerrors.Errorf("twom: repack %s: commit copy: %w", db.path, err)
	}
	if err := src.Commit(); err != nil {
		dest.mf.close()
		os.Remove(destPath)
		return xerrors.Errorf("twom: repack %s: release snapshot: %w", db.path, err)
	}

	// Re-enter the source exclusively to replay whatever committed
	// between originalSize and the now-current size, then rename the
	// sibling over it (spec §4.5 repack step 4).
	err = db.locks.withDataLock(lockExclusive, func() error {
		return db.replayAndSwap(dest, destPath, originalSize)
	})
	if err != nil {
		dest.mf.close()
		os.Remove(destPath)
		return xerrors.Errorf("twom: repack %s: replay: %w", db.path, err)
	}
	return nil
}

// createRepackSibling creates path+".NEW" with a fresh header carrying
// the next generation number, the same UUID, comparator, and checksum
// engine as db, and a freshly written DUMMY record.
func (db *DB) createRepackSibling() (*DB, string, error) {
	db.mu.Lock()
	destPath := db.path + ".NEW"
	uuid := db.hdr.uuid
	generation := db.hdr.generation + 1
	checksumEngine := db.hdr.checksumEngine
	externalCmp := db.hdr.externalCmp
	namesFP := db.hdr.namesFingerprint
	hash := db.hash
	cmp := db.cmp
	cfg := db.cfg
	db.mu.Unlock()

	os.Remove(destPath) // clear any leftover sibling from a prior failed attempt
	mf, err := openMmapFile(destPath, true)
	if err != nil {
		return nil, destPath, err
	}

	h := &header{
		version:          currentVersion,
		checksumEngine:   checksumEngine,
		externalCmp:      externalCmp,
		maxLevel:         1,
		uuid:             uuid,
		generation:       generation,
		currentSize:      uint64(DummyOffset) + uint64(DummyRecordSize()),
		namesFingerprint: namesFP,
	}

	if err := mf.ensureCapacity(0, int64(h.currentSize)); err != nil {
		mf.close()
		return nil, destPath, err
	}
	dummy := &Record{Kind: KindDummy, Level: DummyLevel, Forward: make([]int64, DummyLevel+1)}
	buf, err := Encode(dummy, hash)
	if err != nil {
		mf.close()
		return nil, destPath, err
	}
	if err := mf.writeAt(DummyOffset, buf); err != nil {
		mf.close()
		return nil, destPath, err
	}
	if err := mf.writeAt(0, encodeHeader(h)); err != nil {
		mf.close()
		return nil, destPath, err
	}
	if err := mf.flush(0, 0, !cfg.noSync); err != nil {
		mf.close()
		return nil, destPath, err
	}

	dest := &DB{
		path:  destPath,
		cfg:   cfg,
		mf:    mf,
		hash:  hash,
		cmp:   cmp,
		hdr:   h,
		diag:  nil,
		refs:  1,
	}
	dest.locks = newDBLocks(int(mf.fd.Fd()), false)
	return dest, destPath, nil
}

// replayAndSwap runs under db's exclusive data lock. It replays every
// record committed to the source between originalSize and db's
// present current_size into dest (walking physical offsets directly,
// since every byte in that range belongs to a committed transaction —
// an aborted write's bytes are simply overwritten by the next
// transaction's append, never left as a gap), renames dest's file over
// db's, and swaps db onto the new mapping.
func (db *DB) replayAndSwap(dest *DB, destPath string, originalSize int64) error {
	newSize := db.committedSize()
	if newSize > originalSize {
		replayTxn, err := dest.Begin(TxnWrite)
		if err != nil {
			return err
		}
		if err := db.replayRange(replayTxn, originalSize, newSize); err != nil {
			replayTxn.Abort()
			return err
		}
		if err := replayTxn.Commit(); err != nil {
			return err
		}
	}

	dest.mu.Lock()
	dest.hdr.sizeAtRepack = dest.hdr.currentSize
	hdrBuf := encodeHeader(dest.hdr)
	dest.mu.Unlock()
	if err := dest.mf.writeAt(0, hdrBuf); err != nil {
		return err
	}

	if err := dest.Sync(); err != nil {
		return err
	}
	if err := dest.mf.close(); err != nil {
		return err
	}
	if err := os.Rename(destPath, db.path); err != nil {
		return err
	}

	newMf, err := openMmapFile(db.path, false)
	if err != nil {
		return err
	}
	newLocks := newDBLocks(int(newMf.fd.Fd()), db.cfg.nonBlocking)

	buf, err := newMf.view(0, HeaderSize)
	if err != nil {
		newMf.close()
		return err
	}
	newHdr, err := decodeHeader(buf)
	if err != nil {
		newMf.close()
		return err
	}

	db.mu.Lock()
	db.mf = newMf
	db.locks = newLocks
	db.hdr = newHdr
	db.epoch++
	db.mu.Unlock()
	return nil
}

// replayRange walks db's own mapping (the repack still holds the
// exclusive data lock, so this is safe) from off to limit, replaying
// each live mutation into replayTxn in physical — hence commit —
// order.
func (db *DB) replayRange(replayTxn *Txn, off, limit int64) error {
	for off < limit {
		rec, err := db.readRecordAt(off, limit)
		if err != nil {
			return err
		}
		switch rec.Kind {
		case KindAdd, KindFatAdd, KindReplace, KindFatReplace:
			if err := replayTxn.Store(append([]byte(nil), rec.Key...), append([]byte(nil), rec.Value...), StoreOpts{}); err != nil {
				return err
			}
		case KindDelete:
			ancestor, err := db.readRecordAt(rec.Ancestor, limit)
			if err != nil {
				return err
			}
			if err := replayTxn.Store(append([]byte(nil), ancestor.Key...), nil, StoreOpts{}); err != nil {
				return err
			}
		}

		total := FixedSize(rec.Kind, rec.Level)
		if rec.Kind.hasTail() {
			total += TailSize(len(rec.Key), len(rec.Value))
		}
		off += int64(total)
	}
	return nil
}
