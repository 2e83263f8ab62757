package twom

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DB is one open handle onto a database file. Per-path state (the
// mapping, the header, the locks) is reference-counted within a
// process: two Open calls on the same absolute path return the same
// *DB, each call adding one reference, following spec §5's "reference-counted
// per-file state keyed by pathname." The teacher (go-bitcask) opens
// one unshared instance per directory; this sharing registry is new.
type DB struct {
	mu sync.Mutex

	path  string
	cfg   *config
	mf    *mmapFile
	locks *dbLocks
	hash  HashFunc
	cmp   Comparator
	hdr   *header
	diag  DiagnosticSink

	// epoch is bumped every time the mapping or the file's identity
	// changes underneath cached positions (growth, recovery, repack's
	// rename): find_loc/advance_loc treat a changed epoch as stale.
	epoch int64

	writeTxnActive bool
	repacking      bool
	refs           int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*DB{}
)

// Open opens or creates the database file at path. Opening the same
// resolved absolute path twice within one process returns handles
// sharing the same underlying state (spec §5).
func Open(path string, opts ...Option) (*DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("twom: resolve path %s: %w", path, wrapIOErr(err))
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if db, ok := registry[abs]; ok {
		db.refs++
		return db, nil
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.comparatorName != "" {
		cmp, ok := lookupComparator(cfg.comparatorName)
		if !ok {
			return nil, fmt.Errorf("twom: unregistered comparator %q: %w", cfg.comparatorName, ErrBadUsage)
		}
		cfg.comparator = cmp
	}

	exists := true
	if _, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("twom: stat %s: %w", abs, wrapIOErr(err))
		}
		exists = false
		if !cfg.create {
			return nil, fmt.Errorf("twom: %s: %w", abs, ErrNotFound)
		}
	}

	mf, err := openMmapFile(abs, cfg.create)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:  abs,
		cfg:   cfg,
		mf:    mf,
		diag:  cfg.logger,
		refs:  1,
	}
	db.locks = newDBLocks(int(mf.fd.Fd()), cfg.nonBlocking)

	if err := db.locks.withHeaderLock(lockShared, func() error {
		return db.loadOrInit(!exists)
	}); err != nil {
		mf.close()
		return nil, err
	}

	if db.hdr.dirty {
		if cfg.readOnly {
			mf.close()
			return nil, fmt.Errorf("twom: %s is dirty, cannot open read-only: %w", abs, ErrLocked)
		}
		if err := db.recover(); err != nil {
			mf.close()
			return nil, err
		}
	}

	registry[abs] = db
	return db, nil
}

// loadOrInit reads the header if the file already has one, or writes
// a fresh header plus DUMMY record if fresh is true. Caller holds the
// header lock.
func (db *DB) loadOrInit(fresh bool) error {
	if fresh {
		h := newHeader(db.cfg)
		hash, err := hashFuncFor(h.checksumEngine, db.cfg.externalHash)
		if err != nil {
			return err
		}
		db.hdr = h
		db.hash = hash
		db.cmp = db.cfg.comparator

		if err := db.mf.ensureCapacity(0, int64(h.currentSize)); err != nil {
			return err
		}
		dummy := &Record{Kind: KindDummy, Level: DummyLevel, Forward: make([]int64, DummyLevel+1)}
		buf, err := Encode(dummy, db.hash)
		if err != nil {
			return err
		}
		if err := db.mf.writeAt(DummyOffset, buf); err != nil {
			return err
		}
		if err := db.mf.writeAt(0, encodeHeader(h)); err != nil {
			return err
		}
		return db.mf.flush(0, 0, !db.cfg.noSync)
	}

	buf, err := db.mf.view(0, HeaderSize)
	if err != nil {
		return err
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if h.checksumEngine != db.cfg.checksumEngine && !db.cfg.noChecksum {
		return fmt.Errorf("twom: checksum engine mismatch on %s: %w", db.path, ErrBadFormat)
	}
	hash, err := hashFuncFor(h.checksumEngine, db.cfg.externalHash)
	if err != nil {
		return err
	}
	wantExternal := db.cfg.comparatorName != ""
	if h.externalCmp != wantExternal {
		return fmt.Errorf("twom: comparator mismatch on %s: %w", db.path, ErrBadFormat)
	}
	if wantExternal {
		want := namesFingerprint(db.cfg.comparatorName, db.cfg.externalHash)
		if want != h.namesFingerprint {
			return fmt.Errorf("twom: comparator/hash name mismatch on %s: %w", db.path, ErrBadFormat)
		}
	}
	db.hdr = h
	db.hash = hash
	db.cmp = db.cfg.comparator
	return nil
}

// Close releases this handle's reference; the underlying file and
// mapping are only actually closed once every handle sharing this
// path has been closed.
func (db *DB) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	db.mu.Lock()
	db.refs--
	remaining := db.refs
	db.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	delete(registry, db.path)
	return db.mf.close()
}

// committedSize returns the header's current_size: the logical end of
// committed data, used by set_level0's slot-preservation rule.
func (db *DB) committedSize() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return int64(db.hdr.currentSize)
}

// Name returns the database's UUID-derived stable name, as a string,
// matching the metadata accessors spec §6 requires.
func (db *DB) Name() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.hdr.uuid.String()
}

// Generation returns the repack generation counter.
func (db *DB) Generation() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.hdr.generation
}

// NumRecords returns the live record count.
func (db *DB) NumRecords() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.hdr.numRecords
}

// Size returns the logical (committed) size of the file in bytes.
func (db *DB) Size() int64 {
	return db.committedSize()
}

// ShouldRepack reports spec §6's should-repack heuristic: dirty_size
// exceeds a minimum rewrite threshold and dead space exceeds 25% of
// current_size.
func (db *DB) ShouldRepack() bool {
	const minDirty = 16384
	db.mu.Lock()
	dirty := db.hdr.dirtySize
	current := db.hdr.currentSize
	db.mu.Unlock()
	return dirty > minDirty && current < 4*dirty
}

// Sync flushes the mapping to disk regardless of the NoSync option.
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mf.flush(0, 0, true)
}

func (db *DB) logf(level slog.Level, msg string, args ...any) {
	diag(db.diag, level, msg, args...)
}

// readRecordAt decodes the record at off, bounded by end, verifying
// checksums unless NoChecksum was given, against the database's
// current mapping.
func (db *DB) readRecordAt(off int64, end int64) (*Record, error) {
	return db.readRecordFrom(db.mf, db.hash, off, end)
}

// readRecordFrom decodes the record at off from mf specifically, using
// hash for checksum verification. A transaction that began before a
// repack swapped db.mf keeps its own captured mf/hash so that, per
// spec §5, an MVCC reader's mapping stays valid for its whole
// lifetime even after the file underneath db has been renamed over.
func (db *DB) readRecordFrom(mf *mmapFile, hash HashFunc, off int64, end int64) (*Record, error) {
	if off == 0 {
		return nil, fmt.Errorf("twom: nil offset read: %w", ErrInternal)
	}
	avail := mf.size() - off
	if avail <= 0 {
		return nil, fmt.Errorf("twom: offset %d past mapping: %w", off, ErrBadFormat)
	}
	buf, err := mf.view(off, avail)
	if err != nil {
		return nil, err
	}
	rec, _, err := Decode(buf, off, end, hash, !db.cfg.noChecksum)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// checkReader adapts DB to recordReader with a fixed end offset, for
// use by Check (which has no live transaction of its own).
type checkReader struct {
	db        *DB
	endOffset int64
}

func (r *checkReader) readRecord(off int64) (*Record, error) { return r.db.readRecordAt(off, r.endOffset) }
func (r *checkReader) end() int64                             { return r.endOffset }
func (r *checkReader) compare(a, b []byte) int                { return r.db.cmp(a, b) }

// CheckReport is the result of a consistency check (spec §6 "dump,
// consistency check").
type CheckReport struct {
	NumRecords   uint64
	DirtySize    uint64
	CurrentSize  uint64
	MaxLevelSeen uint8
}

// Check walks the live level-0 chain under a shared data lock,
// re-verifying every checksum reached and recomputing the live record
// count, reporting any divergence from the header as an error.
func (db *DB) Check() (*CheckReport, error) {
	var report *CheckReport
	err := db.locks.withDataLock(lockShared, func() error {
		end := db.committedSize()
		cur, err := db.readRecordAt(DummyOffset, end)
		if err != nil {
			return err
		}
		reader := &checkReader{db: db, endOffset: end}
		var live uint64
		var maxLevel uint8
		for {
			next := advance0(cur, end)
			if next == 0 || next >= end {
				break
			}
			rec, realOff, err := resolveLive(reader, next)
			if err != nil {
				return fmt.Errorf("twom: check: record at %d: %w", next, err)
			}
			if next == realOff {
				live++
			}
			if rec.Level > maxLevel {
				maxLevel = rec.Level
			}
			cur = rec
		}
		db.mu.Lock()
		report = &CheckReport{
			NumRecords:   live,
			DirtySize:    db.hdr.dirtySize,
			CurrentSize:  db.hdr.currentSize,
			MaxLevelSeen: maxLevel,
		}
		headerCount := db.hdr.numRecords
		db.mu.Unlock()
		if live != headerCount {
			return fmt.Errorf("twom: check: live count %d does not match header %d: %w", live, headerCount, ErrInternal)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
