package twom

import (
	"math/rand"
	"os"
	"time"
)

// levelSource draws new-record skip levels from a geometric(p=1/4)
// distribution starting at 1 and clamped to MaxSkipLevel, per spec
// §4.3. Each write transaction gets its own *rand.Rand seeded from the
// current time XORed with the process id shifted left 32 bits, so two
// concurrently-open processes do not draw identical topologies,
// following the xorshift-per-instance style of
// matteso1-sentinel/internal/storage/skiplist.go's randomLevel but
// adapted to draw on-disk skip levels rather than in-memory node
// heights.
type levelSource struct {
	rng *rand.Rand
}

func newLevelSource() *levelSource {
	seed := time.Now().UnixNano() ^ int64(os.Getpid())<<32
	return &levelSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *levelSource) next() uint8 {
	level := uint8(1)
	for level < MaxSkipLevel && s.rng.Intn(4) == 0 {
		level++
	}
	return level
}

// loc is the result of locate/find_loc: the matched offset (0 on
// miss), an optional in-front DELETE offset, and one predecessor per
// level 0..MaxSkipLevel.
type loc struct {
	key           []byte
	match         int64 // matched record offset, 0 if none
	deletedOffset int64 // offset of an in-front DELETE shadowing match, 0 if none
	backloc       [MaxSkipLevel + 1]int64
}

// recordReader abstracts the single operation locate needs from the
// mapped file: decode the record at off, bounded by end. Txn and
// checkReader implement it; a Cursor reads through its Txn.
type recordReader interface {
	readRecord(off int64) (*Record, error)
	end() int64
	compare(a, b []byte) int
}

// advance0 implements spec §4.3's level-0 slot selection: the slot
// that does not point past end, preferring the numerically greater of
// the two when both are valid.
func advance0(r *Record, end int64) int64 {
	slot0, slot1 := r.Slot0(), r.Slot1()
	if slot0 >= end {
		return slot1
	}
	if slot1 >= end {
		return slot0
	}
	if slot0 > slot1 {
		return slot0
	}
	return slot1
}

// liveNext resolves advance0(r, end) into an offset that is actually
// live as of end, unwinding through Ancestor pointers when the dual
// level-0 slots have both already moved past end: spec §4.4's MVCC
// fetch algorithm, "while offset >= txn.end: offset =
// ancestor(record(offset))". A plain reader's or a writer's end always
// tracks the database's current committed or written size, so
// advance0 alone already lands below it and this loop never runs for
// them; only a frozen MVCC snapshot can lag by more than the one
// generation the dual slots tolerate on their own.
func liveNext(rr recordReader, r *Record, end int64) (int64, error) {
	off := advance0(r, end)
	for off != 0 && off >= end {
		// off lies past end, so rr.readRecord (bounded by end) cannot
		// decode it; a transaction reads it against its whole mapping.
		var rec *Record
		var err error
		if t, ok := rr.(*Txn); ok {
			rec, err = t.db.readRecordFrom(t.mf, t.hash, off, t.mf.size())
		} else {
			rec, err = rr.readRecord(off)
		}
		if err != nil {
			return 0, err
		}
		if rec.Kind.hasAncestor() {
			off = rec.Ancestor
		} else {
			// An ADD past end is a key inserted after the snapshot:
			// skip it and continue with its own successor.
			off = advance0(rec, end)
		}
	}
	return off, nil
}

// locate walks from DUMMY (offset DummyOffset) down through skip
// levels MaxSkipLevel..1 (DUMMY's level 31 carries skip pointers up to
// MaxSkipLevel), then advance0 at level 0, following spec §4.3's
// locate(key). rr.end() bounds which pointers are followable.
func locate(rr recordReader, key []byte) (*loc, error) {
	end := rr.end()
	l := &loc{key: key}

	dummy, err := rr.readRecord(DummyOffset)
	if err != nil {
		return nil, err
	}

	if len(key) == 0 {
		for k := 0; k <= MaxSkipLevel; k++ {
			l.backloc[k] = DummyOffset
		}
		return finishLocate(rr, l, end)
	}

	cur := dummy
	curOff := int64(DummyOffset)
	// futureoffset: track, per descending level, whether the pointer at
	// level k equals the pointer at level k-1 so the comparison at the
	// lower level can be skipped (spec §4.3 "Optimisation — futureoffset").
	var prevNext int64 = -1
	for k := MaxSkipLevel; k >= 1; k-- {
		next := skipPointerAt(cur, k)
		for next != 0 && next < end {
			sameAsAbove := next == prevNext
			var less bool
			if sameAsAbove {
				less = false
			} else {
				rec, err := rr.readRecord(next)
				if err != nil {
					return nil, err
				}
				less = rr.compare(rec.Key, key) < 0
			}
			if !less {
				break
			}
			rec, err := rr.readRecord(next)
			if err != nil {
				return nil, err
			}
			cur, curOff = rec, next
			next = skipPointerAt(cur, k)
		}
		l.backloc[k] = curOff
		prevNext = next
	}

	// Level 0: advance using the dual-slot selection rule, not the
	// single skip pointer used at higher levels. A DELETE carries no
	// forward slots of its own (spec §3); one that sorts strictly
	// before key is transparently resolved to the live record it
	// shadows, which sits immediately behind it in the chain and still
	// carries the original forward pointers (see resolveLive).
	for {
		next, err := liveNext(rr, cur, end)
		if err != nil {
			return nil, err
		}
		if next == 0 {
			break
		}
		rec, recOff, err := resolveLive(rr, next)
		if err != nil {
			return nil, err
		}
		if rr.compare(rec.Key, key) >= 0 {
			break
		}
		cur, curOff = rec, recOff
	}
	l.backloc[0] = curOff

	return finishLocate(rr, l, end)
}

// resolveLive reads the record at off and, if it is a DELETE,
// transparently follows its ancestor pointer once: the matched record
// a DELETE shadows is never itself removed from the chain (spec
// §4.4's insert protocol step 4 only redirects the *predecessor's*
// slot to the DELETE), so the ancestor's own untouched forward array
// is what the walk must continue through. The returned offset is the
// ancestor's own, real, patchable offset — never the DELETE's.
func resolveLive(rr recordReader, off int64) (*Record, int64, error) {
	rec, err := rr.readRecord(off)
	if err != nil {
		return nil, 0, err
	}
	if rec.Kind != KindDelete {
		return rec, off, nil
	}
	anc, err := rr.readRecord(rec.Ancestor)
	if err != nil {
		return nil, 0, err
	}
	return anc, rec.Ancestor, nil
}

// finishLocate resolves the exact match (if any) at backloc[0] and
// absorbs an in-front DELETE into l.deletedOffset, per locate's
// returned-location contract. liveNext's ancestor walk-back is what
// lets this still find a key that has been REPLACEd more than once
// since an MVCC reader's end was frozen.
func finishLocate(rr recordReader, l *loc, end int64) (*loc, error) {
	pred, err := rr.readRecord(l.backloc[0])
	if err != nil {
		return nil, err
	}
	next, err := liveNext(rr, pred, end)
	if err != nil {
		return nil, err
	}
	if next == 0 {
		return l, nil
	}
	rec, realOff, err := resolveLive(rr, next)
	if err != nil {
		return nil, err
	}
	if rr.compare(rec.Key, l.key) != 0 {
		return l, nil
	}
	if realOff != next {
		l.deletedOffset = next
		l.match = 0
		return l, nil
	}
	l.match = next
	return l, nil
}

// skipPointerAt returns r's level-k skip pointer for k >= 1 (reading
// Forward[k+1]). Records that don't carry a level-k pointer — either
// because the kind has no forward array, or because the record's own
// level is below k — report 0, which ends the descent at that level
// immediately, exactly as if k were simply absent from the chain.
func skipPointerAt(r *Record, k int) int64 {
	if !r.Kind.hasForward() || k >= len(r.Forward)-1 {
		return 0
	}
	return r.SkipPointer(k)
}

// position is the owned, cacheable form of a location that a
// transaction or cursor carries across calls, implementing find_loc's
// and advance_loc's short-circuits (spec §4.3).
type position struct {
	valid         bool
	fileEpoch     int64 // identifies the mmapFile/generation this position was computed against
	end           int64
	key           []byte
	match         int64
	deletedOffset int64
	backloc       [MaxSkipLevel + 1]int64
}

// findLoc wraps locate with find_loc's short-circuits: an exact-match
// cache hit needs one key comparison; advancing to the next
// level-0-order record needs one advance0 call and at most two key
// comparisons. Any staleness (epoch or end moved) forces a full
// locate.
func findLoc(rr recordReader, epoch int64, pos *position, key []byte) (*loc, error) {
	end := rr.end()
	if pos.valid && pos.fileEpoch == epoch && pos.end == end {
		if pos.match != 0 && rr.compare(pos.key, key) == 0 {
			return &loc{key: key, match: pos.match, deletedOffset: pos.deletedOffset, backloc: pos.backloc}, nil
		}
		if cand, ok := tryAdvanceCacheHit(rr, pos, key, end); ok {
			return cand, nil
		}
	}
	l, err := locate(rr, key)
	if err != nil {
		return nil, err
	}
	pos.valid = true
	pos.fileEpoch = epoch
	pos.end = end
	pos.key = append(pos.key[:0], key...)
	pos.match = l.match
	pos.deletedOffset = l.deletedOffset
	pos.backloc = l.backloc
	return l, nil
}

// tryAdvanceCacheHit implements find_loc short-circuit 3: the caller
// is asking for the record immediately after pos in level-0 order.
func tryAdvanceCacheHit(rr recordReader, pos *position, key []byte, end int64) (*loc, bool) {
	anchorOff := pos.match
	if anchorOff == 0 {
		anchorOff = pos.backloc[0]
	}
	anchor, err := rr.readRecord(anchorOff)
	if err != nil {
		return nil, false
	}
	next := advance0(anchor, end)
	if next == 0 || next >= end {
		return nil, false
	}
	rec, err := rr.readRecord(next)
	if err != nil {
		return nil, false
	}
	cmp := rr.compare(rec.Key, key)
	if cmp > 0 {
		return nil, false
	}
	l := &loc{key: key}
	l.backloc = pos.backloc
	l.backloc[0] = anchorOff
	if cmp == 0 {
		if rec.Kind == KindDelete {
			l.deletedOffset = next
		} else {
			l.match = next
		}
		return l, true
	}
	return nil, false
}

// advanceLoc implements spec §4.3's advance_loc: converts an
// exact-match (or deleted-match) position into a just-before
// position, then steps one record forward in level-0 order. The
// returned loc mirrors locate's contract: l.match is the new live
// record if any, l.deletedOffset is set instead if the landing key has
// been tombstoned (resolveLive has already substituted the live
// record that sits behind that tombstone so pos.backloc[0] stays a
// real, patchable offset). A nil loc means the chain is exhausted —
// liveNext's ancestor walk-back means that's only true once there is
// genuinely no predecessor live as of end, not merely because a key
// was REPLACEd more than once since an MVCC snapshot was frozen.
func advanceLoc(rr recordReader, epoch int64, pos *position) (*loc, error) {
	end := rr.end()
	if !pos.valid || pos.fileEpoch != epoch || pos.end != end {
		l, err := locate(rr, pos.key)
		if err != nil {
			return nil, err
		}
		pos.fileEpoch = epoch
		pos.end = end
		pos.match = l.match
		pos.deletedOffset = l.deletedOffset
		pos.backloc = l.backloc
	}

	anchorOff := pos.backloc[0]
	switch {
	case pos.match != 0:
		anchorOff = pos.match
	case pos.deletedOffset != 0:
		_, real, err := resolveLive(rr, pos.deletedOffset)
		if err != nil {
			return nil, err
		}
		anchorOff = real
	}
	pos.match = 0
	pos.deletedOffset = 0
	pos.backloc[0] = anchorOff

	anchor, err := rr.readRecord(anchorOff)
	if err != nil {
		return nil, err
	}
	next, err := liveNext(rr, anchor, end)
	if err != nil {
		return nil, err
	}
	if next == 0 {
		return nil, nil
	}
	rec, realOff, err := resolveLive(rr, next)
	if err != nil {
		return nil, err
	}
	pos.key = append(pos.key[:0], rec.Key...)
	pos.backloc[0] = realOff

	l := &loc{key: append([]byte(nil), rec.Key...)}
	l.backloc = pos.backloc
	if realOff == next {
		l.match = next
	} else {
		l.deletedOffset = next
	}
	return l, nil
}
