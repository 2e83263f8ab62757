package twom

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// HeaderSize is the fixed byte length of the file header (spec §3, §6).
const HeaderSize = 96

// DummyOffset is the fixed offset of the DUMMY sentinel record.
const DummyOffset = HeaderSize

// Magic identifies the format. Version is bumped on incompatible wire
// changes; twom currently only speaks version 1.
var magic = [8]byte{'T', 'W', 'O', 'M', 'd', 'b', 0, 1}

const currentVersion = 1

const (
	flagExternalComparator = 1 << 0
	flagDirty              = 1 << 1
)

// header is the decoded form of the 96-byte file header. See record.go
// for the record format it sits in front of.
//
// Layout (little-endian):
//
//	0:8   magic
//	8     version
//	9     checksumEngine
//	10    flags (bit0 external comparator, bit1 dirty)
//	11    maxLevel
//	12:16 reserved               -- end of the 16-byte header lock region
//	16:32 uuid
//	32:40 generation
//	40:48 numRecords
//	48:56 commitCount
//	56:64 dirtySize
//	64:72 sizeAtRepack
//	72:80 currentSize
//	80:88 namesFingerprint       -- xxhash64("cmpName\x00hashName")
//	88:92 headerChecksum
//	92:96 reserved
type header struct {
	version        uint8
	checksumEngine ChecksumEngine
	externalCmp    bool
	dirty          bool
	maxLevel       uint8

	uuid         uuid.UUID
	generation   uint64
	numRecords   uint64
	commitCount  uint64
	dirtySize    uint64
	sizeAtRepack uint64
	currentSize  uint64

	namesFingerprint uint64
}

func namesFingerprint(comparatorName, externalHashName string) uint64 {
	return xxhash.Sum64String(comparatorName + "\x00" + externalHashName)
}

func newHeader(cfg *config) *header {
	h := &header{
		version:        currentVersion,
		checksumEngine: cfg.checksumEngine,
		externalCmp:    cfg.comparatorName != "",
		maxLevel:       1,
		uuid:           uuid.New(),
		currentSize:    uint64(DummyOffset) + uint64(DummyRecordSize()),
	}
	h.namesFingerprint = namesFingerprint(cfg.comparatorName, cfg.externalHash)
	return h
}

// DummyRecordSize is the total byte length of the DUMMY record.
func DummyRecordSize() int64 {
	return int64(FixedSize(KindDummy, DummyLevel))
}

func encodeHeader(h *header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], magic[:])
	buf[8] = h.version
	buf[9] = uint8(h.checksumEngine)
	var flags uint8
	if h.externalCmp {
		flags |= flagExternalComparator
	}
	if h.dirty {
		flags |= flagDirty
	}
	buf[10] = flags
	buf[11] = h.maxLevel
	copy(buf[16:32], h.uuid[:])
	binary.LittleEndian.PutUint64(buf[32:40], h.generation)
	binary.LittleEndian.PutUint64(buf[40:48], h.numRecords)
	binary.LittleEndian.PutUint64(buf[48:56], h.commitCount)
	binary.LittleEndian.PutUint64(buf[56:64], h.dirtySize)
	binary.LittleEndian.PutUint64(buf[64:72], h.sizeAtRepack)
	binary.LittleEndian.PutUint64(buf[72:80], h.currentSize)
	binary.LittleEndian.PutUint64(buf[80:88], h.namesFingerprint)
	csum := uint32(xxhash.Sum64(buf[:88]))
	binary.LittleEndian.PutUint32(buf[88:92], csum)
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("twom: header truncated: %w", ErrBadFormat)
	}
	if string(buf[0:8]) != string(magic[:]) {
		return nil, fmt.Errorf("twom: bad magic: %w", ErrBadFormat)
	}
	want := binary.LittleEndian.Uint32(buf[88:92])
	got := uint32(xxhash.Sum64(buf[:88]))
	if got != want {
		return nil, fmt.Errorf("twom: header checksum mismatch: %w", ErrBadChecksum)
	}
	h := &header{}
	h.version = buf[8]
	if h.version != currentVersion {
		return nil, fmt.Errorf("twom: unsupported version %d: %w", h.version, ErrBadFormat)
	}
	h.checksumEngine = ChecksumEngine(buf[9])
	flags := buf[10]
	h.externalCmp = flags&flagExternalComparator != 0
	h.dirty = flags&flagDirty != 0
	h.maxLevel = buf[11]
	copy(h.uuid[:], buf[16:32])
	h.generation = binary.LittleEndian.Uint64(buf[32:40])
	h.numRecords = binary.LittleEndian.Uint64(buf[40:48])
	h.commitCount = binary.LittleEndian.Uint64(buf[48:56])
	h.dirtySize = binary.LittleEndian.Uint64(buf[56:64])
	h.sizeAtRepack = binary.LittleEndian.Uint64(buf[64:72])
	h.currentSize = binary.LittleEndian.Uint64(buf[72:80])
	h.namesFingerprint = binary.LittleEndian.Uint64(buf[80:88])
	return h, nil
}
