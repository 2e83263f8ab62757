package twom

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ChecksumEngine is the set of choices for the 32-bit checksum stored in
// every record head, and in the tail of every record that has one. The
// engine in force is selected at file creation and persisted in the
// header's flag bits (§4.1); it cannot be changed without a repack.
type ChecksumEngine int

const (
	// ChecksumNull always returns 0. Used only for testing: it lets a
	// test fixture corrupt bytes without also having to patch checksums.
	ChecksumNull ChecksumEngine = iota
	// ChecksumXXHash64 is the default: 64-bit xxHash truncated to 32 bits.
	ChecksumXXHash64
	// ChecksumExternal delegates to a caller-supplied HashFunc.
	ChecksumExternal
)

// HashFunc computes a 32-bit checksum over buf.
type HashFunc func(buf []byte) uint32

func checksumNull(buf []byte) uint32 {
	return 0
}

func checksumXXHash64(buf []byte) uint32 {
	return uint32(xxhash.Sum64(buf))
}

var (
	externalHashMu sync.Mutex
	externalHashes = map[string]HashFunc{}
)

// RegisterExternalHash makes a caller-supplied checksum function
// available to Open under a stable name, analogous to
// RegisterComparator. The header records only the ChecksumExternal
// engine and a fingerprint of the names, not the name itself, so a
// reopen must pass the same name again via WithExternalHash.
func RegisterExternalHash(name string, fn HashFunc) {
	if name == "" {
		panic("twom: RegisterExternalHash requires a non-empty name")
	}
	externalHashMu.Lock()
	defer externalHashMu.Unlock()
	externalHashes[name] = fn
}

func lookupExternalHash(name string) (HashFunc, bool) {
	externalHashMu.Lock()
	defer externalHashMu.Unlock()
	fn, ok := externalHashes[name]
	return fn, ok
}

func hashFuncFor(engine ChecksumEngine, externalName string) (HashFunc, error) {
	switch engine {
	case ChecksumNull:
		return checksumNull, nil
	case ChecksumXXHash64:
		return checksumXXHash64, nil
	case ChecksumExternal:
		fn, ok := lookupExternalHash(externalName)
		if !ok {
			return nil, fmt.Errorf("twom: unregistered external checksum %q: %w", externalName, ErrBadFormat)
		}
		return fn, nil
	default:
		return nil, fmt.Errorf("twom: unknown checksum engine %d: %w", engine, ErrBadFormat)
	}
}
