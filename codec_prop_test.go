package twom

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRecordCodecRoundTrip checks that Encode/Decode round-trips every
// ADD record's key, value, and level for arbitrary strings, and that
// the checksum verifies.
func TestRecordCodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ADD record round-trips key/value/level", prop.ForAll(
		func(key, value string, level uint8) bool {
			level = level % (MaxSkipLevel + 1)
			forward := make([]int64, int(level)+1)
			rec := &Record{Kind: KindAdd, Level: level, Key: []byte(key), Value: []byte(value), Forward: forward}

			buf, err := Encode(rec, checksumXXHash64)
			if err != nil {
				return false
			}
			decoded, n, err := Decode(buf, 0, int64(len(buf)), checksumXXHash64, true)
			if err != nil {
				return false
			}
			if n != len(buf) {
				return false
			}
			return string(decoded.Key) == key && string(decoded.Value) == value && decoded.Level == level
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.UInt8(),
	))

	properties.Property("corrupting a head checksum byte is detected", prop.ForAll(
		func(key string) bool {
			rec := &Record{Kind: KindAdd, Level: 0, Key: []byte(key), Value: []byte("v"), Forward: []int64{0}}
			buf, err := Encode(rec, checksumXXHash64)
			if err != nil {
				return false
			}
			buf[2] ^= 0xff
			_, _, err = Decode(buf, 0, int64(len(buf)), checksumXXHash64, true)
			return StatusOf(err) == StatusBadChecksum
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestFatPromotionOnOversizedKey checks that chooseFatKind promotes
// ADD to FATADD exactly when the slim length limits would overflow.
func TestFatPromotionOnOversizedKey(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("promotion tracks the slim length limits", prop.ForAll(
		func(keylen, vallen int) bool {
			k := chooseFatKind(KindAdd, keylen, vallen)
			wantFat := keylen > MaxKeyLenSlim || vallen > MaxValLenSlim
			return (k == KindFatAdd) == wantFat
		},
		gen.IntRange(0, MaxKeyLenSlim+10),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
