package twom

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSkiplistOrdersArbitraryKeys checks that locate/advance0's
// level-0 chain visits keys in strictly ascending comparator order
// regardless of insertion order or the random levels drawn, and that
// the full set of inserted keys matches what Foreach reports, for
// arbitrary key sets.
func TestSkiplistOrdersArbitraryKeys(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("Foreach visits every inserted key exactly once, in order", prop.ForAll(
		func(keys []string) bool {
			unique := map[string]bool{}
			for _, k := range keys {
				unique[k] = true
			}

			db, err := Open(tempDBPath(t), Create())
			if err != nil {
				return false
			}
			defer db.Close()

			txn, err := db.Begin(TxnWrite)
			if err != nil {
				return false
			}
			for k := range unique {
				if err := txn.Store([]byte(k), []byte(k), StoreOpts{}); err != nil {
					txn.Abort()
					return false
				}
			}
			if err := txn.Commit(); err != nil {
				return false
			}

			reader, err := db.Begin(TxnRead)
			if err != nil {
				return false
			}
			defer reader.Commit()

			var seen []string
			prev := ""
			first := true
			_, err = reader.Foreach(nil, ForeachOpts{}, func(key, value []byte) (int, error) {
				if !first && string(key) <= prev {
					return 0, ErrInternal
				}
				first = false
				prev = string(key)
				seen = append(seen, string(key))
				return 0, nil
			})
			if err != nil {
				return false
			}

			var want []string
			for k := range unique {
				want = append(want, k)
			}
			sort.Strings(want)

			if len(seen) != len(want) {
				return false
			}
			for i := range want {
				if seen[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.AnyString()),
	))

	properties.TestingRun(t)
}
