package twom

import (
	"fmt"
	"os"
	"testing"
)

// Scenario 5: bulk insert, delete every other key, then repack and
// confirm the live set and header counters reflect exactly that.
func TestRepackBulkInsertDeleteHalf(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	const n = 4096
	txn, err := db.Begin(TxnWrite)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		if err := txn.Store([]byte(key), []byte(key+"-value"), StoreOpts{}); err != nil {
			txn.Abort()
			t.Fatal(err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	del, err := db.Begin(TxnWrite)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i += 2 {
		key := fmt.Sprintf("key-%05d", i)
		if err := del.Store([]byte(key), nil, StoreOpts{}); err != nil {
			del.Abort()
			t.Fatal(err)
		}
	}
	if err := del.Commit(); err != nil {
		t.Fatal(err)
	}

	before, err := db.Check()
	if err != nil {
		t.Fatal(err)
	}
	if before.NumRecords != n/2 {
		t.Fatalf("before repack: numRecords got %d, want %d", before.NumRecords, n/2)
	}
	if !db.ShouldRepack() {
		t.Fatalf("ShouldRepack false after deleting half of %d records with dirtySize %d", n, before.DirtySize)
	}

	generationBefore := db.Generation()

	if err := db.Repack(); err != nil {
		t.Fatal(err)
	}

	after, err := db.Check()
	if err != nil {
		t.Fatal(err)
	}
	if after.NumRecords != n/2 {
		t.Fatalf("after repack: numRecords got %d, want %d", after.NumRecords, n/2)
	}
	if after.DirtySize != 0 {
		t.Fatalf("after repack: dirtySize got %d, want 0", after.DirtySize)
	}
	if db.Generation() != generationBefore+1 {
		t.Fatalf("after repack: generation got %d, want %d", db.Generation(), generationBefore+1)
	}

	for i := 1; i < n; i += 2 {
		key := fmt.Sprintf("key-%05d", i)
		got, err := fetchOne(t, db, key)
		if err != nil {
			t.Fatalf("fetch %s after repack: %v", key, err)
		}
		if string(got) != key+"-value" {
			t.Fatalf("fetch %s after repack: got %q", key, got)
		}
	}
	for i := 0; i < n; i += 2 {
		key := fmt.Sprintf("key-%05d", i)
		if _, err := fetchOne(t, db, key); StatusOf(err) != StatusNotFound {
			t.Fatalf("deleted key %s survived repack: %v", key, err)
		}
	}
}

// Repack drives its copy via Foreach over a frozen MVCC snapshot
// (repack.go's src.Foreach). A key replaced twice by a writer while
// that snapshot is open sits behind a predecessor whose dual level-0
// slots have both moved past the snapshot's end; Foreach must still
// walk its Ancestor chain back to reach every later key, instead of
// treating that predecessor as the end of the list and silently
// dropping the rest of the copy.
func TestRepackCopyPhaseSurvivesMultipleReplace(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	const n = 64
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%03d", i)
		putOne(t, db, key, key+"-v0")
	}

	src, err := db.Begin(TxnMVCCRead)
	if err != nil {
		t.Fatal(err)
	}

	target := "key-032"
	putOne(t, db, target, target+"-v1")
	putOne(t, db, target, target+"-v2")

	dest, destPath, err := db.createRepackSibling()
	if err != nil {
		src.Abort()
		t.Fatal(err)
	}
	defer os.Remove(destPath)
	defer dest.mf.close()

	destTxn, err := dest.Begin(TxnWrite)
	if err != nil {
		src.Abort()
		t.Fatal(err)
	}

	var copied []string
	_, err = src.Foreach(nil, ForeachOpts{}, func(key, value []byte) (int, error) {
		copied = append(copied, string(key))
		return 0, destTxn.Store(append([]byte(nil), key...), append([]byte(nil), value...), StoreOpts{})
	})
	if err != nil {
		destTxn.Abort()
		src.Abort()
		t.Fatal(err)
	}
	if err := destTxn.Commit(); err != nil {
		src.Abort()
		t.Fatal(err)
	}
	if err := src.Commit(); err != nil {
		t.Fatal(err)
	}

	if len(copied) != n {
		t.Fatalf("copy phase visited %d keys, want %d (a doubly-replaced key must not truncate the rest of the scan)", len(copied), n)
	}

	readBack, err := dest.Begin(TxnRead)
	if err != nil {
		t.Fatal(err)
	}
	defer readBack.Commit()

	got, err := readBack.Fetch([]byte(target))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != target+"-v0" {
		t.Fatalf("copy phase value for doubly-replaced key: got %q, want %q", got, target+"-v0")
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if key == target {
			continue
		}
		if _, err := readBack.Fetch([]byte(key)); err != nil {
			t.Fatalf("copy phase missing %s: %v", key, err)
		}
	}
}

func TestRepackPreservesUUID(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	putOne(t, db, "a", "1")
	name := db.Name()

	if err := db.Repack(); err != nil {
		t.Fatal(err)
	}
	if db.Name() != name {
		t.Fatalf("UUID changed across repack: got %s, want %s", db.Name(), name)
	}
}

func TestRepackRejectsConcurrentAttempt(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	putOne(t, db, "a", "1")

	db.mu.Lock()
	db.repacking = true
	db.mu.Unlock()

	if err := db.Repack(); StatusOf(err) != StatusLocked {
		t.Fatalf("concurrent repack: got %v, want Locked", err)
	}

	db.mu.Lock()
	db.repacking = false
	db.mu.Unlock()
}

func TestRepackOnReadOnlyHandleFails(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Create())
	if err != nil {
		t.Fatal(err)
	}
	putOne(t, db, "a", "1")
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	rodb, err := Open(path, ReadOnly())
	if err != nil {
		t.Fatal(err)
	}
	defer rodb.Close()
	if err := rodb.Repack(); StatusOf(err) != StatusReadOnly {
		t.Fatalf("repack on read-only handle: got %v, want ReadOnly", err)
	}
}
