package twom

import "testing"

// Scenario 6: a write transaction that appends a record but never
// commits or aborts, mimicking a process that crashed mid-transaction.
// Reopening the file must run recovery and leave the database exactly
// as it was before the transaction began.
func TestRecoveryOnReopenAfterUncleanShutdown(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, Create())
	if err != nil {
		t.Fatal(err)
	}
	putOne(t, db, "existing", "value")

	txn, err := db.Begin(TxnWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Store([]byte("never-committed"), []byte("x"), StoreOpts{}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: release the lock and tear down the mapping
	// without running Commit's header publish or Abort's own recovery
	// walk, leaving the on-disk DIRTY bit set and a dangling forward
	// pointer exactly as an unclean process exit would.
	if err := txn.locks.data.release(); err != nil {
		t.Fatal(err)
	}
	registryMu.Lock()
	delete(registry, db.path)
	registryMu.Unlock()
	if err := db.mf.close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if _, err := fetchOne(t, db2, "never-committed"); StatusOf(err) != StatusNotFound {
		t.Fatalf("fetch of uncommitted insert after recovery: got %v, want NotFound", err)
	}
	got, err := fetchOne(t, db2, "existing")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "value" {
		t.Fatalf("fetch of pre-crash key after recovery: got %q, want %q", got, "value")
	}

	report, err := db2.Check()
	if err != nil {
		t.Fatal(err)
	}
	if report.NumRecords != 1 {
		t.Fatalf("numRecords after recovery: got %d, want 1", report.NumRecords)
	}

	// A second reopen must find the database already clean.
	if err := db2.Close(); err != nil {
		t.Fatal(err)
	}
	db3, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db3.Close()
	if _, err := db3.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestStrictRecoveryOptionSucceedsOnCleanChain(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, Create())
	if err != nil {
		t.Fatal(err)
	}
	putOne(t, db, "k", "v")

	txn, err := db.Begin(TxnWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Store([]byte("k2"), []byte("v2"), StoreOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := txn.locks.data.release(); err != nil {
		t.Fatal(err)
	}
	registryMu.Lock()
	delete(registry, db.path)
	registryMu.Unlock()
	if err := db.mf.close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(path, StrictRecovery())
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	if _, err := db2.Check(); err != nil {
		t.Fatal(err)
	}
}
