package twom

import (
	"errors"
	"testing"
)

func TestCursorBasicIteration(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for _, k := range []string{"a", "b", "c"} {
		putOne(t, db, k, k+"-v")
	}

	cur, err := db.BeginCursor(TxnRead, CursorOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Abort()

	var got []string
	for {
		key, _, err := cur.Next()
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(key))
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("cursor iteration: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cursor iteration: got %v, want %v", got, want)
		}
	}
}

func TestCursorPrefixAndSkipRoot(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for _, k := range []string{"p", "p:a", "p:b", "q:a"} {
		putOne(t, db, k, k)
	}

	cur, err := db.BeginCursor(TxnRead, CursorOpts{Prefix: []byte("p")})
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Abort()

	var got []string
	for {
		key, _, err := cur.Next()
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(key))
	}
	want := []string{"p", "p:a", "p:b"}
	if len(got) != len(want) {
		t.Fatalf("prefix cursor: got %v, want %v", got, want)
	}

	skipCur, err := db.BeginCursor(TxnRead, CursorOpts{Prefix: []byte("p"), SkipRoot: true})
	if err != nil {
		t.Fatal(err)
	}
	defer skipCur.Abort()
	first, _, err := skipCur.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "p:a" {
		t.Fatalf("skip-root cursor first result: got %q, want %q", first, "p:a")
	}
}

func TestCursorReplace(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	putOne(t, db, "k", "old")

	cur, err := db.BeginCursor(TxnWrite, CursorOpts{})
	if err != nil {
		t.Fatal(err)
	}
	key, _, err := cur.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(key) != "k" {
		t.Fatalf("cursor landed on %q, want k", key)
	}
	if err := cur.Replace([]byte("new")); err != nil {
		t.Fatal(err)
	}
	if err := cur.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := fetchOne(t, db, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Fatalf("fetch after cursor replace: got %q, want %q", got, "new")
	}
}

func TestCursorOnBorrowedTxnSurvivesFinalise(t *testing.T) {
	db, err := Open(tempDBPath(t), Create())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	putOne(t, db, "k1", "v1")
	putOne(t, db, "k2", "v2")

	txn, err := db.Begin(TxnRead)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Commit()

	cur := txn.Cursor(CursorOpts{})
	if _, _, err := cur.Next(); err != nil {
		t.Fatal(err)
	}
	if err := cur.Finalise(); err != nil {
		t.Fatal(err)
	}

	// txn must still be usable after Finalise, since Cursor borrowed it.
	got, err := txn.Fetch([]byte("k2"))
	if err != nil {
		t.Fatalf("txn unusable after cursor Finalise: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("fetch on borrowed txn after Finalise: got %q, want %q", got, "v2")
	}
}
