package main

import (
	"fmt"

	"github.com/brong/twom"
)

func main() {
	db, err := twom.Open("example.twom", twom.Create())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	txn, err := db.Begin(twom.TxnWrite)
	if err != nil {
		panic(err)
	}
	if err := txn.Store([]byte("fruit:apple"), []byte("red"), twom.StoreOpts{}); err != nil {
		txn.Abort()
		panic(err)
	}
	if err := txn.Store([]byte("fruit:banana"), []byte("yellow"), twom.StoreOpts{}); err != nil {
		txn.Abort()
		panic(err)
	}
	if err := txn.Commit(); err != nil {
		panic(err)
	}

	reader, err := db.Begin(twom.TxnRead)
	if err != nil {
		panic(err)
	}
	value, err := reader.Fetch([]byte("fruit:apple"))
	if err != nil {
		reader.Commit()
		panic(err)
	}
	fmt.Println("fruit:apple =", string(value))

	_, err = reader.Foreach([]byte("fruit:"), twom.ForeachOpts{}, func(key, val []byte) (int, error) {
		fmt.Printf("%s -> %s\n", key, val)
		return 0, nil
	})
	if err != nil {
		reader.Commit()
		panic(err)
	}
	if err := reader.Commit(); err != nil {
		panic(err)
	}

	if db.ShouldRepack() {
		if err := db.Repack(); err != nil {
			panic(err)
		}
	}

	report, err := db.Check()
	if err != nil {
		panic(err)
	}
	fmt.Printf("numRecords=%d currentSize=%d\n", report.NumRecords, report.CurrentSize)
}
