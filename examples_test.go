package tidekv_test

import (
	"errors"
	"fmt"
	"os"

	"github.com/aalhour/tidekv"
)

func openExampleDB() (*tidekv.DB, func()) {
	dir, err := os.MkdirTemp("", "tidekv-example-*")
	if err != nil {
		panic(err)
	}
	cfg := tidekv.DefaultConfig(dir)
	cfg.LogLevel = tidekv.LogNone
	db, err := tidekv.Open(cfg)
	if err != nil {
		panic(err)
	}
	return db, func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	}
}

func ExampleOpen() {
	db, cleanup := openExampleDB()
	defer cleanup()

	if err := db.CreateColumnFamily("users", tidekv.DefaultColumnFamilyConfig()); err != nil {
		panic(err)
	}
	users, err := db.GetColumnFamily("users")
	if err != nil {
		panic(err)
	}
	if err := users.Put([]byte("k"), []byte("v"), -1); err != nil {
		panic(err)
	}

	val, err := users.Get([]byte("k"))
	if err != nil {
		panic(err)
	}

	fmt.Println(string(val))
	// Output:
	// v
}

func ExampleTransaction() {
	db, cleanup := openExampleDB()
	defer cleanup()

	if err := db.CreateColumnFamily("accounts", tidekv.DefaultColumnFamilyConfig()); err != nil {
		panic(err)
	}
	accounts, _ := db.GetColumnFamily("accounts")

	txn, err := db.BeginWithIsolation(tidekv.Snapshot)
	if err != nil {
		panic(err)
	}
	defer txn.Close()
	_ = txn.Put(accounts, []byte("alice"), []byte("100"), -1)

	// A concurrent writer commits the same key first.
	_ = accounts.Put([]byte("alice"), []byte("50"), -1)

	err = txn.Commit()
	fmt.Println(errors.Is(err, tidekv.ErrConflict))
	// Output:
	// true
}

func ExampleIterator() {
	db, cleanup := openExampleDB()
	defer cleanup()

	if err := db.CreateColumnFamily("fruit", tidekv.DefaultColumnFamilyConfig()); err != nil {
		panic(err)
	}
	fruit, _ := db.GetColumnFamily("fruit")
	for _, k := range []string{"cherry", "apple", "banana"} {
		_ = fruit.Put([]byte(k), []byte(k[:1]), -1)
	}

	it, err := fruit.NewIterator()
	if err != nil {
		panic(err)
	}
	defer it.Close()
	for err = it.SeekToFirst(); err == nil && it.Valid(); err = it.Next() {
		k, _ := it.Key()
		v, _ := it.Value()
		fmt.Printf("%s=%s\n", k, v)
	}
	// Output:
	// apple=a
	// banana=b
	// cherry=c
}
