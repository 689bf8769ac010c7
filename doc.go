/*
Package tidekv provides an embedded, transactional key/value store built on
a log-structured merge tree.

An engine directory holds one subdirectory per column family. Each column
family has its own comparator, memtable, write-ahead log, sorted tables and
configuration, persisted in config.ini. The engine shares a block cache and
flush and compaction worker pools across its column families.

# Usage

	db, err := tidekv.Open(tidekv.Config{DBPath: "/var/lib/app"})
	if err != nil {
		return err
	}
	defer db.Close()

	cf, err := db.CreateColumnFamily("users", tidekv.DefaultColumnFamilyConfig())
	if err != nil {
		return err
	}
	txn, err := db.BeginWithIsolation(tidekv.Snapshot)
	if err != nil {
		return err
	}
	defer txn.Close()
	if err := txn.Put(cf, []byte("user:1"), []byte("Alice"), -1); err != nil {
		return err
	}
	return txn.Commit()

# Transactions

Every read and write goes through a Transaction. Writes are buffered until
Commit, which validates them against concurrent commits according to the
isolation level, appends them to each column family's WAL and applies them
to its memtable. A failed validation returns ErrConflict and leaves the
transaction active, so the caller can roll back or retry.

# Concurrency

A DB and its column families are safe for concurrent use. A Transaction and
an Iterator are not; each goroutine should use its own.

# Errors

Every error returned by the package is an *Error carrying a Code. Use
errors.Is with the Err sentinels, or CodeOf, to classify them.
*/
package tidekv
