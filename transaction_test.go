package tidekv

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func beginTxn(t *testing.T, db *DB, level IsolationLevel) *Transaction {
	t.Helper()
	txn, err := db.BeginWithIsolation(level)
	if err != nil {
		t.Fatalf("BeginWithIsolation(%v) failed: %v", level, err)
	}
	return txn
}

func txnPut(t *testing.T, txn *Transaction, cf *ColumnFamily, key, value string) {
	t.Helper()
	if err := txn.Put(cf, []byte(key), []byte(value), -1); err != nil {
		t.Fatalf("Put(%s) failed: %v", key, err)
	}
}

func txnGet(t *testing.T, txn *Transaction, cf *ColumnFamily, key string) (string, error) {
	t.Helper()
	v, err := txn.Get(cf, []byte(key))
	return string(v), err
}

func TestTransactionReadYourWrites(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "a", "committed")

	txn := beginTxn(t, db, ReadCommitted)
	defer txn.Close()
	txnPut(t, txn, cf, "a", "mine")
	txnPut(t, txn, cf, "b", "new")
	if err := txn.Delete(cf, []byte("b")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if v, err := txnGet(t, txn, cf, "a"); err != nil || v != "mine" {
		t.Errorf("Get(a) = %q, %v, want mine", v, err)
	}
	if _, err := txnGet(t, txn, cf, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(b) error = %v, want ErrNotFound", err)
	}
	// Nothing is visible outside before commit.
	expectValue(t, cf, "a", "committed")

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectValue(t, cf, "a", "mine")
	expectNotFound(t, cf, "b")
}

func TestTransactionStateErrors(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	txn := beginTxn(t, db, ReadCommitted)
	txnPut(t, txn, cf, "k", "v")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := txn.Put(cf, []byte("k"), []byte("v"), -1); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("Put after commit error = %v, want ErrInvalidDB", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("second Commit error = %v, want ErrInvalidDB", err)
	}
	if err := txn.Rollback(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("Rollback after commit error = %v, want ErrInvalidDB", err)
	}
	if err := txn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := txn.Close(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("second Close error = %v, want ErrInvalidDB", err)
	}
	if err := txn.Reset(ReadCommitted); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("Reset after Close error = %v, want ErrInvalidDB", err)
	}
	if _, err := db.BeginWithIsolation(IsolationLevel(42)); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Begin with unknown level error = %v, want ErrInvalidArgs", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	txn := beginTxn(t, db, Snapshot)
	defer txn.Close()
	txnPut(t, txn, cf, "k", "v")
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	expectNotFound(t, cf, "k")
}

func TestIsolationLevels(t *testing.T) {
	tests := []struct {
		level      IsolationLevel
		seesCommit bool
		seesDirty  bool
	}{
		{ReadUncommitted, true, true},
		{ReadCommitted, true, false},
		{RepeatableRead, false, false},
		{Snapshot, false, false},
		{Serializable, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			db := openTestDB(t, t.TempDir())
			defer db.Close()
			cf := createTestCF(t, db, "cf", testCFConfig())
			mustPut(t, cf, "k", "v1")

			reader := beginTxn(t, db, tt.level)
			defer reader.Close()
			if v, err := txnGet(t, reader, cf, "k"); err != nil || v != "v1" {
				t.Fatalf("first Get = %q, %v", v, err)
			}

			writer := beginTxn(t, db, ReadCommitted)
			txnPut(t, writer, cf, "dirty", "x")
			got, err := txnGet(t, reader, cf, "dirty")
			if tt.seesDirty && (err != nil || got != "x") {
				t.Errorf("uncommitted read = %q, %v, want x", got, err)
			}
			if !tt.seesDirty && !errors.Is(err, ErrNotFound) {
				t.Errorf("uncommitted read = %q, %v, want ErrNotFound", got, err)
			}
			if err := writer.Rollback(); err != nil {
				t.Fatalf("Rollback failed: %v", err)
			}
			_ = writer.Close()

			mustPut(t, cf, "k", "v2")
			want := "v1"
			if tt.seesCommit {
				want = "v2"
			}
			if v, err := txnGet(t, reader, cf, "k"); err != nil || v != want {
				t.Errorf("Get after concurrent commit = %q, %v, want %q", v, err, want)
			}
		})
	}
}

func TestSnapshotWriteConflict(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "k", "base")

	t1 := beginTxn(t, db, Snapshot)
	defer t1.Close()
	t2 := beginTxn(t, db, Snapshot)
	defer t2.Close()
	txnPut(t, t1, cf, "k", "t1")
	txnPut(t, t2, cf, "k", "t2")

	if err := t1.Commit(); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	err := t2.Commit()
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Commit error = %v, want ErrConflict", err)
	}
	// The loser stays active and can still roll back.
	if err := t2.Rollback(); err != nil {
		t.Errorf("Rollback after conflict failed: %v", err)
	}
	expectValue(t, cf, "k", "t1")

	// Disjoint keys never conflict.
	t3 := beginTxn(t, db, Snapshot)
	defer t3.Close()
	t4 := beginTxn(t, db, Snapshot)
	defer t4.Close()
	txnPut(t, t3, cf, "x", "3")
	txnPut(t, t4, cf, "y", "4")
	if err := t3.Commit(); err != nil {
		t.Fatalf("t3 Commit failed: %v", err)
	}
	if err := t4.Commit(); err != nil {
		t.Fatalf("t4 Commit failed: %v", err)
	}
}

func TestReadCommittedLastWriterWins(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	t1 := beginTxn(t, db, ReadCommitted)
	defer t1.Close()
	t2 := beginTxn(t, db, ReadCommitted)
	defer t2.Close()
	txnPut(t, t1, cf, "k", "t1")
	txnPut(t, t2, cf, "k", "t2")
	if err := t1.Commit(); err != nil {
		t.Fatalf("t1 Commit failed: %v", err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("t2 Commit failed: %v", err)
	}
	expectValue(t, cf, "k", "t2")
}

func TestSerializableReadConflict(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "balance", "100")

	// t1 reads balance and writes elsewhere; a concurrent update of
	// balance invalidates that read.
	t1 := beginTxn(t, db, Serializable)
	defer t1.Close()
	if _, err := txnGet(t, t1, cf, "balance"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	txnPut(t, t1, cf, "audit", "saw 100")

	mustPut(t, cf, "balance", "50")
	if err := t1.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("Commit error = %v, want ErrConflict", err)
	}
	expectNotFound(t, cf, "audit")

	// Snapshot isolation does not track reads.
	t2 := beginTxn(t, db, Snapshot)
	defer t2.Close()
	if _, err := txnGet(t, t2, cf, "balance"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	txnPut(t, t2, cf, "audit", "saw 50")
	mustPut(t, cf, "balance", "25")
	if err := t2.Commit(); err != nil {
		t.Fatalf("Snapshot Commit failed: %v", err)
	}
}

func TestSerializableIteratorReadsConflict(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "a", "1")
	mustPut(t, cf, "b", "2")

	txn := beginTxn(t, db, Serializable)
	defer txn.Close()
	it, err := txn.NewIterator(cf)
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	for it.SeekToFirst(); it.Valid(); it.Next() {
	}
	_ = it.Close()
	txnPut(t, txn, cf, "sum", "3")

	mustPut(t, cf, "b", "20")
	if err := txn.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("Commit error = %v, want ErrConflict", err)
	}
}

func TestCrossColumnFamilyCommit(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	a := createTestCF(t, db, "a", testCFConfig())
	b := createTestCF(t, db, "b", testCFConfig())

	txn := beginTxn(t, db, Snapshot)
	defer txn.Close()
	txnPut(t, txn, a, "k", "in-a")
	txnPut(t, txn, b, "k", "in-b")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectValue(t, a, "k", "in-a")
	expectValue(t, b, "k", "in-b")
}

func TestSavepoints(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	txn := beginTxn(t, db, ReadCommitted)
	defer txn.Close()
	txnPut(t, txn, cf, "a", "1")
	if err := txn.Savepoint("sp1"); err != nil {
		t.Fatalf("Savepoint failed: %v", err)
	}
	txnPut(t, txn, cf, "a", "2")
	txnPut(t, txn, cf, "b", "1")
	if err := txn.Savepoint("sp2"); err != nil {
		t.Fatalf("Savepoint failed: %v", err)
	}
	txnPut(t, txn, cf, "c", "1")

	if err := txn.RollbackToSavepoint("sp1"); err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}
	if v, err := txnGet(t, txn, cf, "a"); err != nil || v != "1" {
		t.Errorf("Get(a) = %q, %v, want 1", v, err)
	}
	for _, k := range []string{"b", "c"} {
		if _, err := txnGet(t, txn, cf, k); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%s) error = %v, want ErrNotFound", k, err)
		}
	}
	// sp2 was marked after sp1 and is gone.
	if err := txn.RollbackToSavepoint("sp2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RollbackToSavepoint(sp2) error = %v, want ErrNotFound", err)
	}
	if err := txn.Savepoint(""); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Savepoint(\"\") error = %v, want ErrInvalidArgs", err)
	}

	txnPut(t, txn, cf, "d", "1")
	if err := txn.ReleaseSavepoint("sp1"); err != nil {
		t.Fatalf("ReleaseSavepoint failed: %v", err)
	}
	if err := txn.RollbackToSavepoint("sp1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RollbackToSavepoint after release error = %v, want ErrNotFound", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectValue(t, cf, "a", "1")
	expectValue(t, cf, "d", "1")
	expectNotFound(t, cf, "b")
}

func TestTransactionReset(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	txn := beginTxn(t, db, ReadCommitted)
	defer txn.Close()
	if err := txn.Reset(Snapshot); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("Reset of active txn error = %v, want ErrInvalidDB", err)
	}
	txnPut(t, txn, cf, "first", "1")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	id := txn.ID()

	if err := txn.Reset(Snapshot); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if txn.ID() == id {
		t.Error("Reset kept the transaction ID")
	}
	if txn.Isolation() != Snapshot {
		t.Errorf("Isolation = %v, want Snapshot", txn.Isolation())
	}
	// The old write-set is gone; committing again writes only new keys.
	txnPut(t, txn, cf, "second", "2")
	mustPut(t, cf, "first", "changed")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit after Reset failed: %v", err)
	}
	expectValue(t, cf, "first", "changed")
	expectValue(t, cf, "second", "2")
}

func TestCommitHook(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	var mu sync.Mutex
	var calls []string
	var lastSeq uint64
	if err := cf.SetCommitHook(func(ops []CommitOp, seq uint64) error {
		mu.Lock()
		defer mu.Unlock()
		for _, op := range ops {
			calls = append(calls, fmt.Sprintf("%s=%s/%v", op.Key, op.Value, op.Delete))
		}
		lastSeq = seq
		return nil
	}); err != nil {
		t.Fatalf("SetCommitHook failed: %v", err)
	}

	txn := beginTxn(t, db, ReadCommitted)
	txnPut(t, txn, cf, "b", "2")
	txnPut(t, txn, cf, "a", "1")
	if err := txn.Delete(cf, []byte("c")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	_ = txn.Close()

	mu.Lock()
	got := fmt.Sprint(calls)
	seq := lastSeq
	mu.Unlock()
	if got != "[a=1/false b=2/false c=/true]" {
		t.Errorf("hook ops = %s", got)
	}
	if seq != cf.LastSequence() {
		t.Errorf("hook seq = %d, want %d", seq, cf.LastSequence())
	}

	// A failing or panicking hook does not fail the commit.
	_ = cf.SetCommitHook(func([]CommitOp, uint64) error { panic("boom") })
	mustPut(t, cf, "p", "1")
	_ = cf.SetCommitHook(func([]CommitOp, uint64) error { return errors.New("nope") })
	mustPut(t, cf, "q", "1")
	expectValue(t, cf, "p", "1")
	expectValue(t, cf, "q", "1")

	if err := cf.ClearCommitHook(); err != nil {
		t.Fatalf("ClearCommitHook failed: %v", err)
	}
	mustPut(t, cf, "r", "1")
}

func TestTTLExpiry(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	if err := cf.Put([]byte("expired"), []byte("v"), past); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := cf.Put([]byte("live"), []byte("v"), future); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	expectNotFound(t, cf, "expired")
	expectValue(t, cf, "live", "v")

	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	expectNotFound(t, cf, "expired")
	expectValue(t, cf, "live", "v")

	// Expired entries are dropped by compaction.
	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	expectNotFound(t, cf, "expired")
	expectValue(t, cf, "live", "v")
	st, err := cf.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.TotalKeys != 1 {
		t.Errorf("TotalKeys after compaction = %d, want 1", st.TotalKeys)
	}
}

func TestConcurrentTransactions(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				if err := cf.Put(key, key, -1); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put failed: %v", err)
	}
	if got := cf.LastSequence(); got != workers*perWorker {
		t.Errorf("LastSequence = %d, want %d", got, workers*perWorker)
	}
	for w := range workers {
		for i := 0; i < perWorker; i += 37 {
			key := fmt.Sprintf("w%d-%04d", w, i)
			expectValue(t, cf, key, key)
		}
	}
}

func TestSnapshotReadAcrossFlushedVersions(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "k", "v-000")

	txn := beginTxn(t, db, RepeatableRead)
	defer txn.Close()
	// Enough newer versions of k to span several table blocks.
	for i := 1; i <= 300; i++ {
		mustPut(t, cf, "k", fmt.Sprintf("v-%03d-padding-padding-padding", i))
	}
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	if v, err := txnGet(t, txn, cf, "k"); err != nil || v != "v-000" {
		t.Fatalf("snapshot read = %q, %v, want v-000", v, err)
	}
	expectValue(t, cf, "k", "v-300-padding-padding-padding")
}

func TestCommitReportsPartialApply(t *testing.T) {
	db, ffs := openFaultDB(t)
	defer db.Close()
	a := createTestCF(t, db, "a", testCFConfig())
	b := createTestCF(t, db, "b", testCFConfig())
	var hookSeq uint64
	if err := a.SetCommitHook(func(_ []CommitOp, seq uint64) error {
		hookSeq = seq
		return nil
	}); err != nil {
		t.Fatalf("SetCommitHook failed: %v", err)
	}

	txn := beginTxn(t, db, ReadCommitted)
	defer txn.Close()
	txnPut(t, txn, a, "k", "va")
	txnPut(t, txn, b, "k", "vb")
	ffs.FailWrites(func(path string) bool {
		return filepath.Base(filepath.Dir(path)) == "b" && strings.HasSuffix(path, ".log")
	})
	err := txn.Commit()
	ffs.ClearErrors()

	if !errors.Is(err, ErrIO) {
		t.Fatalf("Commit error = %v, want ErrIO", err)
	}
	var pe *PartialCommitError
	if !errors.As(err, &pe) {
		t.Fatalf("Commit error = %v, want a PartialCommitError", err)
	}
	if len(pe.Applied) != 1 || pe.Applied[0] != "a" || pe.Failed != "b" {
		t.Errorf("partial commit = %v failed on %s", pe.Applied, pe.Failed)
	}
	expectValue(t, a, "k", "va")
	expectNotFound(t, b, "k")
	if hookSeq == 0 || hookSeq != a.LastSequence() {
		t.Errorf("hook seq = %d, want %d", hookSeq, a.LastSequence())
	}
	if err := txn.Commit(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("second Commit error = %v, want ErrInvalidDB", err)
	}
}

func TestReadOnlyTransaction(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "k", "v1")

	txn, err := db.BeginReadOnlyWithIsolation(RepeatableRead)
	if err != nil {
		t.Fatalf("BeginReadOnlyWithIsolation failed: %v", err)
	}
	defer txn.Close()
	if !txn.ReadOnly() || txn.writes != nil {
		t.Fatal("read-only transaction allocated a write-set")
	}
	if err := txn.Put(cf, []byte("k"), []byte("x"), -1); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Put error = %v, want ErrInvalidArgs", err)
	}
	if err := txn.Delete(cf, []byte("k")); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Delete error = %v, want ErrInvalidArgs", err)
	}

	mustPut(t, cf, "k", "v2")
	if v, err := txnGet(t, txn, cf, "k"); err != nil || v != "v1" {
		t.Errorf("snapshot read = %q, %v, want v1", v, err)
	}
	it, err := txn.NewIterator(cf)
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	if err := it.SeekToFirst(); err != nil {
		t.Fatalf("SeekToFirst failed: %v", err)
	}
	if v, _ := it.Value(); string(v) != "v1" {
		t.Errorf("iterator value = %q, want v1", v)
	}
	it.Close()

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := txn.Reset(ReadCommitted); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if v, err := txnGet(t, txn, cf, "k"); err != nil || v != "v2" {
		t.Errorf("read after Reset = %q, %v, want v2", v, err)
	}
	if err := txn.Put(cf, []byte("k"), []byte("x"), -1); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Put after Reset error = %v, want ErrInvalidArgs", err)
	}

	ro, err := db.BeginReadOnly()
	if err != nil {
		t.Fatalf("BeginReadOnly failed: %v", err)
	}
	if ro.Isolation() != ReadCommitted {
		t.Errorf("BeginReadOnly isolation = %v", ro.Isolation())
	}
	ro.Close()
}
