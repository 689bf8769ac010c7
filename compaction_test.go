package tidekv

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aalhour/tidekv/internal/vfs"
)

func numTables(t *testing.T, cf *ColumnFamily) int {
	t.Helper()
	st, err := cf.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	n := 0
	for _, c := range st.LevelNumSSTables {
		n += c
	}
	return n
}

func TestCompactMergesIntoOneLevel(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	for round := range 3 {
		for i := range 200 {
			mustPut(t, cf, fmt.Sprintf("key%04d", i), fmt.Sprintf("r%d", round))
		}
		if err := cf.FlushMemtable(); err != nil {
			t.Fatalf("FlushMemtable failed: %v", err)
		}
	}
	for i := 0; i < 200; i += 2 {
		if err := cf.Delete([]byte(fmt.Sprintf("key%04d", i))); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	st, err := cf.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	nonEmpty := 0
	for _, n := range st.LevelNumSSTables {
		if n > 0 {
			nonEmpty++
		}
	}
	if nonEmpty != 1 || st.LevelNumSSTables[0] != 0 {
		t.Errorf("tables per level after Compact = %v", st.LevelNumSSTables)
	}
	// Shadowed versions and tombstones are gone.
	if st.TotalKeys != 100 {
		t.Errorf("TotalKeys = %d, want 100", st.TotalKeys)
	}
	for i := range 200 {
		key := fmt.Sprintf("key%04d", i)
		if i%2 == 0 {
			expectNotFound(t, cf, key)
		} else {
			expectValue(t, cf, key, "r2")
		}
	}
}

func TestCompactionKeepsSnapshotVersions(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "k", "old")
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}

	txn := beginTxn(t, db, RepeatableRead)
	defer txn.Close()
	mustPut(t, cf, "k", "new")
	if err := cf.Delete([]byte("gone")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if v, err := txnGet(t, txn, cf, "k"); err != nil || v != "old" {
		t.Errorf("snapshot read after compaction = %q, %v, want old", v, err)
	}
	expectValue(t, cf, "k", "new")
}

func TestStartBackgroundCompactionArgs(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	if err := cf.StartBackgroundCompaction(0, 2); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("zero interval error = %v, want ErrInvalidArgs", err)
	}
	if err := cf.StartBackgroundCompaction(time.Second, 0); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("zero min tables error = %v, want ErrInvalidArgs", err)
	}
	if err := cf.StartBackgroundCompaction(time.Hour, 2); err != nil {
		t.Fatalf("StartBackgroundCompaction failed: %v", err)
	}
	// Restarting replaces the ticker.
	if err := cf.StartBackgroundCompaction(time.Hour, 3); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	cf.StopBackgroundCompaction()
	cf.StopBackgroundCompaction()
}

func TestBackgroundCompactionReducesTables(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 20MB")
	}
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cfg := testCFConfig()
	cfg.WriteBufferSize = 4 << 20
	// Keep level 0 compactions manual so the ticker does the work.
	cfg.L1FileCountTrigger = 100
	cfg.L0QueueStallThreshold = 100
	cf := createTestCF(t, db, "cf", cfg)

	const n = 10000
	value := func(i int) []byte {
		return bytes.Repeat([]byte(fmt.Sprintf("%08d", i)), 250)
	}
	for i := range n {
		if err := cf.Put([]byte(fmt.Sprintf("key:%08d", i)), value(i), -1); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if (i+1)%1000 == 0 {
			if err := cf.FlushMemtable(); err != nil {
				t.Fatalf("FlushMemtable failed: %v", err)
			}
		}
	}
	if got := numTables(t, cf); got < 10 {
		t.Fatalf("only %d tables before compaction", got)
	}

	if err := cf.StartBackgroundCompaction(50*time.Millisecond, 2); err != nil {
		t.Fatalf("StartBackgroundCompaction failed: %v", err)
	}
	defer cf.StopBackgroundCompaction()
	deadline := time.Now().Add(30 * time.Second)
	for numTables(t, cf) > 5 {
		if time.Now().After(deadline) {
			t.Fatalf("still %d tables after 30s", numTables(t, cf))
		}
		time.Sleep(50 * time.Millisecond)
	}

	for i := range n {
		key := fmt.Sprintf("key:%08d", i)
		got, err := cf.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		if !bytes.Equal(got, value(i)) {
			t.Fatalf("Get(%s) returned a wrong value", key)
		}
	}
}

func openFaultDB(t *testing.T) (*DB, *vfs.FaultInjectionFS) {
	t.Helper()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	cfg := testConfig(t.TempDir())
	cfg.fs = ffs
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return db, ffs
}

func isTable(path string) bool { return strings.Contains(path, ".sst") }

func TestCompactionFailureLeavesDataIntact(t *testing.T) {
	db, ffs := openFaultDB(t)
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	for round := range 2 {
		fillCF(t, cf, 100, fmt.Sprint(round))
		if err := cf.FlushMemtable(); err != nil {
			t.Fatalf("FlushMemtable failed: %v", err)
		}
	}

	ffs.FailWrites(isTable)
	err := cf.Compact()
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Compact error = %v, want ErrIO", err)
	}
	if got := numTables(t, cf); got != 2 {
		t.Errorf("%d tables after failed compaction, want 2", got)
	}
	expectValue(t, cf, "key00050", "1")

	ffs.ClearErrors()
	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact after clearing faults failed: %v", err)
	}
	if got := numTables(t, cf); got != 1 {
		t.Errorf("%d tables after compaction, want 1", got)
	}
	expectValue(t, cf, "key00050", "1")
}

func TestFlushFailureIsRetried(t *testing.T) {
	db, ffs := openFaultDB(t)
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	fillCF(t, cf, 50, "v")

	ffs.FailWrites(isTable)
	if err := cf.FlushMemtable(); !errors.Is(err, ErrIO) {
		t.Fatalf("FlushMemtable error = %v, want ErrIO", err)
	}
	// The immutable memtable still serves reads.
	expectValue(t, cf, "key00010", "v")

	ffs.ClearErrors()
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable retry failed: %v", err)
	}
	if cf.IsFlushing() {
		t.Error("IsFlushing after completed flush")
	}
	if got := numTables(t, cf); got != 1 {
		t.Errorf("%d tables after flush, want 1", got)
	}
	expectValue(t, cf, "key00010", "v")
}

func TestFlushRespectsMinDiskSpace(t *testing.T) {
	db, ffs := openFaultDB(t)
	defer db.Close()
	cfg := testCFConfig()
	cfg.MinDiskSpace = 1 << 20
	cf := createTestCF(t, db, "cf", cfg)
	fillCF(t, cf, 10, "v")

	ffs.SetFreeSpace(1024)
	if err := cf.FlushMemtable(); !errors.Is(err, ErrIO) {
		t.Fatalf("FlushMemtable error = %v, want ErrIO", err)
	}
	ffs.ClearErrors()
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
}

func TestWriteStallOnImmutableBacklog(t *testing.T) {
	db, ffs := openFaultDB(t)
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	// With flushes failing, rotated memtables pile up until commits stall.
	ffs.FailWrites(isTable)
	done := make(chan error, 1)
	go func() {
		for i := range 5000 {
			if err := cf.Put([]byte(fmt.Sprintf("key%05d", i)), bytes.Repeat([]byte("x"), 100), -1); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	deadline := time.Now().Add(10 * time.Second)
	for cf.WriteStalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("writes never stalled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The stalled writer keeps rescheduling flushes and resumes once they
	// succeed.
	ffs.ClearErrors()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stalled Put failed: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("writer still stalled after faults cleared")
	}
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	expectValue(t, cf, "key04999", strings.Repeat("x", 100))
}
