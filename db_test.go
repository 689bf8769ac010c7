package tidekv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aalhour/tidekv/internal/vfs"
)

// testConfig returns a quiet engine configuration rooted at dir.
func testConfig(dir string) *Config {
	cfg := DefaultConfig(dir)
	cfg.LogLevel = LogWarn
	cfg.BlockCacheSize = 1 << 20
	return cfg
}

// testCFConfig returns a column family configuration with small buffers
// and no free space floor.
func testCFConfig() ColumnFamilyConfig {
	cfg := DefaultColumnFamilyConfig()
	cfg.WriteBufferSize = 64 << 10
	cfg.MinDiskSpace = 0
	cfg.SyncMode = SyncNone
	return cfg
}

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(testConfig(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return db
}

func createTestCF(t *testing.T, db *DB, name string, cfg ColumnFamilyConfig) *ColumnFamily {
	t.Helper()
	if err := db.CreateColumnFamily(name, cfg); err != nil {
		t.Fatalf("CreateColumnFamily(%s) failed: %v", name, err)
	}
	cf, err := db.GetColumnFamily(name)
	if err != nil {
		t.Fatalf("GetColumnFamily(%s) failed: %v", name, err)
	}
	return cf
}

func mustPut(t *testing.T, cf *ColumnFamily, key, value string) {
	t.Helper()
	if err := cf.Put([]byte(key), []byte(value), -1); err != nil {
		t.Fatalf("Put(%s) failed: %v", key, err)
	}
}

func expectValue(t *testing.T, cf *ColumnFamily, key, want string) {
	t.Helper()
	got, err := cf.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	if string(got) != want {
		t.Fatalf("Get(%s) = %q, want %q", key, got, want)
	}
}

func expectNotFound(t *testing.T, cf *ColumnFamily, key string) {
	t.Helper()
	if _, err := cf.Get([]byte(key)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(%s) error = %v, want ErrNotFound", key, err)
	}
}

func TestOpenCreatesIdentity(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	id := db.Identity()
	if id == "" {
		t.Fatal("Identity is empty")
	}
	if db.Path() != dir {
		t.Errorf("Path() = %q, want %q", db.Path(), dir)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openTestDB(t, dir)
	defer db.Close()
	if db.Identity() != id {
		t.Errorf("Identity after reopen = %q, want %q", db.Identity(), id)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	if _, err := Open(nil); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Open(nil) error = %v, want ErrInvalidArgs", err)
	}
	cfg := testConfig("")
	if _, err := Open(cfg); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Open with empty path error = %v, want ErrInvalidArgs", err)
	}
	cfg = testConfig(t.TempDir())
	cfg.NumFlushThreads = 0
	if _, err := Open(cfg); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Open with zero flush threads error = %v, want ErrInvalidArgs", err)
	}
}

func TestOpenLocked(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()

	_, err := Open(testConfig(dir))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open error = %v, want ErrLocked", err)
	}
	if CodeOf(err) != CodeLocked {
		t.Errorf("CodeOf = %v, want %v", CodeOf(err), CodeLocked)
	}
}

func TestCloseTwice(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("second Close error = %v, want ErrInvalidDB", err)
	}
	if _, err := db.Begin(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("Begin after Close error = %v, want ErrInvalidDB", err)
	}
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", DefaultColumnFamilyConfig())

	mustPut(t, cf, "user:1", "Alice")
	expectValue(t, cf, "user:1", "Alice")
	if err := cf.Delete([]byte("user:1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectNotFound(t, cf, "user:1")
}

func TestKeyValidation(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())

	if err := cf.Put(nil, []byte("v"), -1); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Put(empty key) error = %v, want ErrInvalidArgs", err)
	}
	if _, err := cf.Get(nil); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Get(empty key) error = %v, want ErrInvalidArgs", err)
	}
	big := make([]byte, MaxKeySize+1)
	if err := cf.Put(big, []byte("v"), -1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Put(oversized key) error = %v, want ErrTooLarge", err)
	}
	if err := cf.Put([]byte("k"), []byte("v"), -2); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Put(ttl -2) error = %v, want ErrInvalidArgs", err)
	}
}

func TestCreateColumnFamilyErrors(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	createTestCF(t, db, "cf", testCFConfig())

	tests := []struct {
		name string
		cf   string
		cfg  func() ColumnFamilyConfig
		want error
	}{
		{"duplicate", "cf", testCFConfig, ErrExists},
		{"empty name", "", testCFConfig, ErrInvalidArgs},
		{"path separator", "a/b", testCFConfig, ErrInvalidArgs},
		{"dot dot", "..", testCFConfig, ErrInvalidArgs},
		{"bad config", "other", func() ColumnFamilyConfig {
			c := testCFConfig()
			c.WriteBufferSize = 0
			return c
		}, ErrInvalidArgs},
		{"unknown comparator", "other", func() ColumnFamilyConfig {
			c := testCFConfig()
			c.ComparatorName = "nope"
			return c
		}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.CreateColumnFamily(tt.cf, tt.cfg())
			if !errors.Is(err, tt.want) {
				t.Errorf("CreateColumnFamily error = %v, want %v", err, tt.want)
			}
		})
	}
	if got := db.ListColumnFamilies(); len(got) != 1 || got[0] != "cf" {
		t.Errorf("ListColumnFamilies = %v, want [cf]", got)
	}
}

func TestReopenRecoversData(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	a := createTestCF(t, db, "a", testCFConfig())
	b := createTestCF(t, db, "b", testCFConfig())

	for i := range 200 {
		mustPut(t, a, fmt.Sprintf("key%04d", i), fmt.Sprintf("a%d", i))
	}
	if err := a.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	// Left in the memtable; recovered from the WAL.
	mustPut(t, a, "key0001", "updated")
	if err := a.Delete([]byte("key0002")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	mustPut(t, b, "only-b", "b")
	seq := a.LastSequence()
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openTestDB(t, dir)
	defer db.Close()
	if got := db.ListColumnFamilies(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ListColumnFamilies = %v, want [a b]", got)
	}
	a, _ = db.GetColumnFamily("a")
	b, _ = db.GetColumnFamily("b")
	if a.LastSequence() != seq {
		t.Errorf("LastSequence = %d, want %d", a.LastSequence(), seq)
	}
	expectValue(t, a, "key0000", "a0")
	expectValue(t, a, "key0001", "updated")
	expectNotFound(t, a, "key0002")
	expectValue(t, a, "key0199", "a199")
	expectValue(t, b, "only-b", "b")
	expectNotFound(t, b, "key0000")
}

func TestDropColumnFamily(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()
	cf := createTestCF(t, db, "cf", testCFConfig())
	mustPut(t, cf, "k", "v")

	if err := db.DropColumnFamily("cf"); err != nil {
		t.Fatalf("DropColumnFamily failed: %v", err)
	}
	if vfs.Default().Exists(filepath.Join(dir, "cf")) {
		t.Error("column family directory still exists after drop")
	}
	if _, err := db.GetColumnFamily("cf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetColumnFamily after drop error = %v, want ErrNotFound", err)
	}
	if _, err := cf.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on dropped handle error = %v, want ErrNotFound", err)
	}
	if err := db.DropColumnFamily("cf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second drop error = %v, want ErrNotFound", err)
	}

	// The name can be reused and starts empty.
	cf = createTestCF(t, db, "cf", testCFConfig())
	expectNotFound(t, cf, "k")
}

func TestRenameColumnFamily(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	old := createTestCF(t, db, "old", testCFConfig())
	createTestCF(t, db, "taken", testCFConfig())
	for i := range 50 {
		mustPut(t, old, fmt.Sprintf("k%02d", i), "v")
	}
	if err := old.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	mustPut(t, old, "mem", "resident")

	if err := db.RenameColumnFamily("old", "taken"); !errors.Is(err, ErrExists) {
		t.Errorf("rename onto existing error = %v, want ErrExists", err)
	}
	if err := db.RenameColumnFamily("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename missing error = %v, want ErrNotFound", err)
	}
	if err := db.RenameColumnFamily("old", "new"); err != nil {
		t.Fatalf("RenameColumnFamily failed: %v", err)
	}
	if old.Name() != "new" {
		t.Errorf("Name() = %q, want new", old.Name())
	}
	expectValue(t, old, "k10", "v")
	expectValue(t, old, "mem", "resident")
	mustPut(t, old, "after", "rename")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openTestDB(t, dir)
	defer db.Close()
	if _, err := db.GetColumnFamily("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetColumnFamily(old) error = %v, want ErrNotFound", err)
	}
	cf, err := db.GetColumnFamily("new")
	if err != nil {
		t.Fatalf("GetColumnFamily(new) failed: %v", err)
	}
	expectValue(t, cf, "k49", "v")
	expectValue(t, cf, "mem", "resident")
	expectValue(t, cf, "after", "rename")
}

func TestCloneColumnFamilyIsIndependent(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	src := createTestCF(t, db, "src", testCFConfig())
	for i := range 100 {
		mustPut(t, src, fmt.Sprintf("k%03d", i), "orig")
	}
	if err := db.CloneColumnFamily("src", "dst"); err != nil {
		t.Fatalf("CloneColumnFamily failed: %v", err)
	}
	if err := db.CloneColumnFamily("src", "dst"); !errors.Is(err, ErrExists) {
		t.Errorf("clone onto existing error = %v, want ErrExists", err)
	}
	dst, err := db.GetColumnFamily("dst")
	if err != nil {
		t.Fatalf("GetColumnFamily(dst) failed: %v", err)
	}
	expectValue(t, dst, "k050", "orig")

	mustPut(t, src, "k050", "src-only")
	mustPut(t, dst, "k051", "dst-only")
	expectValue(t, dst, "k050", "orig")
	expectValue(t, src, "k051", "orig")

	if err := db.DropColumnFamily("src"); err != nil {
		t.Fatalf("DropColumnFamily failed: %v", err)
	}
	if err := dst.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	expectValue(t, dst, "k000", "orig")
	expectValue(t, dst, "k051", "dst-only")
}

func TestCustomComparatorReopen(t *testing.T) {
	dir := t.TempDir()
	byLen := ComparatorFunc("by_length", func(a, b []byte) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		return bytes.Compare(a, b)
	})
	cfg := testConfig(dir)
	cfg.Comparators = map[string]Comparator{"by_length": byLen}
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cfCfg := testCFConfig()
	cfCfg.ComparatorName = "by_length"
	cf := createTestCF(t, db, "cf", cfCfg)
	for _, k := range []string{"ccc", "a", "bb"} {
		mustPut(t, cf, k, k)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Without the comparator the column family cannot be recovered.
	if _, err := Open(testConfig(dir)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open without comparator error = %v, want ErrNotFound", err)
	}

	db, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	cf, _ = db.GetColumnFamily("cf")
	it, err := cf.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	defer it.Close()
	var got []string
	for err := it.SeekToFirst(); it.Valid(); err = it.Next() {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		k, _ := it.Key()
		got = append(got, string(k))
	}
	if fmt.Sprint(got) != "[a bb ccc]" {
		t.Errorf("keys = %v, want [a bb ccc]", got)
	}
}

func TestBuiltinInt64Comparator(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	cfg := testCFConfig()
	cfg.ComparatorName = "int64"
	cf := createTestCF(t, db, "nums", cfg)

	key := func(n int64) []byte {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		return b[:]
	}
	for _, n := range []int64{300, -5, 70000, 2} {
		if err := cf.Put(key(n), []byte(fmt.Sprint(n)), -1); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	it, err := cf.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	defer it.Close()
	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		v, _ := it.Value()
		got = append(got, string(v))
	}
	if fmt.Sprint(got) != "[-5 2 300 70000]" {
		t.Errorf("values = %v, want [-5 2 300 70000]", got)
	}
	if v, err := cf.Get(key(-5)); err != nil || string(v) != "-5" {
		t.Errorf("Get(-5) = %q, %v", v, err)
	}
}

func TestLongKeysAfterFlush(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	// Keys longer than BlockIndexPrefixLen that share the indexed prefix.
	cf := createTestCF(t, db, "cf", testCFConfig())
	const n = 2000
	key := func(i int) string { return fmt.Sprintf("user:profile:%010d", i) }
	for i := range n {
		mustPut(t, cf, key(i), fmt.Sprintf("v%d", i))
	}
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable failed: %v", err)
	}
	for i := range n {
		expectValue(t, cf, key(i), fmt.Sprintf("v%d", i))
	}

	it, err := cf.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	defer it.Close()
	for i := 0; i < n; i += 17 {
		if err := it.Seek([]byte(key(i))); err != nil {
			t.Fatalf("Seek failed: %v", err)
		}
		if k, _ := it.Key(); string(k) != key(i) {
			t.Fatalf("Seek(%s) landed on %q", key(i), k)
		}
		if err := it.SeekForPrev([]byte(key(i) + "~")); err != nil {
			t.Fatalf("SeekForPrev failed: %v", err)
		}
		if k, _ := it.Key(); string(k) != key(i) {
			t.Fatalf("SeekForPrev(%s~) landed on %q", key(i), k)
		}
	}
}
