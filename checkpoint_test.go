package tidekv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func fillCF(t *testing.T, cf *ColumnFamily, n int, value string) {
	t.Helper()
	for i := range n {
		mustPut(t, cf, fmt.Sprintf("key%05d", i), value)
	}
}

func TestCheckpoint(t *testing.T) {
	for _, backup := range []bool{false, true} {
		name := "checkpoint"
		if backup {
			name = "backup"
		}
		t.Run(name, func(t *testing.T) {
			src := t.TempDir()
			db := openTestDB(t, src)
			a := createTestCF(t, db, "a", testCFConfig())
			b := createTestCF(t, db, "b", testCFConfig())
			fillCF(t, a, 500, "a")
			if err := a.FlushMemtable(); err != nil {
				t.Fatalf("FlushMemtable failed: %v", err)
			}
			fillCF(t, a, 50, "a2")
			fillCF(t, b, 10, "b")

			dst := filepath.Join(t.TempDir(), "copy")
			var err error
			if backup {
				err = db.Backup(dst)
			} else {
				err = db.Checkpoint(dst)
			}
			if err != nil {
				t.Fatalf("%s failed: %v", name, err)
			}
			// Later writes to the source do not reach the copy.
			mustPut(t, a, "key00000", "after")
			mustPut(t, b, "new", "after")
			srcID := db.Identity()
			if err := db.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			cp := openTestDB(t, dst)
			defer cp.Close()
			if cp.Identity() == srcID {
				t.Error("copy shares the source identity")
			}
			ca, err := cp.GetColumnFamily("a")
			if err != nil {
				t.Fatalf("GetColumnFamily(a) failed: %v", err)
			}
			cb, err := cp.GetColumnFamily("b")
			if err != nil {
				t.Fatalf("GetColumnFamily(b) failed: %v", err)
			}
			expectValue(t, ca, "key00000", "a2")
			expectValue(t, ca, "key00499", "a")
			expectValue(t, cb, "key00009", "b")
			expectNotFound(t, cb, "new")

			// The copy is writable and compacts on its own.
			mustPut(t, ca, "copy-only", "x")
			if err := ca.Compact(); err != nil {
				t.Fatalf("Compact on copy failed: %v", err)
			}
			expectValue(t, ca, "copy-only", "x")
			expectValue(t, ca, "key00100", "a")
		})
	}
}

func TestCheckpointTargetMustBeEmpty(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	createTestCF(t, db, "cf", testCFConfig())

	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(dst, "junk"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := db.Checkpoint(dst); !errors.Is(err, ErrExists) {
		t.Errorf("Checkpoint into non-empty dir error = %v, want ErrExists", err)
	}
	if err := db.Backup(dst); !errors.Is(err, ErrExists) {
		t.Errorf("Backup into non-empty dir error = %v, want ErrExists", err)
	}

	// An existing empty directory is accepted.
	if err := db.Checkpoint(t.TempDir()); err != nil {
		t.Errorf("Checkpoint into empty dir failed: %v", err)
	}
}

func TestBackupSurvivesSourceRemoval(t *testing.T) {
	src := t.TempDir()
	db := openTestDB(t, src)
	cf := createTestCF(t, db, "cf", testCFConfig())
	fillCF(t, cf, 300, "v")
	dst := filepath.Join(t.TempDir(), "backup")
	if err := db.Backup(dst); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := os.RemoveAll(src); err != nil {
		t.Fatal(err)
	}

	cp := openTestDB(t, dst)
	defer cp.Close()
	c, err := cp.GetColumnFamily("cf")
	if err != nil {
		t.Fatalf("GetColumnFamily failed: %v", err)
	}
	expectValue(t, c, "key00299", "v")
}
