package flush

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/memtable"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/vfs"
)

func TestJob_WritesLevel0Table(t *testing.T) {
	for _, typ := range []memtable.Type{memtable.TypeSkipList, memtable.TypeHash} {
		t.Run(typ.String(), func(t *testing.T) {
			dir := t.TempDir()
			mem := memtable.New(7, dbformat.Bytewise, memtable.Options{Type: typ, MaxLevel: 12, Probability: 0.25})
			for i := 0; i < 100; i++ {
				mem.Add(dbformat.SequenceNumber(i+1), dbformat.TypeValue, []byte(fmt.Sprintf("k%03d", i)), []byte("v"), dbformat.NoTTL)
			}
			mem.Add(101, dbformat.TypeDeletion, []byte("k000"), nil, dbformat.NoTTL)

			opts := Options{FS: vfs.Default(), Dir: dir, Builder: table.BuilderOptions{EnableBloom: true, EnableIndex: true}, Logger: logging.Discard}
			meta, err := NewJob(mem, 42, opts).Run()
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if meta.ID != 42 || meta.Level != 0 {
				t.Fatalf("meta = %s", meta)
			}
			if meta.NumEntries != 101 || meta.NumDeletions != 1 || meta.MinSeq != 1 || meta.MaxSeq != 101 {
				t.Fatalf("meta counts = %+v", meta)
			}
			if got := string(dbformat.ExtractUserKey(meta.Smallest)); got != "k000" {
				t.Fatalf("smallest = %q", got)
			}
			if got := string(dbformat.ExtractUserKey(meta.Largest)); got != "k099" {
				t.Fatalf("largest = %q", got)
			}

			path := filepath.Join(dir, table.FileName(0, 42))
			f, err := vfs.Default().OpenRandomAccess(path)
			if err != nil {
				t.Fatal(err)
			}
			r, err := table.Open(f, table.ReaderOptions{FileID: 42})
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = r.Close() }()
			_, kind, found, err := r.Get([]byte("k000"), dbformat.MaxSequenceNumber)
			if err != nil || !found || kind != dbformat.TypeDeletion {
				t.Fatalf("Get(k000) = %v %v %v", kind, found, err)
			}
			v, kind, found, err := r.Get([]byte("k050"), dbformat.MaxSequenceNumber)
			if err != nil || !found || kind != dbformat.TypeValue {
				t.Fatalf("Get(k050) = %v %v %v", kind, found, err)
			}
			if _, payload, _ := dbformat.DecodeValue(v); string(payload) != "v" {
				t.Fatalf("Get(k050) payload = %q", payload)
			}

			names, _ := vfs.Default().ListDir(dir)
			for _, n := range names {
				if strings.HasSuffix(n, ".tmp") {
					t.Fatalf("temporary file %s left behind", n)
				}
			}
		})
	}
}

func TestJob_EmptyMemtable(t *testing.T) {
	mem := memtable.New(1, dbformat.Bytewise, memtable.Options{})
	_, err := NewJob(mem, 1, Options{FS: vfs.Default(), Dir: t.TempDir(), Logger: logging.Discard}).Run()
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("Run = %v, want ErrNoOutput", err)
	}
}

func TestJob_WriteFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	ffs.FailWrites(func(string) bool { return true })
	mem := memtable.New(1, dbformat.Bytewise, memtable.Options{})
	mem.Add(1, dbformat.TypeValue, []byte("a"), []byte("b"), dbformat.NoTTL)

	_, err := NewJob(mem, 3, Options{FS: ffs, Dir: dir, Logger: logging.Discard}).Run()
	if !errors.Is(err, vfs.ErrInjected) {
		t.Fatalf("Run = %v, want injected fault", err)
	}
	names, _ := vfs.Default().ListDir(dir)
	if len(names) != 0 {
		t.Fatalf("files left behind: %v", names)
	}
}

func TestJob_InsufficientDiskSpace(t *testing.T) {
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	ffs.SetFreeSpace(1)
	mem := memtable.New(1, dbformat.Bytewise, memtable.Options{})
	mem.Add(1, dbformat.TypeValue, []byte("a"), []byte("b"), dbformat.NoTTL)

	_, err := NewJob(mem, 3, Options{FS: ffs, Dir: t.TempDir(), MinDiskSpace: 1024, Logger: logging.Discard}).Run()
	if !errors.Is(err, vfs.ErrNoSpace) {
		t.Fatalf("Run = %v, want ErrNoSpace", err)
	}
}
