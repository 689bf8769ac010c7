package tidekv

// checkpoint.go implements checkpoints, backups and column family export.
//
// A checkpoint is a point-in-time copy of the engine directory that opens
// as an independent database. Every column family is flushed first, so the
// copy needs only tables, config.ini and a MANIFEST describing the tables.
// Tables are hard-linked where the filesystem allows it; a backup copies
// every byte instead.
//
// The exported version stays pinned while its tables are linked, so a
// concurrent compaction cannot delete them midway.

import (
	"path/filepath"
	"time"

	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/vfs"
	"github.com/google/uuid"
)

// Checkpoint writes a consistent copy of every column family into dir,
// hard-linking tables when possible. dir must be missing or empty.
func (db *DB) Checkpoint(dir string) error {
	return db.snapshotTo("checkpoint", dir, false)
}

// Backup is like Checkpoint but copies every file, so the result shares no
// inode with the source.
func (db *DB) Backup(dir string) error {
	return db.snapshotTo("backup", dir, true)
}

func (db *DB) snapshotTo(op, dir string, copyAll bool) error {
	if err := db.checkOpen(op); err != nil {
		return err
	}
	if dir == "" {
		return errorf(CodeInvalidArgs, op, "directory is required")
	}
	if db.fs.Exists(dir) {
		empty, err := vfs.IsEmptyDir(db.fs, dir)
		if err != nil {
			return newError(CodeIO, op, err)
		}
		if !empty {
			return errorf(CodeExists, op, "directory "+dir+" is not empty")
		}
	}
	ns := logging.NSCheckpoint
	if copyAll {
		ns = logging.NSBackup
	}
	start := time.Now()

	// Create, drop and rename wait until the copy is complete.
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return newError(CodeIO, op, err)
	}
	var tables, linked int
	err := db.forEachCF(func(cf *ColumnFamily) error {
		if err := cf.FlushMemtable(); err != nil {
			return err
		}
		n, err := cf.exportTo(filepath.Join(dir, cf.Name()), cf.Name(), copyAll)
		tables += cf.numTables()
		linked += n
		return err
	})
	if err == nil {
		err = vfs.WriteFileAtomic(db.fs, filepath.Join(dir, identityFileName), []byte(uuid.NewString()+"\n"))
	}
	if err == nil {
		err = db.fs.SyncDir(dir)
	}
	if err != nil {
		db.logger.Errorf("%s%s to %s failed: %v", ns, op, dir, err)
		_ = db.fs.RemoveAll(dir)
		return wrapErr(op, err)
	}
	db.logger.Infof("%s%s to %s: %d tables (%d linked) in %v",
		ns, op, dir, tables, linked, time.Since(start).Round(time.Millisecond))
	return nil
}

func (cf *ColumnFamily) numTables() int {
	v := cf.vs.Current()
	defer v.Unref()
	return v.TotalFiles()
}

// exportTo writes the tables of the current version, a MANIFEST and a
// config.ini naming the column family name into dir. Tables are linked
// unless copyAll is set. It returns how many tables were linked.
func (cf *ColumnFamily) exportTo(dir, name string, copyAll bool) (int, error) {
	fs := cf.db.fs
	v := cf.vs.Current()
	defer v.Unref()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	src := cf.Dir()
	linked := 0
	var err error
	v.AllFiles(func(f *manifest.FileMeta) {
		if err != nil {
			return
		}
		fn := table.FileName(f.Level, f.ID)
		from, to := filepath.Join(src, fn), filepath.Join(dir, fn)
		if copyAll {
			err = vfs.CopyFile(fs, from, to)
			return
		}
		var ok bool
		ok, err = vfs.LinkOrCopy(fs, from, to)
		if ok {
			linked++
		}
	})
	if err != nil {
		return linked, err
	}
	if err := saveConfigINI(fs, filepath.Join(dir, ConfigFileName), name, cf.Config()); err != nil {
		return linked, err
	}
	if err := cf.vs.WriteManifest(fs, dir, v); err != nil {
		return linked, err
	}
	return linked, fs.SyncDir(dir)
}
