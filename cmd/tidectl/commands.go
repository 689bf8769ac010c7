package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/aalhour/tidekv"
	"github.com/aalhour/tidekv/internal/logging"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "tidectl",
		Usage: "inspect and modify a TideKV database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "database directory",
				Sources: cli.EnvVars("TIDEKV_DB"),
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML file with engine and column family settings",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "none, fatal, error, warn, info or debug",
				Value: "warn",
			},
			&cli.BoolFlag{
				Name:  "hex",
				Usage: "print keys and values in hex",
			},
		},
		Commands: []*cli.Command{
			cfCommand(),
			putCommand(),
			getCommand(),
			deleteCommand(),
			scanCommand(),
			{
				Name:      "flush",
				Usage:     "flush the memtables of a column family",
				ArgsUsage: "<cf>",
				Action: withCF(1, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
					return cf.FlushMemtable()
				}),
			},
			{
				Name:      "compact",
				Usage:     "compact a column family into a single level",
				ArgsUsage: "<cf>",
				Action: withCF(1, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
					start := time.Now()
					if err := cf.Compact(); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "compacted %s in %v\n", cf.Name(), time.Since(start).Round(time.Millisecond))
					return nil
				}),
			},
			statsCommand(),
			{
				Name:  "cache-stats",
				Usage: "print block cache statistics",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					printCacheStats(cmd.Root().Writer, db.GetCacheStats())
					return nil
				}),
			},
			{
				Name:      "range-cost",
				Usage:     "estimate the cost of reading a key range",
				ArgsUsage: "<cf> <a> <b>",
				Action: withCF(3, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
					cost, err := cf.RangeCost([]byte(cmd.Args().Get(1)), []byte(cmd.Args().Get(2)))
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "%.0f\n", cost)
					return nil
				}),
			},
			{
				Name:      "checkpoint",
				Usage:     "write a checkpoint sharing table files with the database",
				ArgsUsage: "<dir>",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					dir, err := arg(cmd, 0, "dir")
					if err != nil {
						return err
					}
					return db.Checkpoint(dir)
				}),
			},
			{
				Name:      "backup",
				Usage:     "write a self-contained copy of the database",
				ArgsUsage: "<dir>",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					dir, err := arg(cmd, 0, "dir")
					if err != nil {
						return err
					}
					return db.Backup(dir)
				}),
			},
			serveCommand(),
		},
	}
}

// openDB opens the database named by the global flags. Column family
// settings from --config are returned for cf create.
func openDB(cmd *cli.Command) (*tidekv.DB, map[string]tidekv.ColumnFamilyConfig, error) {
	cfg := tidekv.DefaultConfig("")
	var cfs map[string]tidekv.ColumnFamilyConfig
	configPath := cmd.String("config")
	if configPath != "" {
		var err error
		cfg, cfs, err = tidekv.LoadConfigYAML(configPath)
		if err != nil {
			return nil, nil, err
		}
	}
	if path := cmd.String("db"); path != "" {
		cfg.DBPath = path
	}
	if cfg.DBPath == "" {
		return nil, nil, errors.New("--db is required")
	}
	if configPath == "" || cmd.IsSet("log-level") {
		level, err := logging.ParseLevel(cmd.String("log-level"))
		if err != nil {
			return nil, nil, err
		}
		cfg.LogLevel = level
	}
	db, err := tidekv.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, cfs, nil
}

type dbAction func(ctx context.Context, cmd *cli.Command, db *tidekv.DB) error

type cfAction func(ctx context.Context, cmd *cli.Command, db *tidekv.DB, cf *tidekv.ColumnFamily) error

// withDB opens the database around fn.
func withDB(fn dbAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) (err error) {
		db, _, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := db.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(ctx, cmd, db)
	}
}

// withCF opens the database and the column family named by the first
// argument, requiring at least nargs arguments.
func withCF(nargs int, fn cfAction) cli.ActionFunc {
	return withDB(func(ctx context.Context, cmd *cli.Command, db *tidekv.DB) error {
		if cmd.NArg() < nargs {
			return fmt.Errorf("%s: expected %d arguments: %s", cmd.Name, nargs, cmd.ArgsUsage)
		}
		cf, err := db.GetColumnFamily(cmd.Args().First())
		if err != nil {
			return err
		}
		return fn(ctx, cmd, db, cf)
	})
}

func arg(cmd *cli.Command, i int, name string) (string, error) {
	if cmd.NArg() <= i {
		return "", fmt.Errorf("%s: missing <%s>", cmd.Name, name)
	}
	return cmd.Args().Get(i), nil
}

func format(cmd *cli.Command, b []byte) string {
	if cmd.Bool("hex") {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func cfCommand() *cli.Command {
	return &cli.Command{
		Name:  "cf",
		Usage: "manage column families",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list column families",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					for _, name := range db.ListColumnFamilies() {
						fmt.Fprintln(cmd.Root().Writer, name)
					}
					return nil
				}),
			},
			{
				Name:      "create",
				Usage:     "create a column family",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "cf-config",
						Usage: "INI or YAML file with the column family settings",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) (err error) {
					name, err := arg(cmd, 0, "name")
					if err != nil {
						return err
					}
					db, cfs, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer func() {
						if cerr := db.Close(); err == nil {
							err = cerr
						}
					}()
					cfg, ok := cfs[name]
					if !ok {
						cfg = tidekv.DefaultColumnFamilyConfig()
					}
					if path := cmd.String("cf-config"); path != "" {
						if cfg, err = loadCFConfig(path, name); err != nil {
							return err
						}
					}
					return db.CreateColumnFamily(name, cfg)
				},
			},
			{
				Name:      "drop",
				Usage:     "drop a column family and delete its files",
				ArgsUsage: "<name>",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					name, err := arg(cmd, 0, "name")
					if err != nil {
						return err
					}
					return db.DropColumnFamily(name)
				}),
			},
			{
				Name:      "rename",
				Usage:     "rename a column family",
				ArgsUsage: "<old> <new>",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					if cmd.NArg() != 2 {
						return errors.New("rename: expected <old> <new>")
					}
					return db.RenameColumnFamily(cmd.Args().Get(0), cmd.Args().Get(1))
				}),
			},
			{
				Name:      "clone",
				Usage:     "copy a column family under a new name",
				ArgsUsage: "<src> <dst>",
				Action: withDB(func(_ context.Context, cmd *cli.Command, db *tidekv.DB) error {
					if cmd.NArg() != 2 {
						return errors.New("clone: expected <src> <dst>")
					}
					return db.CloneColumnFamily(cmd.Args().Get(0), cmd.Args().Get(1))
				}),
			},
		},
	}
}

// loadCFConfig reads the settings of column family name from an INI or
// YAML file.
func loadCFConfig(path, name string) (tidekv.ColumnFamilyConfig, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		_, cfs, err := tidekv.LoadConfigYAML(path)
		if err != nil {
			return tidekv.ColumnFamilyConfig{}, err
		}
		cfg, ok := cfs[name]
		if !ok {
			return tidekv.ColumnFamilyConfig{}, fmt.Errorf("%s: no settings for column family %q", path, name)
		}
		return cfg, nil
	default:
		return tidekv.LoadConfigFromINI(path, name)
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a key",
		ArgsUsage: "<cf> <key> <value>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "expire the key after this long (0 = never)",
			},
		},
		Action: withCF(3, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
			ttl := int64(-1)
			if d := cmd.Duration("ttl"); d > 0 {
				ttl = time.Now().Add(d).Unix()
			}
			return cf.Put([]byte(cmd.Args().Get(1)), []byte(cmd.Args().Get(2)), ttl)
		}),
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print the value of a key",
		ArgsUsage: "<cf> <key>",
		Action: withCF(2, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
			v, err := cf.Get([]byte(cmd.Args().Get(1)))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, format(cmd, v))
			return nil
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a key",
		ArgsUsage: "<cf> <key>",
		Action: withCF(2, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
			return cf.Delete([]byte(cmd.Args().Get(1)))
		}),
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "print keys in order",
		ArgsUsage: "<cf>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "first key (inclusive)"},
			&cli.StringFlag{Name: "to", Usage: "last key (exclusive)"},
			&cli.IntFlag{Name: "limit", Usage: "stop after this many keys (0 = unlimited)"},
			&cli.BoolFlag{Name: "reverse", Usage: "scan from the end"},
		},
		Action: withCF(1, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
			return scan(cmd, cf)
		}),
	}
}

func scan(cmd *cli.Command, cf *tidekv.ColumnFamily) (err error) {
	it, err := cf.NewIterator()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()

	cmp := cf.Comparator()
	from, to := []byte(cmd.String("from")), []byte(cmd.String("to"))
	reverse := cmd.Bool("reverse")
	inRange := func(k []byte) bool {
		if reverse {
			return len(from) == 0 || cmp.Compare(k, from) >= 0
		}
		return len(to) == 0 || cmp.Compare(k, to) < 0
	}

	switch {
	case reverse && len(to) > 0:
		err = it.SeekForPrev(to)
		if err == nil && it.Valid() {
			var k []byte
			if k, err = it.Key(); err == nil && cmp.Compare(k, to) == 0 {
				err = it.Prev()
			}
		}
	case reverse:
		err = it.SeekToLast()
	case len(from) > 0:
		err = it.Seek(from)
	default:
		err = it.SeekToFirst()
	}
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	limit := cmd.Int("limit")
	for n := 0; it.Valid() && (limit <= 0 || n < limit); n++ {
		k, err := it.Key()
		if err != nil {
			return err
		}
		if !inRange(k) {
			break
		}
		v, err := it.Value()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s => %s\n", format(cmd, k), format(cmd, v))
		if reverse {
			err = it.Prev()
		} else {
			err = it.Next()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "print column family statistics",
		ArgsUsage: "<cf>",
		Action: withCF(1, func(_ context.Context, cmd *cli.Command, _ *tidekv.DB, cf *tidekv.ColumnFamily) error {
			st, err := cf.Stats()
			if err != nil {
				return err
			}
			printStats(cmd.Root().Writer, st)
			return nil
		}),
	}
}

func printStats(w io.Writer, st *tidekv.Stats) {
	fmt.Fprintf(w, "Column family: %s\n", st.Name)
	fmt.Fprintf(w, "Comparator: %s\n", st.Config.ComparatorName)
	fmt.Fprintf(w, "Compression: %s\n", st.Config.Compression)
	fmt.Fprintf(w, "Memtable: %d entries, %d bytes, %d immutable\n",
		st.MemtableEntries, st.MemtableSize, st.ImmutableMemtables)
	fmt.Fprintf(w, "Levels: %d\n", st.NumLevels)
	for level := range st.NumLevels {
		if st.LevelNumSSTables[level] == 0 {
			continue
		}
		fmt.Fprintf(w, "  L%d: %d tables, %d keys, %d bytes\n",
			level, st.LevelNumSSTables[level], st.LevelKeyCounts[level], st.LevelSizes[level])
	}
	fmt.Fprintf(w, "Total keys: %d\n", st.TotalKeys)
	fmt.Fprintf(w, "Total data size: %d\n", st.TotalDataSize)
	fmt.Fprintf(w, "Avg key size: %.1f\n", st.AvgKeySize)
	fmt.Fprintf(w, "Avg value size: %.1f\n", st.AvgValueSize)
	fmt.Fprintf(w, "Read amplification: %d\n", st.ReadAmp)
	fmt.Fprintf(w, "Cache hit rate: %.3f\n", st.HitRate)
	fmt.Fprintf(w, "Write stalls: %d\n", st.WriteStalls)
	if st.UseBTree {
		fmt.Fprintf(w, "Block index: %d nodes, max height %d, avg height %.2f\n",
			st.BTreeTotalNodes, st.BTreeMaxHeight, st.BTreeAvgHeight)
	}
}

func printCacheStats(w io.Writer, cs tidekv.CacheStats) {
	if !cs.Enabled {
		fmt.Fprintln(w, "Block cache: disabled")
		return
	}
	rows := map[string]string{
		"Entries":    fmt.Sprint(cs.TotalEntries),
		"Bytes":      fmt.Sprintf("%d / %d", cs.TotalBytes, cs.Capacity),
		"Hits":       fmt.Sprint(cs.Hits),
		"Misses":     fmt.Sprint(cs.Misses),
		"Hit rate":   fmt.Sprintf("%.3f", cs.HitRate),
		"Partitions": fmt.Sprint(cs.NumPartitions),
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, rows[k])
	}
}
