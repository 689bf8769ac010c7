package tidekv

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigINIRoundTrip(t *testing.T) {
	cfg := DefaultColumnFamilyConfig()
	cfg.WriteBufferSize = 4 << 20
	cfg.Compression = CompressionZSTD
	cfg.BloomFPR = 0.005
	cfg.SyncMode = SyncFull
	cfg.ComparatorName = "reverse"
	cfg.SkipListProbability = 0.5
	cfg.DefaultIsolationLevel = Serializable
	cfg.UseBTree = true
	cfg.MemtableType = MemtableHash

	path := filepath.Join(t.TempDir(), "config.ini")
	if err := SaveConfigToINI(path, "users", cfg); err != nil {
		t.Fatalf("SaveConfigToINI failed: %v", err)
	}
	got, err := LoadConfigFromINI(path, "users")
	if err != nil {
		t.Fatalf("LoadConfigFromINI failed: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestDecodeINI(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		section string
		want    error
		check   func(*testing.T, ColumnFamilyConfig)
	}{
		{
			name:    "unknown keys ignored",
			input:   "[cf]\nmystery = 1\nwrite_buffer_size = 1024\n",
			section: "cf",
			check: func(t *testing.T, c ColumnFamilyConfig) {
				if c.WriteBufferSize != 1024 {
					t.Errorf("WriteBufferSize = %d, want 1024", c.WriteBufferSize)
				}
				if c.LevelSizeRatio != DefaultColumnFamilyConfig().LevelSizeRatio {
					t.Errorf("LevelSizeRatio = %d, want default", c.LevelSizeRatio)
				}
			},
		},
		{
			name:    "other sections skipped",
			input:   "[a]\nblock_size = 1\n\n; comment\n[b]\nblock_size = 2\n",
			section: "b",
			check: func(t *testing.T, c ColumnFamilyConfig) {
				if c.BlockSize != 2 {
					t.Errorf("BlockSize = %d, want 2", c.BlockSize)
				}
			},
		},
		{name: "missing section", input: "[a]\nblock_size = 1\n", section: "b", want: ErrNotFound},
		{name: "malformed number", input: "[cf]\nwrite_buffer_size = lots\n", section: "cf", want: ErrInvalidArgs},
		{name: "malformed enum", input: "[cf]\ncompression = gzip\n", section: "cf", want: ErrInvalidArgs},
		{name: "missing equals", input: "[cf]\nwrite_buffer_size\n", section: "cf", want: ErrInvalidArgs},
		{name: "unterminated header", input: "[cf\n", section: "cf", want: ErrInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeINI([]byte(tt.input), tt.section)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("DecodeINI error = %v, want %v", err, tt.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeINI failed: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestLoadConfigFromINIMissingFile(t *testing.T) {
	_, err := LoadConfigFromINI(filepath.Join(t.TempDir(), "absent.ini"), "cf")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadConfigFromINI error = %v, want ErrNotFound", err)
	}
}

func TestColumnFamilyConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ColumnFamilyConfig)
	}{
		{"zero write buffer", func(c *ColumnFamilyConfig) { c.WriteBufferSize = 0 }},
		{"size ratio", func(c *ColumnFamilyConfig) { c.LevelSizeRatio = 1 }},
		{"bloom fpr high", func(c *ColumnFamilyConfig) { c.BloomFPR = 1 }},
		{"bloom fpr zero", func(c *ColumnFamilyConfig) { c.BloomFPR = 0 }},
		{"interval without period", func(c *ColumnFamilyConfig) {
			c.SyncMode = SyncInterval
			c.SyncIntervalUs = 0
		}},
		{"skip list level", func(c *ColumnFamilyConfig) { c.SkipListMaxLevel = 0 }},
		{"skip list probability", func(c *ColumnFamilyConfig) { c.SkipListProbability = 1.5 }},
		{"comparator", func(c *ColumnFamilyConfig) { c.ComparatorName = "" }},
		{"isolation", func(c *ColumnFamilyConfig) { c.DefaultIsolationLevel = 9 }},
		{"stall threshold", func(c *ColumnFamilyConfig) { c.L0QueueStallThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultColumnFamilyConfig()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidArgs) {
				t.Errorf("Validate error = %v, want ErrInvalidArgs", err)
			}
		})
	}
	c := DefaultColumnFamilyConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDecodeYAML(t *testing.T) {
	doc := `
engine:
  db_path: /tmp/tide
  num_flush_threads: 3
  log_level: debug
column_families:
  users:
    write_buffer_size: 1048576
    compression: zstd
    sync_mode: full
    memtable_type: hash
`
	cfg, cfs, err := DecodeYAML([]byte(doc))
	if err != nil {
		t.Fatalf("DecodeYAML failed: %v", err)
	}
	if cfg.DBPath != "/tmp/tide" || cfg.NumFlushThreads != 3 || cfg.LogLevel != LogDebug {
		t.Errorf("engine config = %+v", cfg)
	}
	if cfg.NumCompactionThreads != DefaultConfig("").NumCompactionThreads {
		t.Errorf("NumCompactionThreads = %d, want default", cfg.NumCompactionThreads)
	}
	users, ok := cfs["users"]
	if !ok {
		t.Fatal("users column family missing")
	}
	if users.WriteBufferSize != 1<<20 || users.Compression != CompressionZSTD ||
		users.SyncMode != SyncFull || users.MemtableType != MemtableHash {
		t.Errorf("users config = %+v", users)
	}
	if users.LevelSizeRatio != DefaultColumnFamilyConfig().LevelSizeRatio {
		t.Errorf("LevelSizeRatio = %d, want default", users.LevelSizeRatio)
	}

	if _, _, err := DecodeYAML([]byte("column_families:\n  bad:\n    compression: gzip\n")); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("bad enum error = %v, want ErrInvalidArgs", err)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig("/data")
	cfg.LogLevel = LogError
	cf := DefaultColumnFamilyConfig()
	cf.Compression = CompressionSnappy
	out, err := EncodeYAML(cfg, map[string]ColumnFamilyConfig{"events": cf})
	if err != nil {
		t.Fatalf("EncodeYAML failed: %v", err)
	}
	if !strings.Contains(string(out), "events:") {
		t.Fatalf("EncodeYAML output lacks column family:\n%s", out)
	}
	path := filepath.Join(t.TempDir(), "tide.yaml")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
	gotCfg, gotCFs, err := LoadConfigYAML(path)
	if err != nil {
		t.Fatalf("LoadConfigYAML failed: %v", err)
	}
	if gotCfg.DBPath != "/data" || gotCfg.LogLevel != LogError {
		t.Errorf("engine config = %+v", gotCfg)
	}
	if gotCFs["events"] != cf {
		t.Errorf("events config = %+v, want %+v", gotCFs["events"], cf)
	}
}

func TestUpdateRuntimeConfig(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	cf := createTestCF(t, db, "cf", testCFConfig())

	next := cf.Config()
	next.WriteBufferSize = 1 << 20
	next.SyncMode = SyncInterval
	next.SyncIntervalUs = 1000
	next.BloomFPR = 0.02
	if err := cf.UpdateRuntimeConfig(next, true); err != nil {
		t.Fatalf("UpdateRuntimeConfig failed: %v", err)
	}
	if got := cf.Config(); got != next {
		t.Errorf("Config = %+v, want %+v", got, next)
	}

	fixed := next
	fixed.Compression = CompressionNone
	if err := cf.UpdateRuntimeConfig(fixed, false); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("changing compression error = %v, want ErrInvalidArgs", err)
	}
	mustPut(t, cf, "k", "v")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	onDisk, err := LoadConfigFromINI(filepath.Join(dir, "cf", ConfigFileName), "cf")
	if err != nil {
		t.Fatalf("LoadConfigFromINI failed: %v", err)
	}
	if onDisk != next {
		t.Errorf("persisted config = %+v, want %+v", onDisk, next)
	}
}
