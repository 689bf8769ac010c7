package tidekv

// config.go defines the engine and column family configuration.

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/tidekv/internal/compression"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/memtable"
	"github.com/aalhour/tidekv/internal/vfs"
	"github.com/aalhour/tidekv/internal/wal"
)

// Logger is the logging interface used by the engine.
type Logger = logging.Logger

// LogLevel is the engine log threshold.
type LogLevel = logging.Level

// Log levels.
const (
	LogNone  = logging.LevelNone
	LogFatal = logging.LevelFatal
	LogError = logging.LevelError
	LogWarn  = logging.LevelWarn
	LogInfo  = logging.LevelInfo
	LogDebug = logging.LevelDebug
)

// Config configures an engine handle.
type Config struct {
	// DBPath is the root directory. Required.
	DBPath string `yaml:"db_path"`

	NumFlushThreads      int `yaml:"num_flush_threads"`
	NumCompactionThreads int `yaml:"num_compaction_threads"`

	LogLevel LogLevel `yaml:"-"`

	// BlockCacheSize is the shared block cache budget in bytes. Zero
	// disables the cache.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// MaxOpenSSTables caps the open table readers per column family.
	MaxOpenSSTables int `yaml:"max_open_sstables"`

	// LogToFile writes the engine log to <DBPath>/LOG.
	LogToFile bool `yaml:"log_to_file"`
	// LogTruncationAt truncates LOG when it grows past this size. Zero
	// disables truncation.
	LogTruncationAt int64 `yaml:"log_truncation_at"`

	// MaxMemtableMemory caps the memory held by all memtables, active and
	// immutable, across column families. Zero disables the cap.
	MaxMemtableMemory int64 `yaml:"max_memtable_memory"`
	// MemoryStallTimeout bounds how long a commit waits for flushes to
	// bring memtable memory under the cap before failing with
	// ErrMemoryLimit.
	MemoryStallTimeout time.Duration `yaml:"memory_stall_timeout"`

	// Logger overrides LogLevel and LogToFile.
	Logger Logger `yaml:"-"`

	// Comparators are registered before existing column families are
	// recovered, so column families using custom comparators can reopen.
	Comparators map[string]Comparator `yaml:"-"`

	fs vfs.FS
}

// DefaultConfig returns the default engine configuration for path.
func DefaultConfig(path string) *Config {
	return &Config{
		DBPath:               path,
		NumFlushThreads:      2,
		NumCompactionThreads: 2,
		LogLevel:             LogInfo,
		BlockCacheSize:       64 << 20,
		MaxOpenSSTables:      256,
		LogTruncationAt:      24 << 20,
		MemoryStallTimeout:   10 * time.Second,
	}
}

// Validate checks the engine configuration.
func (c *Config) Validate() error {
	switch {
	case c.DBPath == "":
		return errorf(CodeInvalidArgs, "config", "db path is required")
	case c.NumFlushThreads < 1:
		return errorf(CodeInvalidArgs, "config", "num flush threads must be at least 1")
	case c.NumCompactionThreads < 1:
		return errorf(CodeInvalidArgs, "config", "num compaction threads must be at least 1")
	case c.BlockCacheSize < 0:
		return errorf(CodeInvalidArgs, "config", "block cache size must not be negative")
	case c.MaxOpenSSTables < 1:
		return errorf(CodeInvalidArgs, "config", "max open sstables must be at least 1")
	case c.LogTruncationAt < 0:
		return errorf(CodeInvalidArgs, "config", "log truncation size must not be negative")
	case c.MaxMemtableMemory < 0:
		return errorf(CodeInvalidArgs, "config", "max memtable memory must not be negative")
	case c.MaxMemtableMemory > 0 && c.MemoryStallTimeout <= 0:
		return errorf(CodeInvalidArgs, "config", "memory stall timeout must be positive")
	case c.LogLevel < LogNone || c.LogLevel > LogDebug:
		return errorf(CodeInvalidArgs, "config", "unknown log level")
	}
	return nil
}

// Compression selects the block codec of a column family.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZSTD
	CompressionLZ4Fast
)

var compressionNames = []string{"none", "snappy", "lz4", "zstd", "lz4_fast"}

func (c Compression) String() string { return enumName(compressionNames, int(c)) }

func (c Compression) MarshalText() ([]byte, error) { return marshalEnum(compressionNames, int(c)) }

func (c *Compression) UnmarshalText(b []byte) error {
	return unmarshalEnum(compressionNames, "compression", b, (*int)(c))
}

func (c Compression) codec() compression.Type {
	switch c {
	case CompressionSnappy:
		return compression.Snappy
	case CompressionLZ4:
		return compression.LZ4
	case CompressionZSTD:
		return compression.ZSTD
	case CompressionLZ4Fast:
		return compression.LZ4Fast
	}
	return compression.None
}

// SyncMode selects when commits reach stable storage.
type SyncMode int

const (
	// SyncNone relies on the operating system to write the WAL back.
	SyncNone SyncMode = iota
	// SyncFull syncs the WAL before a commit returns.
	SyncFull
	// SyncInterval syncs dirty WALs every SyncIntervalUs.
	SyncInterval
)

var syncModeNames = []string{"none", "full", "interval"}

func (m SyncMode) String() string { return enumName(syncModeNames, int(m)) }

func (m SyncMode) MarshalText() ([]byte, error) { return marshalEnum(syncModeNames, int(m)) }

func (m *SyncMode) UnmarshalText(b []byte) error {
	return unmarshalEnum(syncModeNames, "sync mode", b, (*int)(m))
}

func (m SyncMode) wal() wal.SyncMode {
	switch m {
	case SyncFull:
		return wal.SyncFull
	case SyncInterval:
		return wal.SyncInterval
	}
	return wal.SyncNone
}

// IsolationLevel selects what a transaction reads and validates.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Snapshot
	Serializable
)

var isolationNames = []string{"read_uncommitted", "read_committed", "repeatable_read", "snapshot", "serializable"}

func (l IsolationLevel) String() string { return enumName(isolationNames, int(l)) }

func (l IsolationLevel) MarshalText() ([]byte, error) { return marshalEnum(isolationNames, int(l)) }

func (l *IsolationLevel) UnmarshalText(b []byte) error {
	return unmarshalEnum(isolationNames, "isolation level", b, (*int)(l))
}

// snapshotReads reports whether reads use a snapshot taken at begin.
func (l IsolationLevel) snapshotReads() bool { return l >= RepeatableRead }

// MemtableType selects the memtable backend.
type MemtableType int

const (
	MemtableSkipList MemtableType = iota
	MemtableHash
)

var memtableNames = []string{"skip_list", "hash"}

func (t MemtableType) String() string { return enumName(memtableNames, int(t)) }

func (t MemtableType) MarshalText() ([]byte, error) { return marshalEnum(memtableNames, int(t)) }

func (t *MemtableType) UnmarshalText(b []byte) error {
	return unmarshalEnum(memtableNames, "memtable type", b, (*int)(t))
}

func (t MemtableType) rep() memtable.Type {
	if t == MemtableHash {
		return memtable.TypeHash
	}
	return memtable.TypeSkipList
}

func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return "unknown(" + strconv.Itoa(v) + ")"
	}
	return names[v]
}

func marshalEnum(names []string, v int) ([]byte, error) {
	if v < 0 || v >= len(names) {
		return nil, fmt.Errorf("unknown enum value %d", v)
	}
	return []byte(names[v]), nil
}

// unmarshalEnum accepts a name (case-insensitive) or the numeric value.
func unmarshalEnum(names []string, what string, b []byte, dst *int) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range names {
		if s == n {
			*dst = i
			return nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(names) {
		*dst = n
		return nil
	}
	return fmt.Errorf("unknown %s %q", what, s)
}

// ColumnFamilyConfig configures one column family.
//
// Only WriteBufferSize, BloomFPR, IndexSampleRatio, BlockIndexPrefixLen,
// SyncMode, SyncIntervalUs, SkipListMaxLevel and SkipListProbability may
// change after creation; see ColumnFamily.UpdateRuntimeConfig.
type ColumnFamilyConfig struct {
	WriteBufferSize     uint64      `yaml:"write_buffer_size"`
	LevelSizeRatio      int         `yaml:"level_size_ratio"`
	MinLevels           int         `yaml:"min_levels"`
	DividingLevelOffset int         `yaml:"dividing_level_offset"`
	KlogValueThreshold  int         `yaml:"klog_value_threshold"`
	Compression         Compression `yaml:"compression"`

	EnableBloomFilter   bool    `yaml:"enable_bloom_filter"`
	BloomFPR            float64 `yaml:"bloom_fpr"`
	EnableBlockIndexes  bool    `yaml:"enable_block_indexes"`
	IndexSampleRatio    int     `yaml:"index_sample_ratio"`
	BlockIndexPrefixLen int     `yaml:"block_index_prefix_len"`

	SyncMode       SyncMode `yaml:"sync_mode"`
	SyncIntervalUs uint64   `yaml:"sync_interval_us"`

	ComparatorName string `yaml:"comparator_name"`

	SkipListMaxLevel    int     `yaml:"skip_list_max_level"`
	SkipListProbability float64 `yaml:"skip_list_probability"`

	DefaultIsolationLevel IsolationLevel `yaml:"default_isolation_level"`

	// MinDiskSpace fails flushes and compactions when free space is lower.
	MinDiskSpace uint64 `yaml:"min_disk_space"`

	L1FileCountTrigger    int `yaml:"l1_file_count_trigger"`
	L0QueueStallThreshold int `yaml:"l0_queue_stall_threshold"`

	UseBTree     bool         `yaml:"use_btree"`
	MemtableType MemtableType `yaml:"memtable_type"`
	BlockSize    int          `yaml:"block_size"`
}

// DefaultColumnFamilyConfig returns the default column family configuration.
func DefaultColumnFamilyConfig() ColumnFamilyConfig {
	return ColumnFamilyConfig{
		WriteBufferSize:       64 << 20,
		LevelSizeRatio:        10,
		MinLevels:             5,
		DividingLevelOffset:   2,
		KlogValueThreshold:    512,
		Compression:           CompressionLZ4,
		EnableBloomFilter:     true,
		BloomFPR:              0.01,
		EnableBlockIndexes:    true,
		IndexSampleRatio:      1,
		BlockIndexPrefixLen:   16,
		SyncMode:              SyncInterval,
		SyncIntervalUs:        128000,
		ComparatorName:        "memcmp",
		SkipListMaxLevel:      12,
		SkipListProbability:   0.25,
		DefaultIsolationLevel: ReadCommitted,
		MinDiskSpace:          100 << 20,
		L1FileCountTrigger:    4,
		L0QueueStallThreshold: 20,
		MemtableType:          MemtableSkipList,
		BlockSize:             4 << 10,
	}
}

// Validate checks the configuration and returns ErrInvalidArgs naming the
// first bad field.
func (c *ColumnFamilyConfig) Validate() error {
	bad := func(msg string) error { return errorf(CodeInvalidArgs, "config", msg) }
	switch {
	case c.WriteBufferSize == 0:
		return bad("write_buffer_size must be positive")
	case c.LevelSizeRatio < 2:
		return bad("level_size_ratio must be at least 2")
	case c.MinLevels < 1:
		return bad("min_levels must be at least 1")
	case c.DividingLevelOffset < 0:
		return bad("dividing_level_offset must not be negative")
	case c.KlogValueThreshold < 0:
		return bad("klog_value_threshold must not be negative")
	case c.Compression < CompressionNone || c.Compression > CompressionLZ4Fast:
		return bad("unknown compression")
	case !(c.BloomFPR > 0 && c.BloomFPR < 1):
		return bad("bloom_fpr must be in (0,1)")
	case c.IndexSampleRatio < 1:
		return bad("index_sample_ratio must be at least 1")
	case c.BlockIndexPrefixLen < 0:
		return bad("block_index_prefix_len must not be negative")
	case c.SyncMode < SyncNone || c.SyncMode > SyncInterval:
		return bad("unknown sync_mode")
	case c.SyncMode == SyncInterval && c.SyncIntervalUs == 0:
		return bad("sync_interval_us must be positive in interval mode")
	case c.ComparatorName == "":
		return bad("comparator_name is required")
	case c.SkipListMaxLevel < 1 || c.SkipListMaxLevel > memtable.MaxLevelLimit:
		return bad("skip_list_max_level must be in 1..32")
	case !(c.SkipListProbability > 0 && c.SkipListProbability <= 1):
		return bad("skip_list_probability must be in (0,1]")
	case c.DefaultIsolationLevel < ReadUncommitted || c.DefaultIsolationLevel > Serializable:
		return bad("unknown default_isolation_level")
	case c.L1FileCountTrigger < 1:
		return bad("l1_file_count_trigger must be at least 1")
	case c.L0QueueStallThreshold < 1:
		return bad("l0_queue_stall_threshold must be at least 1")
	case c.MemtableType < MemtableSkipList || c.MemtableType > MemtableHash:
		return bad("unknown memtable_type")
	case c.BlockSize < 1:
		return bad("block_size must be positive")
	}
	return nil
}

// withRuntime returns c with the runtime-mutable fields taken from next.
func (c ColumnFamilyConfig) withRuntime(next ColumnFamilyConfig) ColumnFamilyConfig {
	c.WriteBufferSize = next.WriteBufferSize
	c.BloomFPR = next.BloomFPR
	c.IndexSampleRatio = next.IndexSampleRatio
	c.BlockIndexPrefixLen = next.BlockIndexPrefixLen
	c.SyncMode = next.SyncMode
	c.SyncIntervalUs = next.SyncIntervalUs
	c.SkipListMaxLevel = next.SkipListMaxLevel
	c.SkipListProbability = next.SkipListProbability
	return c
}
