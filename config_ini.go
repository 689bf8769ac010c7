package tidekv

// config_ini.go persists ColumnFamilyConfig as INI text.
//
// Format:
//
//	[<column family>]
//	write_buffer_size = 67108864
//	compression = lz4
//	...
//
// Every field is written. On load, keys missing from the section keep their
// defaults and unknown keys are ignored.

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/aalhour/tidekv/internal/vfs"
)

// ConfigFileName is the per column family configuration file.
const ConfigFileName = "config.ini"

type iniField struct {
	key string
	get func(*ColumnFamilyConfig) string
	set func(*ColumnFamilyConfig, string) error
}

func uintField(key string, p func(*ColumnFamilyConfig) *uint64) iniField {
	return iniField{
		key: key,
		get: func(c *ColumnFamilyConfig) string { return strconv.FormatUint(*p(c), 10) },
		set: func(c *ColumnFamilyConfig, s string) error {
			v, err := strconv.ParseUint(s, 10, 64)
			if err == nil {
				*p(c) = v
			}
			return err
		},
	}
}

func intField(key string, p func(*ColumnFamilyConfig) *int) iniField {
	return iniField{
		key: key,
		get: func(c *ColumnFamilyConfig) string { return strconv.Itoa(*p(c)) },
		set: func(c *ColumnFamilyConfig, s string) error {
			v, err := strconv.Atoi(s)
			if err == nil {
				*p(c) = v
			}
			return err
		},
	}
}

func floatField(key string, p func(*ColumnFamilyConfig) *float64) iniField {
	return iniField{
		key: key,
		get: func(c *ColumnFamilyConfig) string { return strconv.FormatFloat(*p(c), 'g', -1, 64) },
		set: func(c *ColumnFamilyConfig, s string) error {
			v, err := strconv.ParseFloat(s, 64)
			if err == nil {
				*p(c) = v
			}
			return err
		},
	}
}

func boolField(key string, p func(*ColumnFamilyConfig) *bool) iniField {
	return iniField{
		key: key,
		get: func(c *ColumnFamilyConfig) string { return strconv.FormatBool(*p(c)) },
		set: func(c *ColumnFamilyConfig, s string) error {
			v, err := strconv.ParseBool(s)
			if err == nil {
				*p(c) = v
			}
			return err
		},
	}
}

type textEnum interface {
	MarshalText() ([]byte, error)
	UnmarshalText([]byte) error
}

func enumField(key string, p func(*ColumnFamilyConfig) textEnum) iniField {
	return iniField{
		key: key,
		get: func(c *ColumnFamilyConfig) string {
			b, err := p(c).MarshalText()
			if err != nil {
				return "unknown"
			}
			return string(b)
		},
		set: func(c *ColumnFamilyConfig, s string) error { return p(c).UnmarshalText([]byte(s)) },
	}
}

var iniFields = []iniField{
	uintField("write_buffer_size", func(c *ColumnFamilyConfig) *uint64 { return &c.WriteBufferSize }),
	intField("level_size_ratio", func(c *ColumnFamilyConfig) *int { return &c.LevelSizeRatio }),
	intField("min_levels", func(c *ColumnFamilyConfig) *int { return &c.MinLevels }),
	intField("dividing_level_offset", func(c *ColumnFamilyConfig) *int { return &c.DividingLevelOffset }),
	intField("klog_value_threshold", func(c *ColumnFamilyConfig) *int { return &c.KlogValueThreshold }),
	enumField("compression", func(c *ColumnFamilyConfig) textEnum { return &c.Compression }),
	boolField("enable_bloom_filter", func(c *ColumnFamilyConfig) *bool { return &c.EnableBloomFilter }),
	floatField("bloom_fpr", func(c *ColumnFamilyConfig) *float64 { return &c.BloomFPR }),
	boolField("enable_block_indexes", func(c *ColumnFamilyConfig) *bool { return &c.EnableBlockIndexes }),
	intField("index_sample_ratio", func(c *ColumnFamilyConfig) *int { return &c.IndexSampleRatio }),
	intField("block_index_prefix_len", func(c *ColumnFamilyConfig) *int { return &c.BlockIndexPrefixLen }),
	enumField("sync_mode", func(c *ColumnFamilyConfig) textEnum { return &c.SyncMode }),
	uintField("sync_interval_us", func(c *ColumnFamilyConfig) *uint64 { return &c.SyncIntervalUs }),
	{
		key: "comparator_name",
		get: func(c *ColumnFamilyConfig) string { return c.ComparatorName },
		set: func(c *ColumnFamilyConfig, s string) error { c.ComparatorName = s; return nil },
	},
	intField("skip_list_max_level", func(c *ColumnFamilyConfig) *int { return &c.SkipListMaxLevel }),
	floatField("skip_list_probability", func(c *ColumnFamilyConfig) *float64 { return &c.SkipListProbability }),
	enumField("default_isolation_level", func(c *ColumnFamilyConfig) textEnum { return &c.DefaultIsolationLevel }),
	uintField("min_disk_space", func(c *ColumnFamilyConfig) *uint64 { return &c.MinDiskSpace }),
	intField("l1_file_count_trigger", func(c *ColumnFamilyConfig) *int { return &c.L1FileCountTrigger }),
	intField("l0_queue_stall_threshold", func(c *ColumnFamilyConfig) *int { return &c.L0QueueStallThreshold }),
	boolField("use_btree", func(c *ColumnFamilyConfig) *bool { return &c.UseBTree }),
	enumField("memtable_type", func(c *ColumnFamilyConfig) textEnum { return &c.MemtableType }),
	intField("block_size", func(c *ColumnFamilyConfig) *int { return &c.BlockSize }),
}

// EncodeINI renders cfg as an INI section named cfName.
func EncodeINI(cfName string, cfg ColumnFamilyConfig) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s]\n", cfName)
	for _, f := range iniFields {
		fmt.Fprintf(&buf, "%s = %s\n", f.key, f.get(&cfg))
	}
	return buf.Bytes()
}

// DecodeINI parses the section named cfName out of data.
func DecodeINI(data []byte, cfName string) (ColumnFamilyConfig, error) {
	cfg := DefaultColumnFamilyConfig()
	byKey := make(map[string]iniField, len(iniFields))
	for _, f := range iniFields {
		byKey[f.key] = f
	}

	found, inSection := false, false
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if line[0] == '[' {
			if !strings.HasSuffix(line, "]") {
				return cfg, errorf(CodeInvalidArgs, "load config", fmt.Sprintf("line %d: malformed section header", lineNo))
			}
			inSection = strings.TrimSpace(line[1:len(line)-1]) == cfName
			found = found || inSection
			continue
		}
		if !inSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, errorf(CodeInvalidArgs, "load config", fmt.Sprintf("line %d: expected key = value", lineNo))
		}
		f, known := byKey[strings.TrimSpace(key)]
		if !known {
			continue
		}
		if err := f.set(&cfg, strings.TrimSpace(value)); err != nil {
			return cfg, newError(CodeInvalidArgs, "load config", fmt.Errorf("line %d: %s: %w", lineNo, f.key, err))
		}
	}
	if err := sc.Err(); err != nil {
		return cfg, newError(CodeIO, "load config", err)
	}
	if !found {
		return cfg, errorf(CodeNotFound, "load config", fmt.Sprintf("section [%s] not found", cfName))
	}
	return cfg, nil
}

// SaveConfigToINI writes cfg as section cfName to path, replacing the file.
func SaveConfigToINI(path, cfName string, cfg ColumnFamilyConfig) error {
	return saveConfigINI(vfs.Default(), path, cfName, cfg)
}

// LoadConfigFromINI reads section cfName from path.
func LoadConfigFromINI(path, cfName string) (ColumnFamilyConfig, error) {
	return loadConfigINI(vfs.Default(), path, cfName)
}

func saveConfigINI(fs vfs.FS, path, cfName string, cfg ColumnFamilyConfig) error {
	if cfName == "" {
		return errorf(CodeInvalidArgs, "save config", "empty section name")
	}
	return wrapErr("save config", vfs.WriteFileAtomic(fs, path, EncodeINI(cfName, cfg)))
}

func loadConfigINI(fs vfs.FS, path, cfName string) (ColumnFamilyConfig, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		if !fs.Exists(path) {
			return ColumnFamilyConfig{}, newError(CodeNotFound, "load config", err)
		}
		return ColumnFamilyConfig{}, wrapErr("load config", err)
	}
	return DecodeINI(data, cfName)
}
