package tidekv

// config_yaml.go loads engine and column family configuration from YAML.
//
//	engine:
//	  db_path: /var/lib/tide
//	  log_level: debug
//	  block_cache_size: 134217728
//	column_families:
//	  users:
//	    write_buffer_size: 4194304
//	    compression: zstd
//
// Keys left out keep their defaults.

import (
	"github.com/goccy/go-yaml"

	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/vfs"
)

type yamlDoc struct {
	Engine         map[string]any            `yaml:"engine"`
	ColumnFamilies map[string]map[string]any `yaml:"column_families"`
}

// LoadConfigYAML reads an engine configuration and named column family
// configurations from the YAML file at path.
func LoadConfigYAML(path string) (*Config, map[string]ColumnFamilyConfig, error) {
	data, err := vfs.ReadFile(vfs.Default(), path)
	if err != nil {
		return nil, nil, wrapErr("load yaml config", err)
	}
	return DecodeYAML(data)
}

// DecodeYAML parses YAML configuration text. See LoadConfigYAML.
func DecodeYAML(data []byte) (*Config, map[string]ColumnFamilyConfig, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, newError(CodeInvalidArgs, "load yaml config", err)
	}

	cfg := DefaultConfig("")
	if doc.Engine != nil {
		if err := remarshal(doc.Engine, cfg); err != nil {
			return nil, nil, err
		}
		if lv, ok := doc.Engine["log_level"]; ok {
			s, _ := lv.(string)
			level, err := logging.ParseLevel(s)
			if err != nil {
				return nil, nil, newError(CodeInvalidArgs, "load yaml config", err)
			}
			cfg.LogLevel = level
		}
	}

	cfs := make(map[string]ColumnFamilyConfig, len(doc.ColumnFamilies))
	for name, raw := range doc.ColumnFamilies {
		cf := DefaultColumnFamilyConfig()
		if err := remarshal(raw, &cf); err != nil {
			return nil, nil, err
		}
		if err := cf.Validate(); err != nil {
			return nil, nil, err
		}
		cfs[name] = cf
	}
	return cfg, cfs, nil
}

// remarshal decodes a generic YAML mapping into dst, keeping the fields of
// dst the mapping does not name.
func remarshal(src any, dst any) error {
	b, err := yaml.Marshal(src)
	if err != nil {
		return newError(CodeInvalidArgs, "load yaml config", err)
	}
	if err := yaml.Unmarshal(b, dst); err != nil {
		return newError(CodeInvalidArgs, "load yaml config", err)
	}
	return nil
}

// EncodeYAML renders cfg and the named column family configurations.
func EncodeYAML(cfg *Config, cfs map[string]ColumnFamilyConfig) ([]byte, error) {
	type engine struct {
		Config   `yaml:",inline"`
		LogLevel string `yaml:"log_level"`
	}
	out := struct {
		Engine         engine                        `yaml:"engine"`
		ColumnFamilies map[string]ColumnFamilyConfig `yaml:"column_families,omitempty"`
	}{
		Engine:         engine{Config: *cfg, LogLevel: cfg.LogLevel.String()},
		ColumnFamilies: cfs,
	}
	return yaml.Marshal(out)
}
