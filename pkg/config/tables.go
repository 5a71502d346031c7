package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TableOverride tunes sync behaviour for a single table.
type TableOverride struct {
	PageSize       int               `yaml:"page_size"`
	IncludeDeleted *bool             `yaml:"include_deleted"`
	Filters        map[string]string `yaml:"filters"`
}

type tablesFile struct {
	Tables map[string]TableOverride `yaml:"tables"`
}

// LoadTableOverrides reads optional per-table sync overrides from a YAML
// file. A missing path returns an empty map.
func LoadTableOverrides(path string) (map[string]TableOverride, error) {
	if path == "" {
		return map[string]TableOverride{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}

	var tf tablesFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse tables file: %w", err)
	}

	for name, ov := range tf.Tables {
		if ov.PageSize < 0 {
			return nil, fmt.Errorf("tables.%s.page_size must not be negative", name)
		}
	}

	if tf.Tables == nil {
		tf.Tables = map[string]TableOverride{}
	}
	return tf.Tables, nil
}
