package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobDuplicate    = errors.New("duplicate job id")
	ErrJobRegistryRead = errors.New("failed to read job registry")
)

// ExportJob is the immutable description of one export
type ExportJob struct {
	ID                 string        `yaml:"id"`
	DatasetName        string        `yaml:"dataset"`
	Query              string        `yaml:"query"`
	Filters            string        `yaml:"filters"`
	OrderKey           string        `yaml:"order_key"`
	Limit              int           `yaml:"limit"`
	Format             string        `yaml:"format"`
	ParquetCompression string        `yaml:"parquet_compression"`
	OutputDir          string        `yaml:"output_dir"`
	MaxFileSizeMB      float64       `yaml:"max_file_size"`
	TimeoutSeconds     int           `yaml:"timeout"`
	Continue           bool          `yaml:"continue"`
	PreHooks           []string      `yaml:"pre_hooks"`
	PostHooks          []string      `yaml:"post_hooks"`
	Archive            ArchiveConfig `yaml:"archive"`
	Schema             []ColumnInfo  `yaml:"schema"`
}

// ArchiveConfig controls upload of finished files to object storage
type ArchiveConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	Prefix           string `yaml:"prefix"`
	OnRotate         bool   `yaml:"on_rotate"`
}

// Timeout returns the run timeout; zero means none
func (j ExportJob) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// TableSchema returns the configured columnar schema, or nil
func (j ExportJob) TableSchema() *TableSchema {
	if len(j.Schema) == 0 {
		return nil
	}
	cols := make([]ColumnInfo, len(j.Schema))
	copy(cols, j.Schema)
	return &TableSchema{Name: j.DatasetName, Columns: cols}
}

// orderColumn is the result column holding the order key. A qualified key
// such as t.id is looked up as id.
func (j ExportJob) orderColumn() string {
	if i := strings.LastIndexByte(j.OrderKey, '.'); i >= 0 {
		return j.OrderKey[i+1:]
	}
	return j.OrderKey
}

func (j *ExportJob) applyDefaults() {
	if j.ID == "" {
		j.ID = j.DatasetName
	}
	if j.Format == "" {
		j.Format = "json"
	}
	if j.OutputDir == "" {
		j.OutputDir = "./output"
	}
	if j.Archive.Compression == "" {
		j.Archive.Compression = "none"
	}
}

// splitHookList parses a comma-joined hook list, dropping blanks. Commas
// inside quotes stay part of the hook, so exec:sh -c 'a, b' is one entry.
func splitHookList(s string) []string {
	var ids []string
	add := func(part string) {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}

	start := 0
	var quote rune
	escaped := false
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ',':
			add(s[start:i])
			start = i + 1
		}
	}
	add(s[start:])
	return ids
}

// JobRegistry is the set of named jobs loaded from a YAML file
type JobRegistry struct {
	Jobs []ExportJob `yaml:"jobs"`
}

// LoadJobRegistry reads a registry file and applies job defaults
func LoadJobRegistry(path string) (*JobRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJobRegistryRead, err)
	}
	return ParseJobRegistry(data)
}

// ParseJobRegistry decodes registry YAML
func ParseJobRegistry(data []byte) (*JobRegistry, error) {
	var reg JobRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJobRegistryRead, err)
	}

	seen := make(map[string]bool, len(reg.Jobs))
	for i := range reg.Jobs {
		reg.Jobs[i].applyDefaults()
		id := reg.Jobs[i].ID
		if seen[id] {
			return nil, fmt.Errorf("%w: '%s'", ErrJobDuplicate, id)
		}
		seen[id] = true
	}
	return &reg, nil
}

// Lookup returns the job with the given identifier
func (r *JobRegistry) Lookup(id string) (ExportJob, error) {
	for _, job := range r.Jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return ExportJob{}, fmt.Errorf("%w: '%s'", ErrJobNotFound, id)
}

// IDs returns the sorted job identifiers
func (r *JobRegistry) IDs() []string {
	ids := make([]string, 0, len(r.Jobs))
	for _, job := range r.Jobs {
		ids = append(ids, job.ID)
	}
	sort.Strings(ids)
	return ids
}
