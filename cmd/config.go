package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/airframesio/data-exporter/cmd/compressors"
	"github.com/airframesio/data-exporter/cmd/formatters"
)

// Static errors for configuration validation
var (
	ErrDatabaseDriverInvalid   = errors.New("database driver must be one of: postgres, sqlite")
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrDatabasePathRequired    = errors.New("database path is required for sqlite")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrJobIDRequired           = errors.New("job id is required")
	ErrDatasetRequired         = errors.New("dataset name is required")
	ErrDatasetInvalid          = errors.New("dataset name may only contain letters, numbers, dots, dashes, and underscores")
	ErrQueryRequired           = errors.New("query is required")
	ErrOrderKeyRequired        = errors.New("order key is required")
	ErrOrderKeyInvalid         = errors.New("order key is invalid: must be a column name, optionally qualified as table.column")
	ErrLimitInvalid            = errors.New("limit must be >= 0")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: json, csv, parquet, columnar")
	ErrOutputDirRequired       = errors.New("output directory is required")
	ErrMaxFileSizeInvalid      = errors.New("max file size must be >= 0")
	ErrTimeoutInvalid          = errors.New("timeout must be >= 0")
	ErrCompressionInvalid      = errors.New("compression must be one of: none, gzip, zstd, lz4")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrParquetCodecInvalid     = errors.New("parquet compression must be one of: snappy, zstd, gzip, lz4, none")
	ErrSchemaColumnInvalid     = errors.New("schema columns need a valid name")
	ErrCheckpointBackend       = errors.New("checkpoint backend must be one of: source, sqlite")
	ErrCheckpointPathRequired  = errors.New("checkpoint path is required for the sqlite backend")
	ErrViewerPortInvalid       = errors.New("viewer port must be between 1 and 65535")
)

const regionAuto = "auto"

type Config struct {
	Debug      bool
	LogFormat  string
	DryRun     bool
	TUI        bool
	Lock       bool
	Viewer     bool
	ViewerPort int
	Database   DatabaseConfig
	S3         S3Config
	Checkpoint CheckpointConfig
	Job        ExportJob
}

type DatabaseConfig struct {
	Driver           string
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	Path             string // sqlite database file or DSN
	StatementTimeout int    // seconds, 0 = no timeout
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

type CheckpointConfig struct {
	Backend string
	Path    string
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validDatasetName = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// isValidOrderKey accepts column or table.column
func isValidOrderKey(key string) bool {
	if key == "" || len(key) > 127 {
		return false
	}
	parts := strings.Split(key, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if len(p) > 63 || !validPostgreSQLIdentifier.MatchString(p) {
			return false
		}
	}
	return true
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

func isValidOutputFormat(format string) bool {
	return slices.Contains(formatters.Names(), format)
}

func isValidCompression(compression string) bool {
	return slices.Contains(compressors.Names(), compression)
}

// isValidCompressionLevel validates a non-default compression level
func isValidCompressionLevel(compression string, level int) bool {
	if level == 0 {
		return true
	}
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	default:
		return false
	}
}

func isValidParquetCodec(codec string) bool {
	switch codec {
	case "", "snappy", "zstd", "gzip", "lz4", "none":
		return true
	default:
		return false
	}
}

// Validate checks a job definition on its own
func (j *ExportJob) Validate() error {
	if j.DatasetName == "" {
		return ErrDatasetRequired
	}
	if !validDatasetName.MatchString(j.DatasetName) {
		return fmt.Errorf("%w: '%s'", ErrDatasetInvalid, j.DatasetName)
	}
	if j.ID == "" {
		return ErrJobIDRequired
	}
	if strings.TrimSpace(j.Query) == "" {
		return ErrQueryRequired
	}
	if j.OrderKey == "" {
		return ErrOrderKeyRequired
	}
	if !isValidOrderKey(j.OrderKey) {
		return fmt.Errorf("%w: '%s'", ErrOrderKeyInvalid, j.OrderKey)
	}
	if j.Limit < 0 {
		return fmt.Errorf("%w, got %d", ErrLimitInvalid, j.Limit)
	}
	if !isValidOutputFormat(j.Format) {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, j.Format)
	}
	if !isValidParquetCodec(j.ParquetCompression) {
		return fmt.Errorf("%w: '%s'", ErrParquetCodecInvalid, j.ParquetCompression)
	}
	if j.OutputDir == "" {
		return ErrOutputDirRequired
	}
	if j.MaxFileSizeMB < 0 {
		return fmt.Errorf("%w, got %g", ErrMaxFileSizeInvalid, j.MaxFileSizeMB)
	}
	if j.TimeoutSeconds < 0 {
		return fmt.Errorf("%w, got %d", ErrTimeoutInvalid, j.TimeoutSeconds)
	}
	if !isValidCompression(j.Archive.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, j.Archive.Compression)
	}
	if !isValidCompressionLevel(j.Archive.Compression, j.Archive.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, j.Archive.Compression, j.Archive.CompressionLevel)
	}
	for _, col := range j.Schema {
		if col.Name == "" {
			return ErrSchemaColumnInvalid
		}
	}
	return nil
}

// needsCheckpoints reports whether the run reads or writes checkpoints
func (j *ExportJob) needsCheckpoints() bool {
	return j.Continue || j.TimeoutSeconds > 0
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, "":
		if c.Database.User == "" {
			return ErrDatabaseUserRequired
		}
		if c.Database.Name == "" {
			return ErrDatabaseNameRequired
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return ErrDatabasePathRequired
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrDatabaseDriverInvalid, c.Database.Driver)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}

	if err := c.Job.Validate(); err != nil {
		return err
	}

	// S3 settings only matter when something is actually uploaded
	if c.Job.Archive.Enabled && !c.DryRun {
		if c.S3.Endpoint == "" {
			return ErrS3EndpointRequired
		}
		if c.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3.AccessKey == "" {
			return ErrS3AccessKeyRequired
		}
		if c.S3.SecretKey == "" {
			return ErrS3SecretKeyRequired
		}
		if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
	}

	if c.Job.needsCheckpoints() {
		switch c.Checkpoint.Backend {
		case CheckpointBackendSource, "":
		case CheckpointBackendSQLite:
			if c.Checkpoint.Path == "" {
				return ErrCheckpointPathRequired
			}
		default:
			return fmt.Errorf("%w: '%s'", ErrCheckpointBackend, c.Checkpoint.Backend)
		}
	}

	if c.Viewer && (c.ViewerPort < 1 || c.ViewerPort > 65535) {
		return fmt.Errorf("%w, got %d", ErrViewerPortInvalid, c.ViewerPort)
	}

	return nil
}
