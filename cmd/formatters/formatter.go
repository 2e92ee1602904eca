package formatters

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Format names accepted by GetStreamingFormatter
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatParquet  = "parquet"
	FormatColumnar = "columnar"
)

// LineTerminator ends every record of the line formats.
const LineTerminator = "\r\n"

var (
	// ErrUnsupportedFormat is returned for an unknown output format name
	ErrUnsupportedFormat = errors.New("unsupported output format")
	// ErrSchemaRequired is returned when a columnar writer is opened without a schema
	ErrSchemaRequired = errors.New("columnar output requires a schema")
)

// ColumnSchema describes a single output column.
type ColumnSchema interface {
	GetName() string
	GetType() string
}

// TableSchema describes the columns of an export.
type TableSchema interface {
	GetColumns() []ColumnSchema
}

// StreamingFormatter creates writers for one output format.
type StreamingFormatter interface {
	// NewWriter wraps w. Line formats ignore schema.
	NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error)

	// Extension returns the file extension including the dot (e.g. ".json")
	Extension() string

	// Appendable reports whether a finalized file can be reopened and
	// extended. Columnar files cannot.
	Appendable() bool
}

// StreamWriter appends rows to an open output stream.
type StreamWriter interface {
	WriteRow(row Row) error
	WriteChunk(rows []Row) error
	// Close finalizes the output (footer for Parquet). It does not close
	// the underlying writer.
	Close() error
}

// Names lists the accepted format names.
func Names() []string {
	return []string{FormatJSON, FormatCSV, FormatParquet, FormatColumnar}
}

// GetStreamingFormatter returns the formatter for format. compression only
// applies to Parquet pages.
func GetStreamingFormatter(format, compression string) (StreamingFormatter, error) {
	switch format {
	case FormatJSON, "jsonl":
		return NewJSONLStreamingFormatter(), nil
	case FormatCSV:
		return NewCSVStreamingFormatter(), nil
	case FormatParquet, FormatColumnar:
		return NewParquetStreamingFormatterWithCompression(compression), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func writeChunk(w StreamWriter, rows []Row) error {
	for _, row := range rows {
		if err := w.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

// stringValue renders a scalar the way it appears in CSV output.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(val)
	}
}
