package formatters

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

const parquetSchemaName = "data_export"

// ParquetStreamingFormatter writes columnar Parquet files. A writer must be
// opened, filled and closed in one go; the footer is written on Close.
type ParquetStreamingFormatter struct {
	compression string
}

// NewParquetStreamingFormatter creates a Parquet formatter using Snappy pages
func NewParquetStreamingFormatter() *ParquetStreamingFormatter {
	return &ParquetStreamingFormatter{compression: "snappy"}
}

// NewParquetStreamingFormatterWithCompression creates a Parquet formatter with the given page compression
func NewParquetStreamingFormatterWithCompression(compression string) *ParquetStreamingFormatter {
	if compression == "" {
		compression = "snappy"
	}
	return &ParquetStreamingFormatter{compression: compression}
}

// Extension returns the file extension for Parquet files
func (f *ParquetStreamingFormatter) Extension() string {
	return ".parquet"
}

// Appendable is false: a closed Parquet file cannot be extended
func (f *ParquetStreamingFormatter) Appendable() bool {
	return false
}

func (f *ParquetStreamingFormatter) codec() parquet.WriterOption {
	switch f.compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// NewWriter creates a Parquet stream writer for schema
func (f *ParquetStreamingFormatter) NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error) {
	if schema == nil || len(schema.GetColumns()) == 0 {
		return nil, ErrSchemaRequired
	}

	columns := make([]parquetColumn, 0, len(schema.GetColumns()))
	group := make(parquet.Group)
	for _, col := range schema.GetColumns() {
		kind := parquetKindFor(col.GetType())
		columns = append(columns, parquetColumn{name: col.GetName(), kind: kind})
		group[col.GetName()] = kind.node()
	}

	pw := parquet.NewGenericWriter[map[string]any](w, parquet.NewSchema(parquetSchemaName, group), f.codec())
	return &parquetStreamWriter{writer: pw, columns: columns}, nil
}

type parquetKind int

const (
	kindString parquetKind = iota
	kindBool
	kindInt32
	kindInt64
	kindFloat
	kindDouble
	kindBytes
)

// parquetKindFor maps a column type name (PostgreSQL udt names and a few
// generic aliases) to a physical Parquet type. Anything unknown is stored as
// a string.
func parquetKindFor(typeName string) parquetKind {
	switch strings.ToLower(strings.TrimSpace(typeName)) {
	case "bool", "boolean":
		return kindBool
	case "int2", "int4", "smallint", "integer", "int", "int32", "serial":
		return kindInt32
	case "int8", "bigint", "int64", "bigserial":
		return kindInt64
	case "float4", "real", "float", "float32":
		return kindFloat
	case "float8", "double", "double precision", "float64":
		return kindDouble
	case "bytea", "bytes", "blob":
		return kindBytes
	default:
		return kindString
	}
}

func (k parquetKind) node() parquet.Node {
	switch k {
	case kindBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	case kindInt32:
		return parquet.Optional(parquet.Leaf(parquet.Int32Type))
	case kindInt64:
		return parquet.Optional(parquet.Leaf(parquet.Int64Type))
	case kindFloat:
		return parquet.Optional(parquet.Leaf(parquet.FloatType))
	case kindDouble:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case kindBytes:
		return parquet.Optional(parquet.Leaf(parquet.ByteArrayType))
	default:
		return parquet.Optional(parquet.String())
	}
}

func (k parquetKind) convert(v interface{}) (interface{}, error) {
	switch k {
	case kindBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			return strconv.ParseBool(val)
		default:
			n, err := toInt64(v)
			return n != 0, err
		}
	case kindInt32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("value %d overflows int32", n)
		}
		return int32(n), nil
	case kindInt64:
		return toInt64(v)
	case kindFloat:
		f, err := toFloat64(v)
		return float32(f), err
	case kindDouble:
		return toFloat64(v)
	case kindBytes:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		return []byte(stringValue(v)), nil
	default:
		return stringValue(v), nil
	}
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case float64:
		return floatToInt64(val)
	case float32:
		return floatToInt64(float64(val))
	case string:
		return strconv.ParseInt(val, 10, 64)
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

// floatToInt64 refuses values an integer column cannot hold exactly
func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	case []byte:
		return strconv.ParseFloat(string(val), 64)
	default:
		n, err := toInt64(v)
		return float64(n), err
	}
}

type parquetColumn struct {
	name string
	kind parquetKind
}

type parquetStreamWriter struct {
	writer  *parquet.GenericWriter[map[string]any]
	columns []parquetColumn
}

// WriteRow converts the row to the writer schema. Columns missing from the
// row or holding nil are written as nulls.
func (w *parquetStreamWriter) WriteRow(row Row) error {
	values := row.Map()
	record := make(map[string]any, len(w.columns))
	for _, col := range w.columns {
		v := values[col.name]
		if v == nil {
			continue
		}
		converted, err := col.kind.convert(v)
		if err != nil {
			return fmt.Errorf("column %s: %w", col.name, err)
		}
		record[col.name] = converted
	}

	if _, err := w.writer.Write([]map[string]any{record}); err != nil {
		return fmt.Errorf("failed to write parquet row: %w", err)
	}
	return nil
}

func (w *parquetStreamWriter) WriteChunk(rows []Row) error {
	return writeChunk(w, rows)
}

// Close flushes buffered row groups and writes the footer
func (w *parquetStreamWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return nil
}
