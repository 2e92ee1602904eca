package formatters

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// ParquetReader reads a finalized Parquet file
type ParquetReader struct {
	file *parquet.File
}

// NewParquetReader buffers r and opens it as a Parquet file
func NewParquetReader(r io.Reader) (*ParquetReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet data: %w", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	return &ParquetReader{file: file}, nil
}

// NumRows returns the row count recorded in the footer
func (r *ParquetReader) NumRows() int64 {
	return r.file.NumRows()
}

// ReadAll returns every row with columns in schema order
func (r *ParquetReader) ReadAll() ([]Row, error) {
	columnPaths := r.file.Schema().Columns()
	columns := make([]string, len(columnPaths))
	for i, path := range columnPaths {
		if len(path) > 0 {
			columns[i] = path[len(path)-1]
		}
	}

	var rows []Row
	for _, rowGroup := range r.file.RowGroups() {
		batch, err := readRowGroup(rowGroup, columns)
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}

func readRowGroup(rowGroup parquet.RowGroup, columns []string) ([]Row, error) {
	reader := rowGroup.Rows()
	defer reader.Close()

	var rows []Row
	buf := make([]parquet.Row, 256)
	for {
		n, err := reader.ReadRows(buf)
		for _, pr := range buf[:n] {
			values := make([]interface{}, len(columns))
			for _, val := range pr {
				idx := val.Column()
				if idx < 0 || idx >= len(columns) {
					continue
				}
				values[idx] = parquetValue(val)
			}
			rows = append(rows, NewRow(columns, values))
		}
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
		if n == 0 {
			return rows, nil
		}
	}
}

func parquetValue(val parquet.Value) interface{} {
	if val.IsNull() {
		return nil
	}
	switch val.Kind() {
	case parquet.Boolean:
		return val.Boolean()
	case parquet.Int32:
		return val.Int32()
	case parquet.Int64:
		return val.Int64()
	case parquet.Float:
		return val.Float()
	case parquet.Double:
		return val.Double()
	default:
		return string(val.ByteArray())
	}
}
