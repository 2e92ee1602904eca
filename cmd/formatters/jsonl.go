package formatters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// JSONLStreamingFormatter writes one JSON object per line
type JSONLStreamingFormatter struct{}

// NewJSONLStreamingFormatter creates a new JSONL streaming formatter
func NewJSONLStreamingFormatter() *JSONLStreamingFormatter {
	return &JSONLStreamingFormatter{}
}

// NewWriter creates a new JSONL stream writer
func (f *JSONLStreamingFormatter) NewWriter(w io.Writer, _ TableSchema) (StreamWriter, error) {
	return &jsonlStreamWriter{writer: w}, nil
}

// Extension returns the file extension for JSON line files
func (f *JSONLStreamingFormatter) Extension() string {
	return ".json"
}

// Appendable is true for line formats
func (f *JSONLStreamingFormatter) Appendable() bool {
	return true
}

type jsonlStreamWriter struct {
	writer io.Writer
	buf    bytes.Buffer
}

// WriteRow encodes the row as an object whose keys follow the row's column
// order.
func (w *jsonlStreamWriter) WriteRow(row Row) error {
	w.buf.Reset()
	w.buf.WriteByte('{')
	for i, col := range row.Columns {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return fmt.Errorf("failed to encode column name %q: %w", col, err)
		}
		val, err := json.Marshal(row.Values[i])
		if err != nil {
			return fmt.Errorf("failed to encode column %q: %w", col, err)
		}
		w.buf.Write(key)
		w.buf.WriteByte(':')
		w.buf.Write(val)
	}
	w.buf.WriteByte('}')
	w.buf.WriteString(LineTerminator)

	_, err := w.writer.Write(w.buf.Bytes())
	return err
}

func (w *jsonlStreamWriter) WriteChunk(rows []Row) error {
	return writeChunk(w, rows)
}

// Close is a no-op, JSONL has no footer
func (w *jsonlStreamWriter) Close() error {
	return nil
}
