package formatters

import (
	"io"
	"strings"
)

// CSVStreamingFormatter writes headerless comma-joined lines. Values are not
// quoted, so a value containing a comma or line break splits the record.
type CSVStreamingFormatter struct{}

// NewCSVStreamingFormatter creates a new CSV streaming formatter
func NewCSVStreamingFormatter() *CSVStreamingFormatter {
	return &CSVStreamingFormatter{}
}

// NewWriter creates a new CSV stream writer
func (f *CSVStreamingFormatter) NewWriter(w io.Writer, _ TableSchema) (StreamWriter, error) {
	return &csvStreamWriter{writer: w}, nil
}

// Extension returns the file extension for CSV files
func (f *CSVStreamingFormatter) Extension() string {
	return ".csv"
}

// Appendable is true for line formats
func (f *CSVStreamingFormatter) Appendable() bool {
	return true
}

type csvStreamWriter struct {
	writer io.Writer
	sb     strings.Builder
}

func (w *csvStreamWriter) WriteRow(row Row) error {
	w.sb.Reset()
	for i, v := range row.Values {
		if i > 0 {
			w.sb.WriteByte(',')
		}
		w.sb.WriteString(stringValue(v))
	}
	w.sb.WriteString(LineTerminator)

	_, err := io.WriteString(w.writer, w.sb.String())
	return err
}

func (w *csvStreamWriter) WriteChunk(rows []Row) error {
	return writeChunk(w, rows)
}

func (w *csvStreamWriter) Close() error {
	return nil
}
