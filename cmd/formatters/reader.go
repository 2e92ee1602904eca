package formatters

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Reader reads an exported file back into rows.
type Reader interface {
	// ReadAll returns every record in file order.
	ReadAll() ([]Row, error)
}

// GetReader returns the reader for format. For CSV, columns names the
// fields since the files carry no header; nil yields column_1, column_2, ...
func GetReader(format string, r io.Reader, columns []string) (Reader, error) {
	switch format {
	case FormatJSON, "jsonl":
		return NewJSONLReader(r), nil
	case FormatCSV:
		return NewCSVReader(r, columns), nil
	case FormatParquet, FormatColumnar:
		return NewParquetReader(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// FormatForExtension maps a file extension back to a format name.
func FormatForExtension(ext string) (string, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonl":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

const maxLineSize = 16 * 1024 * 1024

// scanLines calls fn for every CRLF or LF terminated line, without the
// terminator. Empty lines are skipped.
func scanLines(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
