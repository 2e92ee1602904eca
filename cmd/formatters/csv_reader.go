package formatters

import (
	"fmt"
	"io"
	"strings"
)

// CSVReader reads headerless comma-joined lines. All values are strings.
type CSVReader struct {
	r       io.Reader
	columns []string
}

// NewCSVReader creates a new CSV reader
func NewCSVReader(r io.Reader, columns []string) *CSVReader {
	return &CSVReader{r: r, columns: columns}
}

func (r *CSVReader) ReadAll() ([]Row, error) {
	var rows []Row
	err := scanLines(r.r, func(line string) error {
		fields := strings.Split(line, ",")
		values := make([]interface{}, len(fields))
		for i, f := range fields {
			values[i] = f
		}
		rows = append(rows, NewRow(r.columnNames(len(fields)), values))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CSVReader) columnNames(n int) []string {
	if len(r.columns) == n {
		return r.columns
	}
	names := make([]string, n)
	for i := range names {
		if i < len(r.columns) {
			names[i] = r.columns[i]
		} else {
			names[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	return names
}
