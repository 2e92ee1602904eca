package formatters

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// JSONLReader reads JSON line files, keeping each object's key order
type JSONLReader struct {
	r io.Reader
}

// NewJSONLReader creates a new JSONL reader
func NewJSONLReader(r io.Reader) *JSONLReader {
	return &JSONLReader{r: r}
}

// ReadAll decodes every line. Integral numbers come back as int64, other
// numbers as float64.
func (r *JSONLReader) ReadAll() ([]Row, error) {
	var rows []Row
	lineNo := 0
	err := scanLines(r.r, func(line string) error {
		lineNo++
		row, err := decodeObject(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func decodeObject(line string) (Row, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Row{}, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Row{}, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var row Row
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Row{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Row{}, fmt.Errorf("unexpected token %v", tok)
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return Row{}, fmt.Errorf("field %s: %w", key, err)
		}
		row.Columns = append(row.Columns, key)
		row.Values = append(row.Values, normalizeNumber(v))
	}
	return row, nil
}

func normalizeNumber(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
