package cmd

import (
	"time"

	"github.com/airframesio/data-exporter/cmd/formatters"
)

// ColumnInfo describes one output column of a columnar export
type ColumnInfo struct {
	Name     string `yaml:"name" json:"name" mapstructure:"name"`
	DataType string `yaml:"type" json:"type" mapstructure:"type"`
}

// GetName implements formatters.ColumnSchema
func (c *ColumnInfo) GetName() string {
	return c.Name
}

// GetType implements formatters.ColumnSchema
func (c *ColumnInfo) GetType() string {
	return c.DataType
}

// TableSchema is the fixed column layout of an export
type TableSchema struct {
	Name    string
	Columns []ColumnInfo
}

// GetColumns implements formatters.TableSchema
func (s *TableSchema) GetColumns() []formatters.ColumnSchema {
	cols := make([]formatters.ColumnSchema, len(s.Columns))
	for i := range s.Columns {
		cols[i] = &s.Columns[i]
	}
	return cols
}

// inferTableSchema derives a schema from the non-nil values of every column
// in rows. Integer columns that also hold floats widen to float8, any other
// mix falls back to text, and columns that are nil throughout become text.
func inferTableSchema(name string, rows []formatters.Row) *TableSchema {
	if len(rows) == 0 {
		return nil
	}

	schema := &TableSchema{Name: name}
	for i, col := range rows[0].Columns {
		dataType := ""
		for _, row := range rows {
			if i >= len(row.Values) || row.Values[i] == nil {
				continue
			}
			dataType = widenType(dataType, typeNameOf(row.Values[i]))
		}
		if dataType == "" {
			dataType = "text"
		}
		schema.Columns = append(schema.Columns, ColumnInfo{Name: col, DataType: dataType})
	}
	return schema
}

var typeRank = map[string]int{"int4": 1, "int8": 2, "float4": 3, "float8": 4}

func widenType(current, next string) string {
	switch {
	case current == "" || current == next:
		return next
	case typeRank[current] > 0 && typeRank[next] > 0:
		if typeRank[next] > typeRank[current] {
			current = next
		}
		if current == "float4" {
			return "float8"
		}
		return current
	default:
		return "text"
	}
}

func typeNameOf(v interface{}) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int8, int16, int32, uint8, uint16:
		return "int4"
	case int, int64, uint32:
		return "int8"
	case float32:
		return "float4"
	case float64:
		return "float8"
	case []byte:
		return "bytea"
	case time.Time:
		return "timestamptz"
	default:
		return "text"
	}
}
