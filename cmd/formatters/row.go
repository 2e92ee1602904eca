package formatters

// Row is one result record. Columns and Values are parallel and keep the
// order the data source returned them in.
type Row struct {
	Columns []string
	Values  []interface{}
}

// NewRow builds a row from parallel column and value slices.
func NewRow(columns []string, values []interface{}) Row {
	return Row{Columns: columns, Values: values}
}

// Get returns the value of column.
func (r Row) Get(column string) (interface{}, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Map returns the row keyed by column name.
func (r Row) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Columns))
	for i, c := range r.Columns {
		m[c] = r.Values[i]
	}
	return m
}
