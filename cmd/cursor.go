package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

type cursorKind int

const (
	cursorUnset cursorKind = iota
	cursorInt
	cursorFloat
	cursorTime
	cursorText
)

// Cursor is the order-key value of the last row written. The zero value is
// an unset cursor.
type Cursor struct {
	kind cursorKind
	i    int64
	f    float64
	t    time.Time
	s    string
}

// NewCursor converts a scanned column value into a cursor. nil yields an
// unset cursor.
func NewCursor(v interface{}) Cursor {
	switch val := v.(type) {
	case nil:
		return Cursor{}
	case Cursor:
		return val
	case int:
		return Cursor{kind: cursorInt, i: int64(val)}
	case int8:
		return Cursor{kind: cursorInt, i: int64(val)}
	case int16:
		return Cursor{kind: cursorInt, i: int64(val)}
	case int32:
		return Cursor{kind: cursorInt, i: int64(val)}
	case int64:
		return Cursor{kind: cursorInt, i: val}
	case uint8:
		return Cursor{kind: cursorInt, i: int64(val)}
	case uint16:
		return Cursor{kind: cursorInt, i: int64(val)}
	case uint32:
		return Cursor{kind: cursorInt, i: int64(val)}
	case float32:
		return Cursor{kind: cursorFloat, f: float64(val)}
	case float64:
		return Cursor{kind: cursorFloat, f: val}
	case time.Time:
		return Cursor{kind: cursorTime, t: val}
	case []byte:
		return Cursor{kind: cursorText, s: string(val)}
	case string:
		return Cursor{kind: cursorText, s: val}
	default:
		return Cursor{kind: cursorText, s: fmt.Sprint(val)}
	}
}

// cursorTimeLayout is the text form of timestamp cursors, matching how SQLite
// stores dates as text.
const cursorTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

// ParseCursor restores a cursor from its checkpoint text. Only text that the
// restored cursor prints back unchanged becomes a number or timestamp, so
// the restored cursor renders the same predicate as the one that was saved.
func ParseCursor(s string) Cursor {
	if s == "" {
		return Cursor{}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(i, 10) == s {
		return Cursor{kind: cursorInt, i: i}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strconv.FormatFloat(f, 'f', -1, 64) == s {
		return Cursor{kind: cursorFloat, f: f}
	}
	if t, err := time.Parse(cursorTimeLayout, s); err == nil && t.Format(cursorTimeLayout) == s {
		return Cursor{kind: cursorTime, t: t}
	}
	return Cursor{kind: cursorText, s: s}
}

// IsSet reports whether the cursor holds a value.
func (c Cursor) IsSet() bool {
	return c.kind != cursorUnset
}

// Value returns the underlying Go value, or nil when unset.
func (c Cursor) Value() interface{} {
	switch c.kind {
	case cursorInt:
		return c.i
	case cursorFloat:
		return c.f
	case cursorTime:
		return c.t
	case cursorText:
		return c.s
	default:
		return nil
	}
}

// String returns the checkpoint text form.
func (c Cursor) String() string {
	switch c.kind {
	case cursorInt:
		return strconv.FormatInt(c.i, 10)
	case cursorFloat:
		return strconv.FormatFloat(c.f, 'f', -1, 64)
	case cursorTime:
		return c.t.Format(cursorTimeLayout)
	case cursorText:
		return c.s
	default:
		return ""
	}
}

// SQLLiteral renders the cursor for a page predicate as a quoted literal of
// its checkpoint text. The database converts the literal to the order key's
// column type, so a number read back from a text column still compares as
// text.
func (c Cursor) SQLLiteral() string {
	if !c.IsSet() {
		return "NULL"
	}
	return pq.QuoteLiteral(c.String())
}

// Equal reports whether both cursors hold the same value. Timestamps compare
// as instants, everything else by checkpoint text.
func (c Cursor) Equal(o Cursor) bool {
	if c.IsSet() != o.IsSet() {
		return false
	}
	if c.kind == cursorTime && o.kind == cursorTime {
		return c.t.Equal(o.t)
	}
	return c.String() == o.String()
}

// CursorTracker holds the pagination cursor of a single scan. Rows arrive in
// the database's ORDER BY order, which is the only ordering it trusts.
type CursorTracker struct {
	current Cursor
}

// Current returns the last accepted cursor.
func (t *CursorTracker) Current() Cursor {
	return t.current
}

// Reset replaces the cursor, used when resuming from a checkpoint.
func (t *CursorTracker) Reset(c Cursor) {
	t.current = c
}

// Advance moves the cursor to the order key of the last row of a page and
// reports whether it differs from the cursor the page started from.
func (t *CursorTracker) Advance(last Cursor) bool {
	if !last.IsSet() || last.Equal(t.current) {
		return false
	}
	t.current = last
	return true
}
