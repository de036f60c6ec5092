// Package frame provides a small column-ordered tabular container. It is the
// currency between agent code, the redactor, and the columnar artifact store.
package frame

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Frame holds rows in column order. Cells are normalized scalars: int64,
// float64, bool, string, time.Time, or nil.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// New builds a frame, validating row widths and normalizing cell types.
func New(columns []string, rows [][]any) (*Frame, error) {
	f := &Frame{Columns: append([]string(nil), columns...), Rows: make([][]any, len(rows))}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(columns))
		}
		norm := make([]any, len(row))
		for j, v := range row {
			norm[j] = normalizeCell(v)
		}
		f.Rows[i] = norm
	}
	return f, nil
}

// FromRecords builds a frame from row maps. Column order follows the columns
// argument when given, otherwise the sorted union of keys.
func FromRecords(records []map[string]any, columns ...string) *Frame {
	if len(columns) == 0 {
		seen := make(map[string]bool)
		for _, r := range records {
			for k := range r {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = normalizeCell(r[c])
		}
		rows[i] = row
	}
	return &Frame{Columns: columns, Rows: rows}
}

func normalizeCell(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case bool:
		return x
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// NumRows returns the row count.
func (f *Frame) NumRows() int {
	return len(f.Rows)
}

// NumCols returns the column count.
func (f *Frame) NumCols() int {
	return len(f.Columns)
}

// Shape returns (rows, columns).
func (f *Frame) Shape() (int, int) {
	return len(f.Rows), len(f.Columns)
}

// ColumnIndex returns the position of a column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Head returns a copy of the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	if n < 0 {
		n = 0
	}
	return f.slice(0, n)
}

// Select returns a copy holding the rows at the given indices, in order.
// Out-of-range indices are skipped.
func (f *Frame) Select(indices []int) *Frame {
	out := &Frame{Columns: append([]string(nil), f.Columns...)}
	for _, i := range indices {
		if i < 0 || i >= len(f.Rows) {
			continue
		}
		out.Rows = append(out.Rows, append([]any(nil), f.Rows[i]...))
	}
	return out
}

// Copy returns a deep copy of the frame.
func (f *Frame) Copy() *Frame {
	return f.slice(0, len(f.Rows))
}

func (f *Frame) slice(lo, hi int) *Frame {
	out := &Frame{
		Columns: append([]string(nil), f.Columns...),
		Rows:    make([][]any, 0, hi-lo),
	}
	for _, row := range f.Rows[lo:hi] {
		out.Rows = append(out.Rows, append([]any(nil), row...))
	}
	return out
}

// Dtypes infers a type name per column: int64, float64, bool, timestamp, or
// string. Mixed int/float columns widen to float64; anything else is string.
func (f *Frame) Dtypes() []string {
	dtypes := make([]string, len(f.Columns))
	for j := range f.Columns {
		var hasInt, hasFloat, hasBool, hasTime, hasStr bool
		for _, row := range f.Rows {
			switch row[j].(type) {
			case nil:
			case int64:
				hasInt = true
			case float64:
				hasFloat = true
			case bool:
				hasBool = true
			case time.Time:
				hasTime = true
			default:
				hasStr = true
			}
		}
		switch {
		case hasStr:
			dtypes[j] = "string"
		case hasTime && !hasInt && !hasFloat && !hasBool:
			dtypes[j] = "timestamp"
		case hasBool && !hasInt && !hasFloat && !hasTime:
			dtypes[j] = "bool"
		case hasFloat:
			dtypes[j] = "float64"
		case hasInt:
			dtypes[j] = "int64"
		default:
			dtypes[j] = "string"
		}
	}
	return dtypes
}

// Records returns JSON-safe row maps: times become ISO strings, non-finite
// floats become nil.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.Rows))
	for i, row := range f.Rows {
		m := make(map[string]any, len(f.Columns))
		for j, c := range f.Columns {
			m[c] = jsonSafe(row[j])
		}
		out[i] = m
	}
	return out
}

func jsonSafe(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	default:
		return v
	}
}

// CellString formats a cell for display: nil is empty, integral floats drop
// the fraction, other floats use %.4g.
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ""
		}
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%.4g", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}
