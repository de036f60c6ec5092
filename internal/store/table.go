package store

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ehrlich-b/vitrine/frame"
)

// Paged reads clamp the row limit to this range.
const (
	MinPageLimit = 1
	MaxPageLimit = 10000
)

// column pairs a stored column with its logical dtype.
type column struct {
	Name  string
	Dtype string
}

// PageOptions select a window of a columnar artifact.
type PageOptions struct {
	Offset  int
	Limit   int
	SortCol string
	SortAsc bool
	Search  string
}

// TablePage is one window of rows plus the query totals.
type TablePage struct {
	Columns   []string         `json:"columns"`
	Dtypes    []string         `json:"dtypes"`
	Rows      []map[string]any `json:"rows"`
	TotalRows int              `json:"total_rows"`
	Offset    int              `json:"offset"`
	Limit     int              `json:"limit"`
}

// ColumnStats summarizes one column of a columnar artifact.
type ColumnStats struct {
	NullCount    int64    `json:"null_count"`
	ApproxUnique int64    `json:"approx_unique"`
	Min          any      `json:"min,omitempty"`
	Max          any      `json:"max,omitempty"`
	Mean         *float64 `json:"mean,omitempty"`
}

// TableStats holds per-column stats in column order.
type TableStats struct {
	Columns []string               `json:"columns"`
	Stats   map[string]ColumnStats `json:"stats"`
}

func (s *Store) tablePath(id string) string {
	return s.ArtifactPath(id, "columnar")
}

// StoreFrame writes a frame as the columnar artifact for id, replacing any
// prior table. The artifact is a single-table SQLite file plus a dtypes
// table carrying logical column types.
func (s *Store) StoreFrame(id string, f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.tablePath(id)
	os.Remove(path)
	os.Remove(path + "-journal")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open columnar artifact: %w", err)
	}
	defer db.Close()

	dtypes := f.Dtypes()
	cols := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = quoteIdent(c) + " " + sqlType(dtypes[i])
	}
	if _, err := db.Exec("CREATE TABLE data (" + strings.Join(cols, ", ") + ")"); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}
	if _, err := db.Exec("CREATE TABLE dtypes (pos INTEGER PRIMARY KEY, name TEXT NOT NULL, dtype TEXT NOT NULL)"); err != nil {
		return fmt.Errorf("create dtypes table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	for i, c := range f.Columns {
		if _, err := tx.Exec("INSERT INTO dtypes (pos, name, dtype) VALUES (?, ?, ?)", i, c, dtypes[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("record dtype: %w", err)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Columns)), ", ")
	quoted := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		quoted[i] = quoteIdent(c)
	}
	stmt, err := tx.Prepare("INSERT INTO data (" + strings.Join(quoted, ", ") + ") VALUES (" + placeholders + ")")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	args := make([]any, len(f.Columns))
	for _, row := range f.Rows {
		for j, v := range row {
			args[j] = bindValue(v)
		}
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert row: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func sqlType(dtype string) string {
	switch dtype {
	case "int64", "bool":
		return "INTEGER"
	case "float64":
		return "REAL"
	default:
		return "TEXT"
	}
}

// bindValue converts a frame cell into its SQL representation.
func bindValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// openTable opens the columnar artifact and loads its schema.
func (s *Store) openTable(id string) (*sql.DB, []column, error) {
	path := s.tablePath(id)
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("table artifact %s: %w", id, ErrNotFound)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open columnar artifact: %w", err)
	}
	rows, err := db.Query("SELECT name, dtype FROM dtypes ORDER BY pos")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("read schema: %w", err)
	}
	defer rows.Close()
	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.Dtype); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("scan schema: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("read schema: %w", err)
	}
	return db, cols, nil
}

// buildQuery assembles SELECT and COUNT statements for the page options.
// User-typed search text is embedded only after sanitization; identifiers
// come from the stored schema, never from the request.
func buildQuery(cols []column, opts PageOptions) (selectSQL, countSQL string) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c.Name)
	}
	base := "SELECT " + strings.Join(quoted, ", ") + " FROM data"
	count := "SELECT COUNT(*) FROM data"

	if escaped, ok := SanitizeSearch(opts.Search); ok {
		preds := make([]string, len(cols))
		for i, c := range cols {
			preds[i] = "CAST(" + quoteIdent(c.Name) + " AS TEXT) LIKE '%" + escaped + `%' ESCAPE '\'`
		}
		where := " WHERE (" + strings.Join(preds, " OR ") + ")"
		base += where
		count += where
	}

	if opts.SortCol != "" {
		for _, c := range cols {
			if c.Name == opts.SortCol {
				dir := "DESC"
				if opts.SortAsc {
					dir = "ASC"
				}
				base += " ORDER BY " + quoteIdent(c.Name) + " " + dir
				break
			}
		}
	}
	return base, count
}

// ReadTablePage queries a window of the columnar artifact. Limit clamps to
// [1, 10000]; negative offsets clamp to 0; unknown sort columns are ignored;
// a rejected search yields the unfiltered table.
func (s *Store) ReadTablePage(id string, opts PageOptions) (*TablePage, error) {
	db, cols, err := s.openTable(id)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if opts.Limit < MinPageLimit {
		opts.Limit = MinPageLimit
	}
	if opts.Limit > MaxPageLimit {
		opts.Limit = MaxPageLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	selectSQL, countSQL := buildQuery(cols, opts)

	var total int
	if err := db.QueryRow(countSQL).Scan(&total); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	rows, err := db.Query(selectSQL+" LIMIT ? OFFSET ?", opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	page := &TablePage{
		Columns:   columnNames(cols),
		Dtypes:    columnDtypes(cols),
		Rows:      []map[string]any{},
		TotalRows: total,
		Offset:    opts.Offset,
		Limit:     opts.Limit,
	}
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c.Name] = displayValue(vals[i], c.Dtype)
		}
		page.Rows = append(page.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return page, nil
}

// ReadTableStats computes per-column summaries.
func (s *Store) ReadTableStats(id string) (*TableStats, error) {
	db, cols, err := s.openTable(id)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	out := &TableStats{Columns: columnNames(cols), Stats: make(map[string]ColumnStats, len(cols))}
	for _, c := range cols {
		q := quoteIdent(c.Name)
		var cs ColumnStats
		var minV, maxV any
		err := db.QueryRow("SELECT COUNT(*) - COUNT(" + q + "), COUNT(DISTINCT " + q + "), MIN(" + q + "), MAX(" + q + ") FROM data").
			Scan(&cs.NullCount, &cs.ApproxUnique, &minV, &maxV)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", c.Name, err)
		}
		cs.Min = displayValue(minV, c.Dtype)
		cs.Max = displayValue(maxV, c.Dtype)

		if c.Dtype == "int64" || c.Dtype == "float64" {
			var mean sql.NullFloat64
			if err := db.QueryRow("SELECT AVG(" + q + ") FROM data").Scan(&mean); err != nil {
				return nil, fmt.Errorf("mean for %s: %w", c.Name, err)
			}
			if mean.Valid {
				rounded := math.Round(mean.Float64*1e4) / 1e4
				cs.Mean = &rounded
			}
		}
		out.Stats[c.Name] = cs
	}
	return out, nil
}

// ExportTableCSV streams the full table (same sort/search as a paged read,
// no window) as CSV.
func (s *Store) ExportTableCSV(id string, opts PageOptions, w io.Writer) error {
	db, cols, err := s.openTable(id)
	if err != nil {
		return err
	}
	defer db.Close()

	selectSQL, _ := buildQuery(cols, opts)
	rows, err := db.Query(selectSQL)
	if err != nil {
		return fmt.Errorf("query export: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(columnNames(cols)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(cols))
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return err
		}
		for i, c := range cols {
			record[i] = frame.CellString(logicalValue(vals[i], c.Dtype))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// ReadRowsAt returns the rows at the given zero-based positions, in the
// order requested. Out-of-range positions are skipped; duplicates repeat.
func (s *Store) ReadRowsAt(id string, indices []int) (*frame.Frame, error) {
	db, cols, err := s.openTable(id)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	names := columnNames(cols)
	if len(indices) == 0 {
		return frame.New(names, nil)
	}

	// Insertion order is rowid order, so position i lives at rowid i+1.
	seen := make(map[int64]bool, len(indices))
	var ids []int64
	for _, idx := range indices {
		if idx < 0 {
			continue
		}
		rid := int64(idx) + 1
		if !seen[rid] {
			seen[rid] = true
			ids = append(ids, rid)
		}
	}
	if len(ids) == 0 {
		return frame.New(names, nil)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c.Name)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, rid := range ids {
		args[i] = rid
	}
	rows, err := db.Query("SELECT rowid, "+strings.Join(quoted, ", ")+" FROM data WHERE rowid IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	byRowid := make(map[int64][]any, len(ids))
	for rows.Next() {
		vals, err := scanRow(rows, len(cols)+1)
		if err != nil {
			return nil, err
		}
		rid, ok := vals[0].(int64)
		if !ok {
			continue
		}
		logical := make([]any, len(cols))
		for i, c := range cols {
			logical[i] = logicalValue(vals[i+1], c.Dtype)
		}
		byRowid[rid] = logical
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	var out [][]any
	for _, idx := range indices {
		if idx < 0 {
			continue
		}
		if row, ok := byRowid[int64(idx)+1]; ok {
			out = append(out, append([]any(nil), row...))
		}
	}
	return frame.New(names, out)
}

func columnNames(cols []column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func columnDtypes(cols []column) []string {
	dtypes := make([]string, len(cols))
	for i, c := range cols {
		dtypes[i] = c.Dtype
	}
	return dtypes
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// displayValue maps stored values to JSON-friendly page values: bools are
// restored from their integer encoding, timestamps stay ISO strings.
func displayValue(v any, dtype string) any {
	if v == nil {
		return nil
	}
	if dtype == "bool" {
		if n, ok := v.(int64); ok {
			return n != 0
		}
	}
	return v
}

// logicalValue additionally revives timestamps for frame results.
func logicalValue(v any, dtype string) any {
	v = displayValue(v, dtype)
	if dtype == "timestamp" {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return v
}
