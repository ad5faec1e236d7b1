package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind classifies a column for sqlite DDL purposes.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindReal
	KindTimestamp
	KindBool
)

func (k Kind) sqlType() string {
	switch k {
	case KindInteger, KindBool:
		return "INTEGER"
	case KindReal:
		return "REAL"
	case KindTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// Column is one named, typed column of a batch.
type Column struct {
	Name string
	Kind Kind
}

// Batch is an ordered tabular payload headed for one table. Row values line
// up with Columns; missing cells are nil.
type Batch struct {
	Columns []Column
	Rows    [][]any
}

// BatchFromRows flattens decoded feed records into a batch. Columns are the
// union of keys across the rows, sorted for determinism, with types
// inferred from the values present.
func BatchFromRows(rows []map[string]any) Batch {
	names := make([]string, 0)
	seen := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				names = append(names, key)
			}
		}
	}
	sort.Strings(names)

	columns := make([]Column, 0, len(names))
	for _, name := range names {
		columns = append(columns, Column{Name: name, Kind: inferKind(rows, name)})
	}

	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = row[col.Name]
		}
		out = append(out, values)
	}
	return Batch{Columns: columns, Rows: out}
}

// inferKind picks a column type from the values observed in the batch.
// Numeric columns become INTEGER only when every value is a whole number.
func inferKind(rows []map[string]any, name string) Kind {
	numeric := false
	integral := true
	for _, row := range rows {
		value, ok := row[name]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case bool:
			return KindBool
		case time.Time:
			return KindTimestamp
		case string:
			return KindText
		case float64:
			numeric = true
			if typed != float64(int64(typed)) {
				integral = false
			}
		case int, int64:
			numeric = true
		default:
			return KindText
		}
	}
	if numeric {
		if integral {
			return KindInteger
		}
		return KindReal
	}
	return KindText
}

// SchemaError reports a failed create or alter. The batch is rolled back
// and skipped; the run continues with the next item.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("upsert: schema change on %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// planSchema creates the table on first sight or additively alters in any
// missing columns. Existing columns are never dropped or retyped.
func planSchema(ctx context.Context, tx *sql.Tx, table string, batch Batch) error {
	existing, err := tableColumns(ctx, tx, table)
	if err != nil {
		return &SchemaError{Table: table, Err: err}
	}

	if existing == nil {
		if err := createTable(ctx, tx, table, batch.Columns); err != nil {
			return &SchemaError{Table: table, Err: err}
		}
		return nil
	}

	for _, col := range batch.Columns {
		if _, ok := existing[col.Name]; ok || col.Name == "updated_at" {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`, table, col.Name, col.Kind.sqlType())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &SchemaError{Table: table, Err: err}
		}
	}
	return nil
}

// tableColumns returns the existing column set, or nil when the table does
// not exist yet.
func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]struct{}, error) {
	var name string
	err := tx.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var (
			cid        int
			colName    string
			colType    string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &defaultVal, &primaryKey); err != nil {
			return nil, err
		}
		columns[colName] = struct{}{}
	}
	return columns, rows.Err()
}

func createTable(ctx context.Context, tx *sql.Tx, table string, columns []Column) error {
	defs := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		defs = append(defs, fmt.Sprintf("%q %s", col.Name, col.Kind.sqlType()))
	}
	defs = append(defs, `"updated_at" TIMESTAMP`)
	stmt := fmt.Sprintf("CREATE TABLE %q (%s)", table, strings.Join(defs, ", "))
	_, err := tx.ExecContext(ctx, stmt)
	return err
}

func dropTable(ctx context.Context, tx *sql.Tx, table string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))
	return err
}
