// Package upsert maps incoming tabular feed payloads onto persisted sqlite
// tables. Schema evolves additively from the batches themselves; fact
// tables are replaced per (commodity, marketing year) partition and
// metadata tables are recreated wholesale on every sync.
package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

// factKey is the dedup key within one partition.
var factKeyColumns = []string{"weekEndingDate", "countryCode"}

// partitionColumns identify the replace-on-upsert unit of a fact table.
var partitionColumns = [2]string{"commodity_code", "market_year"}

// Engine writes batches into the store. One Upsert call is one atomic
// transaction covering schema changes, deletes and inserts.
type Engine struct {
	db         *sql.DB
	log        *slog.Logger
	factTables map[string]bool
	now        func() time.Time
}

// New builds an engine over db. commodity_exports is the only fact table.
func New(db *sql.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:         db,
		log:        logger,
		factTables: map[string]bool{"commodity_exports": true},
		now:        time.Now,
	}
}

// Upsert writes rows into table under the policy the table class demands.
// Re-running with an identical batch leaves the same content behind.
func (e *Engine) Upsert(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		e.log.Info("no data to process", "table", table)
		return nil
	}

	batch := BatchFromRows(rows)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	switch {
	case strings.HasPrefix(table, "metadata_"):
		err = e.replaceAll(ctx, tx, table, batch)
	case e.factTables[table]:
		batch = dedupeFactBatch(batch)
		err = e.replacePartitions(ctx, tx, table, batch)
	default:
		err = e.appendOnly(ctx, tx, table, batch)
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	e.log.Info("processed batch", "table", table, "rows", len(batch.Rows))
	return nil
}

// replaceAll drops and recreates a metadata table. Reference data is small
// and versioning it is not worth the complexity.
func (e *Engine) replaceAll(ctx context.Context, tx *sql.Tx, table string, batch Batch) error {
	if err := dropTable(ctx, tx, table); err != nil {
		return &SchemaError{Table: table, Err: err}
	}
	if err := createTable(ctx, tx, table, batch.Columns); err != nil {
		return &SchemaError{Table: table, Err: err}
	}
	return e.insert(ctx, tx, table, batch)
}

// replacePartitions deletes every (commodity, marketing year) partition the
// batch touches and appends the deduplicated rows.
func (e *Engine) replacePartitions(ctx context.Context, tx *sql.Tx, table string, batch Batch) error {
	if err := planSchema(ctx, tx, table, batch); err != nil {
		return err
	}

	codeIdx := batch.columnIndex(partitionColumns[0])
	yearIdx := batch.columnIndex(partitionColumns[1])
	if codeIdx < 0 || yearIdx < 0 {
		return e.insert(ctx, tx, table, batch)
	}

	seen := make(map[[2]string]struct{})
	for _, row := range batch.Rows {
		key := [2]string{fmt.Sprint(row[codeIdx]), fmt.Sprint(row[yearIdx])}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		stmt := fmt.Sprintf(`DELETE FROM %q WHERE %q = ? AND %q = ?`,
			table, partitionColumns[0], partitionColumns[1])
		if _, err := tx.ExecContext(ctx, stmt, row[codeIdx], row[yearIdx]); err != nil {
			return err
		}
		e.log.Info("replaced partition", "table", table,
			"commodity", key[0], "year", key[1])
	}

	return e.insert(ctx, tx, table, batch)
}

func (e *Engine) appendOnly(ctx context.Context, tx *sql.Tx, table string, batch Batch) error {
	if err := planSchema(ctx, tx, table, batch); err != nil {
		return err
	}
	return e.insert(ctx, tx, table, batch)
}

func (e *Engine) insert(ctx context.Context, tx *sql.Tx, table string, batch Batch) error {
	names := make([]string, 0, len(batch.Columns)+1)
	for _, col := range batch.Columns {
		names = append(names, fmt.Sprintf("%q", col.Name))
	}
	names = append(names, `"updated_at"`)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s)", table, strings.Join(names, ", "), placeholders,
	))
	if err != nil {
		return err
	}
	defer stmt.Close()

	updatedAt := e.now().UTC().Format(timestampLayout)
	for _, row := range batch.Rows {
		values := make([]any, 0, len(row)+1)
		values = append(values, row...)
		values = append(values, updatedAt)
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return err
		}
	}
	return nil
}

func (b Batch) columnIndex(name string) int {
	for i, col := range b.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// dedupeFactBatch resolves intra-batch duplicates on (weekEndingDate,
// countryCode) within each partition. Rows are sorted ascending by
// week-ending date and the last occurrence wins: the feed carries no
// revision timestamp, and corrections arrive later in the feed, so last is
// the best available proxy for most authoritative.
func dedupeFactBatch(batch Batch) Batch {
	weekIdx := batch.columnIndex(factKeyColumns[0])
	countryIdx := batch.columnIndex(factKeyColumns[1])
	codeIdx := batch.columnIndex(partitionColumns[0])
	yearIdx := batch.columnIndex(partitionColumns[1])
	if weekIdx < 0 || countryIdx < 0 {
		return batch
	}

	rows := make([][]any, len(batch.Rows))
	copy(rows, batch.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i][weekIdx]) < fmt.Sprint(rows[j][weekIdx])
	})

	type key struct{ code, year, week, country string }
	last := make(map[key]int, len(rows))
	for i, row := range rows {
		k := key{week: fmt.Sprint(row[weekIdx]), country: fmt.Sprint(row[countryIdx])}
		if codeIdx >= 0 {
			k.code = fmt.Sprint(row[codeIdx])
		}
		if yearIdx >= 0 {
			k.year = fmt.Sprint(row[yearIdx])
		}
		last[k] = i
	}

	kept := make([][]any, 0, len(last))
	for i, row := range rows {
		k := key{week: fmt.Sprint(row[weekIdx]), country: fmt.Sprint(row[countryIdx])}
		if codeIdx >= 0 {
			k.code = fmt.Sprint(row[codeIdx])
		}
		if yearIdx >= 0 {
			k.year = fmt.Sprint(row[yearIdx])
		}
		if last[k] == i {
			kept = append(kept, row)
		}
	}
	return Batch{Columns: batch.Columns, Rows: kept}
}
