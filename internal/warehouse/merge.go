package warehouse

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/entity"
)

// MergeResult reports what one batch did to its target table.
type MergeResult struct {
	Inserted int
	Updated  int
	Deduped  int // in-batch duplicate keys collapsed before writing
	Skipped  int // records normalization dropped before the batch reached the merge
}

// Rows returns the number of rows the batch touched in the table.
func (r MergeResult) Rows() int {
	return r.Inserted + r.Updated
}

// Merge upserts a batch into its entity's table inside a single transaction.
// Duplicate keys within the batch collapse to the last occurrence before any
// row is written, so re-delivered records cost an update, never a duplicate
// row. On error nothing is committed and the batch can be replayed whole.
func (s *Store) Merge(ctx context.Context, batch entity.Batch) (MergeResult, error) {
	if s == nil || s.pool == nil {
		return MergeResult{}, fmt.Errorf("warehouse store is not configured")
	}
	schema, err := entity.ByName(batch.Entity)
	if err != nil {
		return MergeResult{}, err
	}

	rows := dedupeLastWins(batch.Rows)
	result := MergeResult{
		Deduped: len(batch.Rows) - len(rows),
		Skipped: batch.Skipped,
	}
	if len(rows) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MergeResult{}, classify(batch.Entity, "begin merge transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := upsertSQL(schema)
	for _, row := range rows {
		args := make([]any, 0, len(row.Values)+1)
		args = append(args, row.Values...)
		args = append(args, row.LoadTimestamp)

		var inserted bool
		if err := tx.QueryRow(ctx, query, args...).Scan(&inserted); err != nil {
			return MergeResult{}, classify(batch.Entity, fmt.Sprintf("upsert %s key %s", batch.Entity, row.Key), err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MergeResult{}, classify(batch.Entity, "commit merge transaction", err)
	}

	s.logger.Debug("batch merged",
		zap.String("entity", batch.Entity),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("deduped", result.Deduped),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// dedupeLastWins collapses repeated keys to the latest occurrence while
// keeping the position of the first one, so output order stays deterministic.
func dedupeLastWins(rows []entity.Row) []entity.Row {
	out := make([]entity.Row, 0, len(rows))
	seen := make(map[string]int, len(rows))
	for _, row := range rows {
		if i, ok := seen[row.Key]; ok {
			out[i] = row
			continue
		}
		seen[row.Key] = len(out)
		out = append(out, row)
	}
	return out
}

// upsertSQL renders the keyed upsert for one schema. The RETURNING clause
// distinguishes inserts from updates: xmax is zero only for a freshly
// inserted row version.
func upsertSQL(schema entity.Schema) string {
	names := make([]string, 0, len(schema.Columns)+1)
	placeholders := make([]string, 0, len(schema.Columns)+1)
	updates := make([]string, 0, len(schema.Columns))

	for i, col := range schema.Columns {
		names = append(names, col.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if col.Name != entity.KeyColumn {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col.Name, col.Name))
		}
	}
	names = append(names, entity.LoadTimestampColumn)
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(schema.Columns)+1))
	updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", entity.LoadTimestampColumn, entity.LoadTimestampColumn))

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0)",
		schema.Table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		entity.KeyColumn,
		strings.Join(updates, ", "),
	)
}
