package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// maxQueryRows caps ExecuteQuery results.
const maxQueryRows = 1000

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries.
// This avoids false positives like "RESET" matching "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

// blockCommentPattern matches C-style block comments (/* ... */).
var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// SignagePointTimestamp returns when signagePoint was last recorded, or
// model.ErrNotFound.
func (s *Store) SignagePointTimestamp(ctx context.Context, signagePoint string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT ts FROM signage_point_events WHERE signage_point = ? ORDER BY ts DESC LIMIT 1`,
		signagePoint).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, model.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("duckdb: signage point lookup: %w", err)
	}
	return ts.UTC(), nil
}

// LatestHarvesterPlots returns the newest row per host among rows newer than since.
func (s *Store) LatestHarvesterPlots(ctx context.Context, since time.Time) ([]model.HarvesterPlots, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, host, plot_count, portable_plot_count, plot_size, portable_plot_size
		FROM harvester_events
		WHERE ts > ?
		QUALIFY row_number() OVER (PARTITION BY host ORDER BY ts DESC, id DESC) = 1
		ORDER BY host`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("duckdb: latest harvester plots: %w", err)
	}
	defer rows.Close()

	var out []model.HarvesterPlots
	for rows.Next() {
		var h model.HarvesterPlots
		if err := rows.Scan(&h.TS, &h.Host, &h.PlotCount, &h.PortablePlotCount, &h.PlotSize, &h.PortablePlotSize); err != nil {
			s.log.Warn("scan error", zap.String("query", "LatestHarvesterPlots"), zap.Error(err))
			continue
		}
		h.TS = h.TS.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestBlockchainState returns the newest blockchain state row, or model.ErrNotFound.
func (s *Store) LatestBlockchainState(ctx context.Context) (model.BlockchainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var st model.BlockchainState
	err := s.db.QueryRowContext(ctx, `
		SELECT ts, space, difficulty, peak_height, mempool_size, synced
		FROM blockchain_state_events
		ORDER BY ts DESC, id DESC
		LIMIT 1`).Scan(&st.TS, &st.Space, &st.Difficulty, &st.PeakHeight, &st.MempoolSize, &st.Synced)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BlockchainState{}, model.ErrNotFound
	}
	if err != nil {
		return model.BlockchainState{}, fmt.Errorf("duckdb: latest blockchain state: %w", err)
	}
	st.TS = st.TS.UTC()
	return st, nil
}

// ProofsFoundSince sums the proofs of farming attempts recorded after since.
func (s *Store) ProofsFoundSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT CAST(COALESCE(SUM(proofs), 0) AS BIGINT) FROM farming_info_events WHERE ts > ?`,
		since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("duckdb: proofs since: %w", err)
	}
	return n, nil
}

// TotalEventCount returns the number of stored events across all tables.
func (s *Store) TotalEventCount() (int64, error) {
	counts, err := s.TableRowCounts()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ExecuteQuery runs a read-only SQL query and returns results as maps.
// Only SELECT/WITH read queries are allowed; DDL/DML is rejected.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)

	// Reject semicolons to prevent statement chaining.
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("query must not contain semicolons")
	}

	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			s.log.Warn("scan error", zap.String("query", "ExecuteQuery"), zap.Error(err))
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription returns a human-readable description of the event tables.
func (s *Store) GetSchemaDescription() string {
	var b strings.Builder
	for i, k := range model.Kinds {
		t := eventTables[k]
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "Table '%s' (%s events): id (BIGINT), ts (TIMESTAMP, UTC), %s.",
			t.name, k, strings.Join(t.columns, ", "))
	}
	return b.String()
}

// TableRowCounts returns the row count of every event table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	names := TableNames()
	counts := make(map[string]int64, len(names))
	for _, table := range names {
		var count int64
		// Table names are constants, not user input.
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("duckdb: count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}

// DeleteBefore removes events older than cutoff from every table in one
// transaction and returns the number of deleted rows.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range TableNames() {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < ?", table), cutoff.UTC())
		if err != nil {
			return 0, fmt.Errorf("duckdb: delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			total += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
