package poll

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLFetcher reads recent rows over a database/sql connection. Rows are
// ordered by the recency column descending and scanned generically so the
// monitored tables need no compiled-in schema.
type SQLFetcher struct {
	db          *sql.DB
	orderColumn string
}

// NewSQLFetcher creates a fetcher ordering by orderColumn (typically the
// insertion timestamp).
func NewSQLFetcher(db *sql.DB, orderColumn string) *SQLFetcher {
	if orderColumn == "" {
		orderColumn = "created_at"
	}
	return &SQLFetcher{db: db, orderColumn: orderColumn}
}

func (f *SQLFetcher) Recent(ctx context.Context, table string, limit int) ([]map[string]interface{}, error) {
	// Table names come from static configuration, not user input.
	query := fmt.Sprintf("SELECT * FROM `%s` ORDER BY `%s` DESC LIMIT ?", table, f.orderColumn)
	rows, err := f.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns for %s: %w", table, err)
	}

	var result []map[string]interface{}
	values := make([]interface{}, len(columns))
	for i := range values {
		values[i] = new(interface{})
	}
	for rows.Next() {
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(*(values[i].(*interface{})))
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return result, nil
}

// normalizeValue converts driver byte slices to strings so text columns,
// including the content hash, compare and encode as text.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
