package database

import (
	"context"
	"database/sql"
)

// Querier is the read side shared by *sql.DB, *sql.Conn and *Session
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer is the write side shared by *sql.DB, *sql.Conn and *Session
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conn is a handle that can both query and execute
type Conn interface {
	Querier
	Execer
}

// ScanMap reads the current row into a map keyed by column name
func ScanMap(rows *sql.Rows) (map[string]sql.NullString, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]sql.NullString, len(cols))
	for i, c := range cols {
		out[c] = vals[i]
	}
	return out, nil
}

// QueryMaps runs query and returns every row as a map keyed by column name.
// It suits SHOW statements whose column sets vary between server versions.
func QueryMaps(ctx context.Context, q Querier, query string, args ...any) ([]map[string]sql.NullString, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]sql.NullString
	for rows.Next() {
		m, err := ScanMap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
