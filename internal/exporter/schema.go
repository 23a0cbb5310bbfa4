package exporter

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"site-snapshot/internal/database"
	"site-snapshot/internal/jobstate"
)

// Querier is the read side of *sql.DB, *sql.Conn and *database.Session
type Querier = database.Querier

// TableInfo is the discovered layout of one table
type TableInfo struct {
	Name    string
	Columns []Column
	// Selected are the columns dumped; generated columns are left out
	Selected []Column
	// KeyColumn is set when the table has a single integer primary key
	KeyColumn string
	// OrderBy lists the primary key columns used to stabilise offset paging
	OrderBy []string
}

// CursorKind reports how the table is paged
func (t *TableInfo) CursorKind() jobstate.CursorKind {
	if t.KeyColumn != "" {
		return jobstate.CursorKey
	}
	return jobstate.CursorOffset
}

// HasGenerated reports whether some columns are left out of the dump
func (t *TableInfo) HasGenerated() bool {
	return len(t.Selected) != len(t.Columns)
}

func (t *TableInfo) selectList() string {
	if !t.HasGenerated() {
		return "*"
	}
	names := make([]string, len(t.Selected))
	for i, c := range t.Selected {
		names[i] = QuoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}

func (t *TableInfo) insertColumns() string {
	if !t.HasGenerated() {
		return ""
	}
	return "(" + t.selectList() + ") "
}

var definerPattern = regexp.MustCompile("(?i)\\s*DEFINER\\s*=\\s*(`[^`]*`|'[^']*'|[^\\s@]+)@(`[^`]*`|'[^']*'|\\S+)")

// StripDefiner removes DEFINER=user@host clauses so objects recreate under the importing user
func StripDefiner(stmt string) string {
	return definerPattern.ReplaceAllString(stmt, "")
}

// listFullTables returns table names by type ("BASE TABLE" or "VIEW")
func listFullTables(ctx context.Context, q Querier) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, "SHOW FULL TABLES")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan table list: %w", err)
		}
		out[strings.ToUpper(kind)] = append(out[strings.ToUpper(kind)], name)
	}
	return out, rows.Err()
}

// ListTables returns the base tables to dump in dump order. Unless all is
// set, only tables carrying prefix are returned.
func ListTables(ctx context.Context, q Querier, prefix string, all bool, skip []string) ([]string, error) {
	byType, err := listFullTables(ctx, q)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range byType["BASE TABLE"] {
		if !all && !strings.HasPrefix(name, prefix) {
			continue
		}
		if slices.Contains(skip, name) {
			continue
		}
		names = append(names, name)
	}
	return OrderTables(names, prefix), nil
}

// OrderTables puts options, users and usermeta first so a partial restore
// still yields a site that can be logged into, then the rest alphabetically.
func OrderTables(names []string, prefix string) []string {
	first := []string{prefix + "options", prefix + "users", prefix + "usermeta"}
	var head, rest []string
	for _, f := range first {
		if slices.Contains(names, f) {
			head = append(head, f)
		}
	}
	for _, n := range names {
		if !slices.Contains(first, n) {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(head, rest...)
}

// Describe reads the columns and paging strategy of table
func Describe(ctx context.Context, q Querier, table string) (*TableInfo, error) {
	rows, err := database.QueryMaps(ctx, q, "SHOW COLUMNS FROM "+QuoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}

	info := &TableInfo{Name: table}
	var primary []Column
	for _, r := range rows {
		col := Column{
			Name:     r["Field"].String,
			Type:     r["Type"].String,
			Nullable: strings.EqualFold(r["Null"].String, "YES"),
			Default:  r["Default"],
			Primary:  strings.EqualFold(r["Key"].String, "PRI"),
		}
		col.Kind = ClassifyType(col.Type)
		info.Columns = append(info.Columns, col)
		if !strings.Contains(strings.ToUpper(r["Extra"].String), "GENERATED") {
			info.Selected = append(info.Selected, col)
		}
		if col.Primary {
			primary = append(primary, col)
		}
	}

	if len(primary) == 1 && primary[0].Kind == KindInteger {
		info.KeyColumn = primary[0].Name
	}
	for _, p := range primary {
		info.OrderBy = append(info.OrderBy, p.Name)
	}
	return info, nil
}

// CreateStatement returns the CREATE TABLE statement of table
func CreateStatement(ctx context.Context, q Querier, table string) (string, error) {
	rows, err := q.QueryContext(ctx, "SHOW CREATE TABLE "+QuoteIdent(table))
	if err != nil {
		return "", fmt.Errorf("failed to read structure of %s: %w", table, err)
	}
	defer rows.Close()

	var name, create string
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no structure returned for %s", table)
	}
	if err := rows.Scan(&name, &create); err != nil {
		return "", fmt.Errorf("failed to scan structure of %s: %w", table, err)
	}
	return create, nil
}

// Triggers returns the CREATE TRIGGER statements attached to table
func Triggers(ctx context.Context, q Querier, table string) ([]string, error) {
	names, err := database.QueryMaps(ctx, q,
		"SELECT TRIGGER_NAME FROM information_schema.TRIGGERS WHERE TRIGGER_SCHEMA = DATABASE() AND EVENT_OBJECT_TABLE = ? ORDER BY TRIGGER_NAME",
		table)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers of %s: %w", table, err)
	}

	var out []string
	for _, n := range names {
		rows, err := database.QueryMaps(ctx, q, "SHOW CREATE TRIGGER "+QuoteIdent(n["TRIGGER_NAME"].String))
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger %s: %w", n["TRIGGER_NAME"].String, err)
		}
		for _, r := range rows {
			if stmt := r["SQL Original Statement"]; stmt.Valid {
				out = append(out, StripDefiner(stmt.String))
			}
		}
	}
	return out, nil
}

// Views returns the CREATE VIEW statements of views carrying prefix
func Views(ctx context.Context, q Querier, prefix string) ([]NamedStatement, error) {
	byType, err := listFullTables(ctx, q)
	if err != nil {
		return nil, err
	}
	names := byType["VIEW"]
	sort.Strings(names)

	var out []NamedStatement
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rows, err := database.QueryMaps(ctx, q, "SHOW CREATE VIEW "+QuoteIdent(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read view %s: %w", name, err)
		}
		for _, r := range rows {
			if stmt := r["Create View"]; stmt.Valid {
				out = append(out, NamedStatement{Kind: "VIEW", Name: name, SQL: StripDefiner(stmt.String)})
			}
		}
	}
	return out, nil
}

// NamedStatement is the definition of a view or stored routine
type NamedStatement struct {
	Kind string // VIEW, PROCEDURE or FUNCTION
	Name string
	SQL  string
}

// Routines returns the stored procedures and functions of the current schema.
// Routines whose body the user may not read are returned with an empty SQL.
func Routines(ctx context.Context, q Querier) ([]NamedStatement, error) {
	list, err := database.QueryMaps(ctx, q,
		"SELECT ROUTINE_NAME, ROUTINE_TYPE FROM information_schema.ROUTINES WHERE ROUTINE_SCHEMA = DATABASE() ORDER BY ROUTINE_TYPE, ROUTINE_NAME")
	if err != nil {
		return nil, fmt.Errorf("failed to list routines: %w", err)
	}

	var out []NamedStatement
	for _, r := range list {
		name, kind := r["ROUTINE_NAME"].String, strings.ToUpper(r["ROUTINE_TYPE"].String)
		if kind != "PROCEDURE" && kind != "FUNCTION" {
			continue
		}
		rows, err := database.QueryMaps(ctx, q, "SHOW CREATE "+kind+" "+QuoteIdent(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s %s: %w", strings.ToLower(kind), name, err)
		}
		ns := NamedStatement{Kind: kind, Name: name}
		for _, row := range rows {
			col := "Create Procedure"
			if kind == "FUNCTION" {
				col = "Create Function"
			}
			if stmt := row[col]; stmt.Valid {
				ns.SQL = StripDefiner(stmt.String)
			}
		}
		out = append(out, ns)
	}
	return out, nil
}
