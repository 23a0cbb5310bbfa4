package exporter

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// ColumnKind decides how a column's values are written
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindInteger
	KindBinary
	KindBit
)

// Column describes one table column as reported by SHOW COLUMNS
type Column struct {
	Name     string
	Type     string
	Kind     ColumnKind
	Nullable bool
	Default  sql.NullString
	Primary  bool
}

// ClassifyType maps a MySQL column type to the way its values are encoded
func ClassifyType(columnType string) ColumnKind {
	t := strings.ToLower(strings.TrimSpace(columnType))
	if i := strings.IndexAny(t, "( "); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint":
		return KindInteger
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob":
		return KindBinary
	case "bit":
		return KindBit
	default:
		return KindString
	}
}

// EncodeValue renders one value as a SQL literal. raw is nil for NULL.
func EncodeValue(col Column, raw []byte) string {
	switch col.Kind {
	case KindInteger:
		if raw == nil {
			if col.Default.Valid && col.Default.String != "" {
				return col.Default.String
			}
			return "NULL"
		}
		return string(raw)
	case KindBinary:
		if raw == nil {
			return "NULL"
		}
		if len(raw) == 0 {
			return "''"
		}
		return "0x" + hex.EncodeToString(raw)
	case KindBit:
		if raw == nil {
			return "NULL"
		}
		var b strings.Builder
		b.WriteString("b'")
		for _, c := range raw {
			fmt.Fprintf(&b, "%08b", c)
		}
		b.WriteString("'")
		return b.String()
	default:
		if raw == nil {
			return "NULL"
		}
		return QuoteString(raw)
	}
}

// QuoteString quotes s as a MySQL string literal
func QuoteString(s []byte) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, c := range s {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// QuoteIdent backtick-quotes an identifier
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// encodeRow renders a row as "(v1,v2,...)"
func encodeRow(cols []Column, values [][]byte) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, col := range cols {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(EncodeValue(col, values[i]))
	}
	b.WriteByte(')')
	return b.String()
}

// buildInserts packs rows into INSERT statements no longer than maxBytes.
// columns is an optional "(a, b) " list. Rows that cannot fit even alone are
// counted as dropped.
func buildInserts(table, columns string, rows []string, maxBytes int) (statements []string, dropped int) {
	prefix := "INSERT INTO " + QuoteIdent(table) + " " + columns + "VALUES "
	const suffix = ";\n"

	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			b.WriteString(suffix)
			statements = append(statements, b.String())
			b.Reset()
		}
	}

	for _, row := range rows {
		if len(prefix)+len(row)+len(suffix) > maxBytes {
			dropped++
			continue
		}
		if b.Len() > 0 && b.Len()+1+len(row)+len(suffix) > maxBytes {
			flush()
		}
		if b.Len() == 0 {
			b.WriteString(prefix)
		} else {
			b.WriteByte(',')
		}
		b.WriteString(row)
	}
	flush()
	return statements, dropped
}
