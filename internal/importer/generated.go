package importer

import (
	"regexp"
	"strings"

	"site-snapshot/internal/exporter"
)

// generatedColumn is a column computed by the server, created as a plain
// column for loading and converted back once the rows are in
type generatedColumn struct {
	Name       string
	Definition string
	Stored     bool
	// After is the preceding column, or "" when the column comes first
	After string
}

var generatedPattern = regexp.MustCompile(`(?i)\s(?:GENERATED\s+ALWAYS\s+)?AS\s*\(`)

// splitGenerated replaces generated column definitions in a CREATE TABLE by
// nullable plain columns of the same type, and returns what was replaced
func splitGenerated(create string) (string, []generatedColumn) {
	lines := strings.Split(create, "\n")
	var out []generatedColumn
	prev := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "`") {
			continue
		}
		end := strings.Index(trimmed[1:], "`")
		if end < 0 {
			continue
		}
		name := trimmed[1 : end+1]

		loc := generatedPattern.FindStringIndex(trimmed)
		if loc == nil {
			prev = name
			continue
		}
		closing := matchParen(trimmed, loc[1]-1)
		if closing < 0 {
			prev = name
			continue
		}

		def, comma := strings.CutSuffix(trimmed, ",")
		tail := strings.ToUpper(trimmed[closing+1:])
		col := generatedColumn{
			Name:       name,
			Definition: def,
			Stored:     strings.Contains(tail, "STORED") || strings.Contains(tail, "PERSISTENT"),
			After:      prev,
		}
		out = append(out, col)

		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		plain := indent + strings.TrimSpace(trimmed[:loc[0]]) + " NULL DEFAULT NULL"
		if comma {
			plain += ","
		}
		lines[i] = plain
		prev = name
	}
	if len(out) == 0 {
		return create, nil
	}
	return strings.Join(lines, "\n"), out
}

// matchParen returns the index of the parenthesis closing the one at open
func matchParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' && quote != '`' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// alterStatements turn the plain column back into the generated one. Stored
// columns can be modified in place; virtual ones are dropped and re-added.
func (g generatedColumn) alterStatements(table string) []string {
	t := exporter.QuoteIdent(table)
	if g.Stored {
		return []string{"ALTER TABLE " + t + " MODIFY COLUMN " + g.Definition}
	}
	position := " FIRST"
	if g.After != "" {
		position = " AFTER " + exporter.QuoteIdent(g.After)
	}
	return []string{
		"ALTER TABLE " + t + " DROP COLUMN " + exporter.QuoteIdent(g.Name),
		"ALTER TABLE " + t + " ADD COLUMN " + g.Definition + position,
	}
}
