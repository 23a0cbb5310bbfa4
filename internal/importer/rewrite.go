package importer

import (
	"regexp"
	"strings"
)

// prefixMap turns source table names into destination names
type prefixMap struct {
	source         string
	dest           string
	keepUnprefixed bool
}

// table returns the destination name of a source table
func (m prefixMap) table(name string) string {
	if m.source != "" && strings.HasPrefix(name, m.source) {
		return m.dest + name[len(m.source):]
	}
	if m.keepUnprefixed {
		return name
	}
	return m.dest + name
}

// detectPrefix returns the leading part of name up to and including its first underscore
func detectPrefix(name string) string {
	if i := strings.IndexByte(name, '_'); i > 0 {
		return name[:i+1]
	}
	return ""
}

var wordName = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// replaceTableName rewrites the first reference to table from in stmt. Backtick
// quoted references are preferred; bare names are matched on word boundaries.
func replaceTableName(stmt, from, to string) string {
	if from == to || from == "" {
		return stmt
	}
	quoted := "`" + from + "`"
	if i := strings.Index(stmt, quoted); i >= 0 {
		return stmt[:i] + "`" + to + "`" + stmt[i+len(quoted):]
	}
	if !wordName.MatchString(from) {
		return stmt
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(from) + `\b`)
	loc := re.FindStringIndex(stmt)
	if loc == nil {
		return stmt
	}
	return stmt[:loc[0]] + "`" + to + "`" + stmt[loc[1]:]
}

var referencesPattern = regexp.MustCompile("(?i)(\\bREFERENCES\\s+)`([^`]+)`")

// rewriteReferences maps the tables named in REFERENCES clauses
func rewriteReferences(stmt string, m prefixMap) string {
	return referencesPattern.ReplaceAllStringFunc(stmt, func(match string) string {
		sub := referencesPattern.FindStringSubmatch(match)
		return sub[1] + "`" + m.table(sub[2]) + "`"
	})
}

// rewritePrefixed maps every backtick-quoted identifier carrying the source
// prefix. Used for view, trigger and routine bodies, which may name any table.
func rewritePrefixed(stmt string, m prefixMap) string {
	if m.source == "" || m.source == m.dest {
		return stmt
	}
	re := regexp.MustCompile("`" + regexp.QuoteMeta(m.source) + "([^`]*)`")
	return re.ReplaceAllString(stmt, "`"+strings.ReplaceAll(m.dest, "$", "$$")+"${1}`")
}

var foreignKeyPattern = regexp.MustCompile(`(?i)\bFOREIGN\s+KEY\b|\bREFERENCES\b`)

// hasForeignKeys reports whether a CREATE TABLE declares foreign keys
func hasForeignKeys(create string) bool {
	return foreignKeyPattern.MatchString(create)
}

var insertPattern = regexp.MustCompile(`(?i)^(\s*)INSERT(\s+)INTO\b`)

// insertIgnore turns "INSERT INTO" into "INSERT IGNORE INTO". Statements
// already carrying a modifier are returned unchanged.
func insertIgnore(stmt string) string {
	return insertPattern.ReplaceAllString(stmt, "${1}INSERT IGNORE${2}INTO")
}
