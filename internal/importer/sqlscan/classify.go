package sqlscan

import (
	"strings"
)

// Kind is the tagged type of a SQL statement
type Kind int

const (
	KindOther Kind = iota
	KindDropTable
	KindCreateTable
	KindInsert
	KindAlterOrLock
	KindUnlock
	KindSetNames
	KindCreateTrigger
	KindCreateRoutine
	KindDropRoutine
	KindCreateView
	KindDropView
	KindUse
	KindCreateDatabase
	KindDropDatabase
	KindDelimiter
	KindPragma
)

var kindNames = map[Kind]string{
	KindOther:          "other",
	KindDropTable:      "drop_table",
	KindCreateTable:    "create_table",
	KindInsert:         "insert",
	KindAlterOrLock:    "alter_or_lock",
	KindUnlock:         "unlock",
	KindSetNames:       "set_names",
	KindCreateTrigger:  "create_trigger",
	KindCreateRoutine:  "create_routine",
	KindDropRoutine:    "drop_routine",
	KindCreateView:     "create_view",
	KindDropView:       "drop_view",
	KindUse:            "use",
	KindCreateDatabase: "create_database",
	KindDropDatabase:   "drop_database",
	KindDelimiter:      "delimiter",
	KindPragma:         "pragma",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Replayed reports whether statements of this kind are executed on restore.
// Database selection, database creation, delimiter changes and global
// settings are recognised but never replayed.
func (k Kind) Replayed() bool {
	switch k {
	case KindUse, KindCreateDatabase, KindDropDatabase, KindDelimiter, KindPragma:
		return false
	default:
		return true
	}
}

// Classification is the result of Classify
type Classification struct {
	Kind Kind
	// Table is the table a statement acts on: the created, dropped, altered
	// or inserted table, or the table a trigger is attached to
	Table string
	// Name is the object a view, trigger or routine statement defines
	Name string
}

// Classify tags a single statement (without its terminator)
func Classify(stmt string) Classification {
	toks := lex(unwrapVersioned(stmt), 24)
	if len(toks) == 0 {
		return Classification{Kind: KindOther}
	}
	p := &parser{toks: toks}

	switch p.keyword() {
	case "DROP":
		p.advance()
		p.skipKeyword("TEMPORARY")
		switch p.keyword() {
		case "TABLE":
			p.advance()
			p.skipIfExists()
			return Classification{Kind: KindDropTable, Table: p.ident()}
		case "VIEW":
			p.advance()
			p.skipIfExists()
			name := p.ident()
			return Classification{Kind: KindDropView, Table: name, Name: name}
		case "PROCEDURE", "FUNCTION", "TRIGGER":
			p.advance()
			p.skipIfExists()
			return Classification{Kind: KindDropRoutine, Name: p.ident()}
		case "DATABASE", "SCHEMA":
			p.advance()
			p.skipIfExists()
			return Classification{Kind: KindDropDatabase, Name: p.ident()}
		}
	case "CREATE":
		return p.create()
	case "INSERT", "REPLACE":
		p.advance()
		for p.keyword() == "IGNORE" || p.keyword() == "LOW_PRIORITY" || p.keyword() == "DELAYED" || p.keyword() == "HIGH_PRIORITY" {
			p.advance()
		}
		p.skipKeyword("INTO")
		return Classification{Kind: KindInsert, Table: p.ident()}
	case "ALTER":
		p.advance()
		p.skipKeyword("ONLINE")
		p.skipKeyword("IGNORE")
		if p.keyword() == "TABLE" {
			p.advance()
			return Classification{Kind: KindAlterOrLock, Table: p.ident()}
		}
		return Classification{Kind: KindAlterOrLock}
	case "LOCK":
		p.advance()
		if p.keyword() == "TABLES" || p.keyword() == "TABLE" {
			p.advance()
			return Classification{Kind: KindAlterOrLock, Table: p.ident()}
		}
		return Classification{Kind: KindAlterOrLock}
	case "UNLOCK":
		return Classification{Kind: KindUnlock}
	case "SET":
		p.advance()
		switch p.keyword() {
		case "NAMES", "CHARACTER":
			return Classification{Kind: KindSetNames}
		case "GLOBAL", "PERSIST", "PERSIST_ONLY":
			return Classification{Kind: KindPragma}
		}
		if strings.HasPrefix(strings.ToUpper(p.peek().text), "@@GLOBAL") {
			return Classification{Kind: KindPragma}
		}
		return Classification{Kind: KindOther}
	case "USE":
		p.advance()
		return Classification{Kind: KindUse, Name: p.ident()}
	case "DELIMITER":
		return Classification{Kind: KindDelimiter}
	}
	return Classification{Kind: KindOther}
}

func (p *parser) create() Classification {
	p.advance()
	if p.keyword() == "OR" {
		p.advance()
		p.skipKeyword("REPLACE")
	}
	p.skipKeyword("TEMPORARY")

	// options that may precede the object keyword: ALGORITHM=x, DEFINER=u@h, SQL SECURITY x
	for i := 0; i < 20 && p.more(); i++ {
		switch p.keyword() {
		case "TABLE":
			p.advance()
			p.skipIfNotExists()
			return Classification{Kind: KindCreateTable, Table: p.ident()}
		case "DATABASE", "SCHEMA":
			p.advance()
			p.skipIfNotExists()
			return Classification{Kind: KindCreateDatabase, Name: p.ident()}
		case "VIEW":
			p.advance()
			p.skipIfNotExists()
			name := p.ident()
			return Classification{Kind: KindCreateView, Table: name, Name: name}
		case "PROCEDURE", "FUNCTION":
			p.advance()
			p.skipIfNotExists()
			return Classification{Kind: KindCreateRoutine, Name: p.ident()}
		case "TRIGGER":
			p.advance()
			p.skipIfNotExists()
			c := Classification{Kind: KindCreateTrigger, Name: p.ident()}
			for j := 0; j < 6 && p.more(); j++ {
				if p.keyword() == "ON" {
					p.advance()
					c.Table = p.ident()
					break
				}
				p.advance()
			}
			return c
		}
		p.advance()
	}
	return Classification{Kind: KindOther}
}

// unwrapVersioned turns "/*!40101 SET NAMES utf8 */" into "SET NAMES utf8"
func unwrapVersioned(stmt string) string {
	s := strings.TrimSpace(stmt)
	if !strings.HasPrefix(s, "/*!") {
		return s
	}
	s = strings.TrimPrefix(s, "/*!")
	s = strings.TrimLeft(s, "0123456789")
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "*/"))
}

type token struct {
	text   string
	quoted bool
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) more() bool { return p.pos < len(p.toks) }

func (p *parser) peek() token {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return token{}
}

func (p *parser) advance() { p.pos++ }

// keyword returns the current token upper-cased, or "" for quoted tokens
func (p *parser) keyword() string {
	t := p.peek()
	if t.quoted {
		return ""
	}
	return strings.ToUpper(t.text)
}

func (p *parser) skipKeyword(kw string) {
	if p.keyword() == kw {
		p.advance()
	}
}

func (p *parser) skipIfExists() {
	if p.keyword() == "IF" {
		p.advance()
		p.skipKeyword("EXISTS")
	}
}

func (p *parser) skipIfNotExists() {
	if p.keyword() == "IF" {
		p.advance()
		p.skipKeyword("NOT")
		p.skipKeyword("EXISTS")
	}
}

// ident reads a possibly schema-qualified name and returns its last part
func (p *parser) ident() string {
	if !p.more() {
		return ""
	}
	name := p.peek().text
	p.advance()
	for p.peek().text == "." && !p.peek().quoted {
		p.advance()
		if !p.more() {
			break
		}
		name = p.peek().text
		p.advance()
	}
	return name
}

// lex splits the head of a statement into at most limit tokens. Comments
// are skipped, backtick identifiers and string literals are unquoted.
func lex(s string, limit int) []token {
	var toks []token
	i := 0
	for i < len(s) && len(toks) < limit {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#' || (c == '-' && strings.HasPrefix(s[i:], "--") && (i+2 == len(s) || isSpace(s[i+2]))):
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '/' && strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return toks
			}
			i += end + 4
		case c == '`' || c == '\'' || c == '"':
			text, next := readQuoted(s, i)
			toks = append(toks, token{text: text, quoted: true})
			i = next
		case isWordByte(c):
			j := i
			for j < len(s) && (isWordByte(s[j]) || s[j] == '@') {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		case c == '@':
			j := i
			for j < len(s) && (isWordByte(s[j]) || s[j] == '@' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		default:
			toks = append(toks, token{text: string(c)})
			i++
		}
	}
	return toks
}

// readQuoted reads the quoted run starting at s[i] and returns its content
// and the index after the closing quote
func readQuoted(s string, i int) (string, int) {
	q := s[i]
	var b strings.Builder
	j := i + 1
	for j < len(s) {
		c := s[j]
		switch {
		case c == '\\' && q != '`' && j+1 < len(s):
			b.WriteByte(s[j+1])
			j += 2
		case c == q && j+1 < len(s) && s[j+1] == q:
			b.WriteByte(q)
			j += 2
		case c == q:
			return b.String(), j + 1
		default:
			b.WriteByte(c)
			j++
		}
	}
	return b.String(), j
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// IsSet reports whether stmt assigns session variables ("SET x = y",
// "SET NAMES ..."), including inside a versioned comment
func IsSet(stmt string) bool {
	toks := lex(unwrapVersioned(stmt), 2)
	return len(toks) > 0 && !toks[0].quoted && strings.EqualFold(toks[0].text, "SET")
}

// IsLock reports whether stmt is a LOCK TABLES or UNLOCK TABLES statement
func IsLock(stmt string) bool {
	toks := lex(unwrapVersioned(stmt), 1)
	if len(toks) == 0 || toks[0].quoted {
		return false
	}
	kw := strings.ToUpper(toks[0].text)
	return kw == "LOCK" || kw == "UNLOCK"
}
