// Package sqlscan splits a SQL dump stream into classified statements. It is
// independent of any database and of the replay policy.
package sqlscan

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"strings"
)

// DefaultDelimiter terminates statements until a DELIMITER directive changes it
const DefaultDelimiter = ";"

// Statement is one complete statement read from the stream
type Statement struct {
	Classification
	// SQL is the statement text without its terminator
	SQL string
	// Index is the 1-based ordinal of the statement in the stream
	Index int64
	// Line is the line the statement starts on
	Line int
}

type lexState int

const (
	stateNormal lexState = iota
	stateSingle
	stateDouble
	stateBacktick
	stateBlockComment
	stateVersioned
)

// Scanner reads statements incrementally. Comments are dropped except
// versioned /*! ... */ blocks, which are kept verbatim. "# ..." lines seen
// before the first statement are collected as header lines.
type Scanner struct {
	r         *bufio.Reader
	delimiter string
	state     lexState
	buf       strings.Builder
	startLine int
	line      int
	index     int64
	header    []string
	pending   []Statement
	eof       bool
}

// NewScanner creates a scanner reading from r
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64<<10), delimiter: DefaultDelimiter}
}

// HeaderLines returns the comment lines read before the first statement
func (s *Scanner) HeaderLines() []string {
	return s.header
}

// Delimiter returns the terminator currently in force
func (s *Scanner) Delimiter() string {
	return s.delimiter
}

// Next returns the next statement, or io.EOF after the last one
func (s *Scanner) Next() (Statement, error) {
	for len(s.pending) == 0 {
		if s.eof {
			return Statement{}, io.EOF
		}
		if err := s.readLine(); err != nil {
			return Statement{}, err
		}
	}
	st := s.pending[0]
	s.pending = s.pending[1:]
	return st, nil
}

// All iterates over the remaining statements
func (s *Scanner) All() iter.Seq2[Statement, error] {
	return func(yield func(Statement, error) bool) {
		for {
			st, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(st, err) || err != nil {
				return
			}
		}
	}
}

func (s *Scanner) readLine() error {
	line, err := s.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	atEOF := errors.Is(err, io.EOF)
	if line != "" {
		s.line++
		s.consume(line)
	}
	if atEOF {
		s.eof = true
		if rest := strings.TrimSpace(s.buf.String()); rest != "" {
			s.emit(rest)
		}
		s.buf.Reset()
	}
	return nil
}

// consume feeds one line (including its newline) through the lexer
func (s *Scanner) consume(line string) {
	if s.state == stateNormal && strings.TrimSpace(s.buf.String()) == "" {
		trimmed := strings.TrimSpace(line)
		if d, ok := delimiterDirective(trimmed); ok {
			s.delimiter = d
			s.buf.Reset()
			return
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-- ") || trimmed == "--" {
			if s.index == 0 && len(s.pending) == 0 && strings.HasPrefix(trimmed, "#") {
				s.header = append(s.header, trimmed)
			}
			return
		}
	}

	i := 0
	for i < len(line) {
		c := line[i]
		switch s.state {
		case stateNormal:
			switch {
			case strings.HasPrefix(line[i:], s.delimiter):
				if stmt := strings.TrimSpace(s.buf.String()); stmt != "" {
					s.emit(stmt)
				}
				s.buf.Reset()
				i += len(s.delimiter)
				continue
			case c == '\'':
				s.state = stateSingle
			case c == '"':
				s.state = stateDouble
			case c == '`':
				s.state = stateBacktick
			case c == '#' || (c == '-' && strings.HasPrefix(line[i:], "--") && (i+2 == len(line) || isSpace(line[i+2]))):
				// rest of the line is a comment
				s.buf.WriteByte('\n')
				return
			case strings.HasPrefix(line[i:], "/*!"):
				s.markStart()
				s.state = stateVersioned
				s.buf.WriteString("/*!")
				i += 3
				continue
			case strings.HasPrefix(line[i:], "/*"):
				s.state = stateBlockComment
				i += 2
				continue
			}
			if !isSpace(c) {
				s.markStart()
			}
			s.buf.WriteByte(c)
			i++
		case stateSingle, stateDouble, stateBacktick:
			q := quoteOf(s.state)
			s.buf.WriteByte(c)
			i++
			switch {
			case c == '\\' && q != '`' && i < len(line):
				s.buf.WriteByte(line[i])
				i++
			case c == q:
				// a doubled quote reopens the literal on the next byte
				s.state = stateNormal
			}
		case stateBlockComment:
			if strings.HasPrefix(line[i:], "*/") {
				s.state = stateNormal
				s.buf.WriteByte(' ')
				i += 2
				continue
			}
			i++
		case stateVersioned:
			if strings.HasPrefix(line[i:], "*/") {
				s.state = stateNormal
				s.buf.WriteString("*/")
				i += 2
				continue
			}
			s.buf.WriteByte(c)
			i++
		}
	}
}

func (s *Scanner) markStart() {
	if s.startLine == 0 {
		s.startLine = s.line
	}
}

func (s *Scanner) emit(stmt string) {
	s.index++
	line := s.startLine
	if line == 0 {
		line = s.line
	}
	s.pending = append(s.pending, Statement{
		Classification: Classify(stmt),
		SQL:            stmt,
		Index:          s.index,
		Line:           line,
	})
	s.startLine = 0
}

func quoteOf(st lexState) byte {
	switch st {
	case stateSingle:
		return '\''
	case stateDouble:
		return '"'
	default:
		return '`'
	}
}

// delimiterDirective parses "DELIMITER x" lines
func delimiterDirective(line string) (string, bool) {
	if len(line) < len("DELIMITER ") || !strings.EqualFold(line[:len("DELIMITER")], "DELIMITER") {
		return "", false
	}
	rest := line[len("DELIMITER"):]
	if rest == "" || !isSpace(rest[0]) {
		return "", false
	}
	d := strings.TrimSpace(rest)
	if d == "" || strings.ContainsAny(d, " \t") {
		return "", false
	}
	return d, true
}
