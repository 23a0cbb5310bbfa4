package importer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"site-snapshot/internal/database"
)

// Substitution records one engine, charset or collation replaced in a statement
type Substitution struct {
	Kind string // engine, charset or collation
	From string
	To   string
}

func (s Substitution) String() string {
	return fmt.Sprintf("%s %s -> %s", s.Kind, s.From, s.To)
}

// Capabilities lists what the destination server supports
type Capabilities struct {
	Engines          map[string]bool
	Charsets         map[string]bool
	Collations       map[string]bool
	DefaultEngine    string
	DefaultCharset   string
	DefaultCollation string
}

// DetectCapabilities reads the engines, charsets and collations of the server
func DetectCapabilities(ctx context.Context, q database.Querier) (*Capabilities, error) {
	caps := &Capabilities{
		Engines:    make(map[string]bool),
		Charsets:   make(map[string]bool),
		Collations: make(map[string]bool),
	}

	engines, err := database.QueryMaps(ctx, q, "SHOW ENGINES")
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	for _, e := range engines {
		support := strings.ToUpper(e["Support"].String)
		if support != "YES" && support != "DEFAULT" {
			continue
		}
		name := strings.ToLower(e["Engine"].String)
		caps.Engines[name] = true
		if support == "DEFAULT" {
			caps.DefaultEngine = e["Engine"].String
		}
	}

	charsets, err := database.QueryMaps(ctx, q, "SHOW CHARACTER SET")
	if err != nil {
		return nil, fmt.Errorf("failed to list character sets: %w", err)
	}
	for _, c := range charsets {
		caps.Charsets[strings.ToLower(c["Charset"].String)] = true
	}

	collations, err := database.QueryMaps(ctx, q, "SHOW COLLATION")
	if err != nil {
		return nil, fmt.Errorf("failed to list collations: %w", err)
	}
	for _, c := range collations {
		caps.Collations[strings.ToLower(c["Collation"].String)] = true
	}

	defaults, err := database.QueryMaps(ctx, q, "SELECT @@character_set_database AS charset, @@collation_database AS collation")
	if err != nil {
		return nil, fmt.Errorf("failed to read database defaults: %w", err)
	}
	if len(defaults) > 0 {
		caps.DefaultCharset = defaults[0]["charset"].String
		caps.DefaultCollation = defaults[0]["collation"].String
	}
	if caps.DefaultEngine == "" {
		caps.DefaultEngine = "InnoDB"
	}
	return caps, nil
}

var (
	enginePattern    = regexp.MustCompile(`(?i)(\bENGINE\s*=\s*)([A-Za-z0-9_]+)`)
	charsetPattern   = regexp.MustCompile(`(?i)(\b(?:CHARSET|CHARACTER\s+SET)(?:\s*=\s*|\s+))([A-Za-z0-9_]+)`)
	collationPattern = regexp.MustCompile(`(?i)(\bCOLLATE(?:\s*=\s*|\s+))([A-Za-z0-9_]+)`)
)

// Rewrite replaces unsupported engines, charsets and collations in a CREATE
// statement with the closest supported choice. A nil receiver rewrites nothing.
func (c *Capabilities) Rewrite(stmt string) (string, []Substitution) {
	if c == nil {
		return stmt, nil
	}
	var subs []Substitution
	replace := func(re *regexp.Regexp, kind string, pick func(string) string) {
		stmt = re.ReplaceAllStringFunc(stmt, func(match string) string {
			m := re.FindStringSubmatch(match)
			to := pick(m[2])
			if to == "" || strings.EqualFold(to, m[2]) {
				return match
			}
			subs = append(subs, Substitution{Kind: kind, From: m[2], To: to})
			return m[1] + to
		})
	}
	replace(enginePattern, "engine", c.engine)
	replace(charsetPattern, "charset", c.charset)
	replace(collationPattern, "collation", c.collation)
	return stmt, subs
}

func (c *Capabilities) engine(name string) string {
	if c.Engines[strings.ToLower(name)] {
		return name
	}
	return c.DefaultEngine
}

func (c *Capabilities) charset(name string) string {
	lower := strings.ToLower(name)
	if c.Charsets[lower] {
		return name
	}
	if lower == "utf8mb4" && c.Charsets["utf8"] {
		return "utf8"
	}
	return c.DefaultCharset
}

// collation keeps the character set of an unsupported collation where it can,
// falling back from the newest Unicode algorithms to the oldest.
func (c *Capabilities) collation(name string) string {
	lower := strings.ToLower(name)
	if c.Collations[lower] {
		return name
	}
	charset, _, _ := strings.Cut(lower, "_")
	if !c.Charsets[charset] {
		charset = strings.ToLower(c.charset(charset))
	}
	for _, suffix := range []string{"_unicode_520_ci", "_unicode_ci", "_general_ci"} {
		if c.Collations[charset+suffix] {
			return charset + suffix
		}
	}
	return c.DefaultCollation
}
