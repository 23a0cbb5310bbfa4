package archiver

import (
	"path"
	"path/filepath"
	"strings"

	"site-snapshot/internal/config"
)

// Rule names the exclusion rule that matched
type Rule string

const (
	RuleNone      Rule = ""
	RulePath      Rule = "path"
	RuleExtension Rule = "extension"
	RulePrefix    Rule = "prefix"
	RuleWildcard  Rule = "wildcard"
)

// Exclusions decides which files and directories are left out of an archive.
// Rules are consulted in order: explicit path, extension, filename prefix,
// then wildcard.
type Exclusions struct {
	paths      map[string]bool
	extensions map[string]bool
	prefixes   []string
	patterns   []string
}

// NewExclusions compiles the configured rules. Paths may be absolute or
// relative to a root; both forms are matched.
func NewExclusions(cfg config.ExclusionConfig) *Exclusions {
	e := &Exclusions{
		paths:      make(map[string]bool),
		extensions: make(map[string]bool),
	}
	for _, p := range cfg.Paths {
		p = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(p)), "/")
		e.paths[p] = true
	}
	for _, ext := range cfg.Extensions {
		e.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	for _, p := range cfg.Prefixes {
		if p != "" {
			e.prefixes = append(e.prefixes, strings.ToLower(p))
		}
	}
	for _, p := range cfg.Patterns {
		if p != "" {
			e.patterns = append(e.patterns, strings.ToLower(filepath.ToSlash(p)))
		}
	}
	return e
}

// Match reports the first rule excluding the entry. abs is the absolute path,
// rel the slash-separated path relative to its root.
func (e *Exclusions) Match(abs, rel string, isDir bool) Rule {
	if e == nil {
		return RuleNone
	}
	if e.paths[filepath.ToSlash(abs)] || e.paths[rel] {
		return RulePath
	}

	name := strings.ToLower(path.Base(rel))
	if !isDir {
		if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" && e.extensions[ext] {
			return RuleExtension
		}
	}
	for _, p := range e.prefixes {
		if strings.HasPrefix(name, p) {
			return RulePrefix
		}
	}

	lowerRel := strings.ToLower(rel)
	for _, p := range e.patterns {
		subject := name
		if strings.Contains(p, "/") {
			subject = lowerRel
		}
		if wildcardMatch(p, subject) {
			return RuleWildcard
		}
	}
	return RuleNone
}

// wildcardMatch supports the three forms *x*, x* and *x, plus a plain
// exact match.
func wildcardMatch(pattern, s string) bool {
	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*") && len(pattern) > 1
	core := strings.Trim(pattern, "*")

	switch {
	case core == "":
		return leading
	case leading && trailing:
		return strings.Contains(s, core)
	case trailing:
		return strings.HasPrefix(s, core)
	case leading:
		return strings.HasSuffix(s, core)
	default:
		return s == core
	}
}
