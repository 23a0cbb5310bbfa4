package archiver

import (
	"testing"

	"site-snapshot/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestPartName(t *testing.T) {
	base := "backup_2026-03-01-1000_site_a1b2c3d4e5f6"
	assert.Equal(t, base+"-uploads.zip", PartName(base, "uploads", 0))
	assert.Equal(t, base+"-uploads2.zip", PartName(base, "uploads", 1))
	assert.Equal(t, base+"-plugins11.zip", PartName(base, "plugins", 10))

	for _, idx := range []int{0, 1, 5, 42} {
		entity, got, ok := ParsePartName(base, PartName(base, "themes", idx))
		assert.True(t, ok)
		assert.Equal(t, "themes", entity)
		assert.Equal(t, idx, got)
	}

	_, _, ok := ParsePartName(base, base+"-uploads1.zip")
	assert.False(t, ok, "index 0 has no suffix, so 1 is never used")
	_, _, ok = ParsePartName(base, base+"-db.gz")
	assert.False(t, ok)
	_, _, ok = ParsePartName(base, "other-uploads.zip")
	assert.False(t, ok)
}

func TestExclusions_Match(t *testing.T) {
	excl := NewExclusions(config.ExclusionConfig{
		Paths:      []string{"/var/www/uploads/private", "cache"},
		Extensions: []string{".log", "TMP"},
		Prefixes:   []string{"backup_"},
		Patterns:   []string{"*node_modules*", "*.bak", "draft*", "*05/thumbs*"},
	})

	tests := []struct {
		name  string
		abs   string
		rel   string
		isDir bool
		want  Rule
	}{
		{"absolute path", "/var/www/uploads/private", "private", true, RulePath},
		{"relative path", "/var/www/uploads/cache", "cache", true, RulePath},
		{"extension", "/x/a/error.log", "a/error.log", false, RuleExtension},
		{"extension case insensitive", "/x/a/data.Tmp", "a/data.Tmp", false, RuleExtension},
		{"extension ignored for dirs", "/x/logs.log", "logs.log", true, RuleNone},
		{"prefix", "/x/backup_old.zip", "backup_old.zip", false, RulePrefix},
		{"prefix beats wildcard", "/x/backup_draft.bak", "backup_draft.bak", false, RulePrefix},
		{"extension beats prefix", "/x/backup_1.log", "backup_1.log", false, RuleExtension},
		{"contains wildcard", "/x/app/node_modules", "app/node_modules", true, RuleWildcard},
		{"suffix wildcard", "/x/a/file.bak", "a/file.bak", false, RuleWildcard},
		{"prefix wildcard", "/x/draft-post.txt", "draft-post.txt", false, RuleWildcard},
		{"wildcard on relative path", "/x/2024/05/thumbs-1.jpg", "2024/05/thumbs-1.jpg", false, RuleWildcard},
		{"kept", "/x/2024/05/photo.jpg", "2024/05/photo.jpg", false, RuleNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, excl.Match(tt.abs, tt.rel, tt.isDir))
		})
	}
}

func TestWildcardMatch(t *testing.T) {
	assert.True(t, wildcardMatch("*cache*", "wp-cache-dir"))
	assert.True(t, wildcardMatch("cache*", "cache-dir"))
	assert.False(t, wildcardMatch("cache*", "mycache"))
	assert.True(t, wildcardMatch("*cache", "mycache"))
	assert.False(t, wildcardMatch("*cache", "cache-dir"))
	assert.True(t, wildcardMatch("exact", "exact"))
	assert.False(t, wildcardMatch("exact", "exactly"))
	assert.True(t, wildcardMatch("*", "anything"))
}

func TestNilExclusions(t *testing.T) {
	var excl *Exclusions
	assert.Equal(t, RuleNone, excl.Match("/a", "a", false))
}
