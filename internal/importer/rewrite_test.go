package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixMap(t *testing.T) {
	m := prefixMap{source: "wp_", dest: "xyz_"}
	assert.Equal(t, "xyz_posts", m.table("wp_posts"))
	assert.Equal(t, "xyz_links", m.table("links"))

	m.keepUnprefixed = true
	assert.Equal(t, "links", m.table("links"))
	assert.Equal(t, "xyz_options", m.table("wp_options"))
}

func TestDetectPrefix(t *testing.T) {
	assert.Equal(t, "wp_", detectPrefix("wp_posts"))
	assert.Equal(t, "site2_", detectPrefix("site2_wp_posts"))
	assert.Equal(t, "", detectPrefix("users"))
	assert.Equal(t, "", detectPrefix("_x"))
}

func TestReplaceTableName(t *testing.T) {
	tests := []struct {
		stmt, from, to, want string
	}{
		{"INSERT INTO `wp_posts` VALUES (1,'wp_posts')", "wp_posts", "xyz_posts", "INSERT INTO `xyz_posts` VALUES (1,'wp_posts')"},
		{"INSERT INTO wp_posts VALUES (1)", "wp_posts", "xyz_posts", "INSERT INTO `xyz_posts` VALUES (1)"},
		{"ALTER TABLE wp_posts_meta ADD KEY k (a)", "wp_posts", "xyz_posts", "ALTER TABLE wp_posts_meta ADD KEY k (a)"},
		{"LOCK TABLES `wp_t` WRITE", "wp_t", "wp_t", "LOCK TABLES `wp_t` WRITE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, replaceTableName(tt.stmt, tt.from, tt.to))
	}
}

func TestRewriteReferencesAndPrefixed(t *testing.T) {
	m := prefixMap{source: "wp_", dest: "xyz_"}
	assert.Equal(t,
		"CONSTRAINT `c` FOREIGN KEY (`p`) REFERENCES `xyz_posts` (`ID`)",
		rewriteReferences("CONSTRAINT `c` FOREIGN KEY (`p`) REFERENCES `wp_posts` (`ID`)", m))

	view := "CREATE VIEW `wp_v` AS select `p`.`ID` from `wp_posts` `p` join `wp_postmeta` on 1"
	assert.Equal(t,
		"CREATE VIEW `xyz_v` AS select `p`.`ID` from `xyz_posts` `p` join `xyz_postmeta` on 1",
		rewritePrefixed(view, m))
	assert.Equal(t, view, rewritePrefixed(view, prefixMap{source: "wp_", dest: "wp_"}))
}

func TestHasForeignKeysAndInsertIgnore(t *testing.T) {
	assert.True(t, hasForeignKeys("CREATE TABLE t (a int, FOREIGN KEY (a) REFERENCES u (id))"))
	assert.False(t, hasForeignKeys("CREATE TABLE t (a int, KEY k (a))"))

	assert.Equal(t, "INSERT IGNORE INTO `t` VALUES (1)", insertIgnore("INSERT INTO `t` VALUES (1)"))
	assert.Equal(t, "INSERT IGNORE INTO t VALUES (1)", insertIgnore("insert into t VALUES (1)"))
	assert.Equal(t, "INSERT IGNORE INTO t VALUES (1)", insertIgnore("INSERT IGNORE INTO t VALUES (1)"))
	assert.Equal(t, "REPLACE INTO t VALUES (1)", insertIgnore("REPLACE INTO t VALUES (1)"))
}

func TestCapabilitiesRewrite(t *testing.T) {
	caps := &Capabilities{
		Engines:          map[string]bool{"innodb": true},
		Charsets:         map[string]bool{"utf8": true, "latin1": true},
		Collations:       map[string]bool{"utf8_general_ci": true, "utf8_unicode_ci": true, "latin1_swedish_ci": true},
		DefaultEngine:    "InnoDB",
		DefaultCharset:   "latin1",
		DefaultCollation: "latin1_swedish_ci",
	}

	stmt := "CREATE TABLE t (`a` varchar(10) CHARACTER SET utf8mb4 COLLATE utf8mb4_0900_ai_ci) ENGINE=Aria DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_520_ci"
	got, subs := caps.Rewrite(stmt)
	assert.Equal(t, "CREATE TABLE t (`a` varchar(10) CHARACTER SET utf8 COLLATE utf8_unicode_ci) ENGINE=InnoDB DEFAULT CHARSET=utf8 COLLATE=utf8_unicode_ci", got)
	require.Len(t, subs, 5)
	assert.Equal(t, "engine Aria -> InnoDB", subs[0].String())

	same := "CREATE TABLE t (a int) ENGINE=InnoDB DEFAULT CHARSET=latin1"
	got, subs = caps.Rewrite(same)
	assert.Equal(t, same, got)
	assert.Empty(t, subs)

	var none *Capabilities
	got, subs = none.Rewrite(stmt)
	assert.Equal(t, stmt, got)
	assert.Empty(t, subs)
}

func TestSplitGenerated(t *testing.T) {
	create := "CREATE TABLE `t` (\n" +
		"  `a` int NOT NULL,\n" +
		"  `b` varchar(10) AS (concat(`a`, ')')) PERSISTENT,\n" +
		"  `c` int GENERATED ALWAYS AS ((`a` + 1)) VIRTUAL\n" +
		")"
	got, cols := splitGenerated(create)
	assert.Equal(t, "CREATE TABLE `t` (\n"+
		"  `a` int NOT NULL,\n"+
		"  `b` varchar(10) NULL DEFAULT NULL,\n"+
		"  `c` int NULL DEFAULT NULL\n"+
		")", got)
	require.Len(t, cols, 2)
	assert.Equal(t, generatedColumn{Name: "b", Definition: "`b` varchar(10) AS (concat(`a`, ')')) PERSISTENT", Stored: true, After: "a"}, cols[0])
	assert.Equal(t, generatedColumn{Name: "c", Definition: "`c` int GENERATED ALWAYS AS ((`a` + 1)) VIRTUAL", After: "b"}, cols[1])

	assert.Equal(t, []string{"ALTER TABLE `t` MODIFY COLUMN `b` varchar(10) AS (concat(`a`, ')')) PERSISTENT"}, cols[0].alterStatements("t"))
	assert.Equal(t, []string{
		"ALTER TABLE `tmp_t` DROP COLUMN `c`",
		"ALTER TABLE `tmp_t` ADD COLUMN `c` int GENERATED ALWAYS AS ((`a` + 1)) VIRTUAL AFTER `b`",
	}, cols[1].alterStatements("tmp_t"))

	plain := "CREATE TABLE `t` (\n  `a` int\n)"
	got, cols = splitGenerated(plain)
	assert.Equal(t, plain, got)
	assert.Empty(t, cols)
}

func TestHooks(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE `xyz_usermeta` SET `meta_key` = CONCAT(?, SUBSTRING(`meta_key`, ?)) WHERE `meta_key` LIKE ? AND `meta_key` NOT LIKE ?").
		WithArgs("xyz_", 4, `wp\_%`, `xyz\_%`).WillReturnResult(ok)
	mock.ExpectExec("UPDATE `xyz_options` SET `option_value` = REPLACE(`option_value`, ?, ?) WHERE `option_name` = ?").
		WithArgs("/var/www/old", "/srv/site", "upload_path").WillReturnResult(ok)

	prefix := PrefixKeysHook()
	root := RootPathHook("/var/www/old", "/srv/site")

	usermeta := RestoredTable{Final: "xyz_usermeta", SourcePrefix: "wp_", DestPrefix: "xyz_"}
	options := RestoredTable{Final: "xyz_options", SourcePrefix: "wp_", DestPrefix: "xyz_"}
	posts := RestoredTable{Final: "xyz_posts", SourcePrefix: "wp_", DestPrefix: "xyz_"}

	require.NoError(t, prefix(ctx, db, usermeta))
	require.NoError(t, prefix(ctx, db, posts))
	require.NoError(t, root(ctx, db, options))
	require.NoError(t, root(ctx, db, usermeta))
	require.NoError(t, RootPathHook("/same", "/same")(ctx, db, options))
	require.NoError(t, prefix(ctx, db, RestoredTable{Final: "wp_options", SourcePrefix: "wp_", DestPrefix: "wp_"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `wp\_%`, likePrefix("wp_"))
	assert.Equal(t, `a\%b\\%`, likePrefix(`a%b\`))
}
