package exporter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/progress"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	postsCreate  = "CREATE TABLE `wp_posts` (\n  `ID` bigint(20) unsigned NOT NULL AUTO_INCREMENT,\n  `post_title` text NOT NULL,\n  PRIMARY KEY (`ID`)\n)"
	triggerQuery = "SELECT TRIGGER_NAME FROM information_schema.TRIGGERS WHERE TRIGGER_SCHEMA = DATABASE() AND EVENT_OBJECT_TABLE = ? ORDER BY TRIGGER_NAME"
	base         = "backup_2026-03-01-1000_site_a1b2c3d4e5f6"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectPostsDescribe(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SHOW COLUMNS FROM `wp_posts`").WillReturnRows(
		sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"}).
			AddRow("ID", "bigint(20) unsigned", "NO", "PRI", nil, "auto_increment").
			AddRow("post_title", "text", "NO", "", nil, ""))
}

func postRows(from, to int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"ID", "post_title"})
	for i := from; i <= to; i++ {
		rows.AddRow(int64(i), fmt.Sprintf("Post %d", i))
	}
	return rows
}

// expectPostBatches expects keyset queries returning ids after..total in
// batches of batch, ending with the short batch that completes the table
func expectPostBatches(mock sqlmock.Sqlmock, after, upto, total, batch int) {
	for next := after; next < upto; next += batch {
		q := fmt.Sprintf("SELECT * FROM `wp_posts` WHERE `ID` > ? ORDER BY `ID` ASC LIMIT %d", batch)
		if next == 0 {
			mock.ExpectQuery(fmt.Sprintf("SELECT * FROM `wp_posts` ORDER BY `ID` ASC LIMIT %d", batch)).
				WillReturnRows(postRows(next+1, min(next+batch, total)))
			continue
		}
		mock.ExpectQuery(q).WithArgs(int64(next)).WillReturnRows(postRows(next+1, min(next+batch, total)))
	}
}

func newTestExporter(db Querier, dir string) *Exporter {
	return New(db, dir, base, Options{
		BatchRows:          1000,
		MinBatchRows:       1000,
		MaxBatchRows:       1000,
		MaxStatementBytes:  64 << 10,
		CheckpointInterval: time.Nanosecond,
	}, nil, nil)
}

func readGzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(data)
}

var rowID = regexp.MustCompile(`[(,]\((\d+),'Post`)

func dumpedIDs(sqlText string) map[string]int {
	ids := map[string]int{}
	for _, line := range strings.Split(sqlText, "\n") {
		if !strings.HasPrefix(line, "INSERT INTO") {
			continue
		}
		for _, m := range rowID.FindAllStringSubmatch(strings.Replace(line, "VALUES (", "VALUES ,(", 1), -1) {
			ids[m[1]]++
		}
	}
	return ids
}

func TestDumpTable_ResumesAfterFailureWithoutLossOrDuplicates(t *testing.T) {
	dir := t.TempDir()
	db, mock := newMock(t)

	// first invocation: four batches, then the connection dies
	expectPostsDescribe(mock)
	mock.ExpectQuery("SHOW CREATE TABLE `wp_posts`").WillReturnRows(
		sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("wp_posts", postsCreate))
	expectPostBatches(mock, 0, 4000, 10000, 1000)
	mock.ExpectQuery("SELECT * FROM `wp_posts` WHERE `ID` > ? ORDER BY `ID` ASC LIMIT 1000").
		WithArgs(int64(4000)).WillReturnError(errors.New("connection lost"))

	var recorded []jobstate.TableCursor
	exp := newTestExporter(db, dir).OnCheckpoint(func(c jobstate.TableCursor) { recorded = append(recorded, c) })
	cur, err := exp.DumpTable(context.Background(), jobstate.TableCursor{Table: "wp_posts"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "4000", cur.Cursor)
	assert.Equal(t, int64(4000), cur.Rows)
	assert.Len(t, cur.Segments, 4)
	assert.Equal(t, jobstate.CursorKey, cur.Kind)
	assert.Equal(t, "ID", cur.KeyColumn)
	assert.Equal(t, cur, recorded[len(recorded)-1])
	assert.NoFileExists(t, exp.inProgressPath("wp_posts"))

	// a segment renamed by a run that never saved its cursor must be discarded
	stray := exp.segmentPath("wp_posts", "9999")
	require.NoError(t, os.WriteFile(stray, []byte("junk"), 0o644))

	// second invocation resumes from the recorded cursor
	db2, mock2 := newMock(t)
	expectPostsDescribe(mock2)
	expectPostBatches(mock2, 4000, 10000, 10000, 1000)
	mock2.ExpectQuery("SELECT * FROM `wp_posts` WHERE `ID` > ? ORDER BY `ID` ASC LIMIT 1000").
		WithArgs(int64(10000)).WillReturnRows(postRows(1, 0))
	mock2.ExpectQuery(triggerQuery).WithArgs("wp_posts").WillReturnRows(sqlmock.NewRows([]string{"TRIGGER_NAME"}))

	exp2 := newTestExporter(db2, dir)
	cur, err = exp2.DumpTable(context.Background(), cur)
	require.NoError(t, err)
	require.NoError(t, mock2.ExpectationsWereMet())

	assert.True(t, cur.Done)
	assert.Equal(t, int64(10000), cur.Rows)
	assert.Empty(t, cur.Segments)
	assert.NoFileExists(t, stray)

	text := readGzip(t, exp2.TablePath("wp_posts"))
	ids := dumpedIDs(text)
	assert.Len(t, ids, 10000)
	for id, n := range ids {
		if n != 1 {
			t.Fatalf("row %s dumped %d times", id, n)
		}
	}
	assert.Equal(t, 1, strings.Count(text, "CREATE TABLE `wp_posts`"))

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDumpTable_InterruptedDumpMatchesUninterrupted(t *testing.T) {
	expectAll := func(mock sqlmock.Sqlmock) {
		expectPostsDescribe(mock)
		mock.ExpectQuery("SHOW CREATE TABLE `wp_posts`").WillReturnRows(
			sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("wp_posts", postsCreate))
	}

	// uninterrupted
	dirA := t.TempDir()
	dbA, mockA := newMock(t)
	expectAll(mockA)
	expectPostBatches(mockA, 0, 2500, 2500, 1000)
	mockA.ExpectQuery(triggerQuery).WithArgs("wp_posts").WillReturnRows(sqlmock.NewRows([]string{"TRIGGER_NAME"}))
	expA := newTestExporter(dbA, dirA)
	_, err := expA.DumpTable(context.Background(), jobstate.TableCursor{Table: "wp_posts"})
	require.NoError(t, err)

	// cancelled after the first checkpoint, then resumed
	dirB := t.TempDir()
	dbB, mockB := newMock(t)
	expectAll(mockB)
	expectPostBatches(mockB, 0, 1000, 2500, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	expB := newTestExporter(dbB, dirB).OnCheckpoint(func(jobstate.TableCursor) { cancel() })
	cur, err := expB.DumpTable(ctx, jobstate.TableCursor{Table: "wp_posts"})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mockB.ExpectationsWereMet())
	assert.Equal(t, "1000", cur.Cursor)

	dbC, mockC := newMock(t)
	expectPostsDescribe(mockC)
	expectPostBatches(mockC, 1000, 2500, 2500, 1000)
	mockC.ExpectQuery(triggerQuery).WithArgs("wp_posts").WillReturnRows(sqlmock.NewRows([]string{"TRIGGER_NAME"}))
	expC := newTestExporter(dbC, dirB)
	cur, err = expC.DumpTable(context.Background(), cur)
	require.NoError(t, err)
	assert.True(t, cur.Done)

	assert.Equal(t, readGzip(t, expA.TablePath("wp_posts")), readGzip(t, expC.TablePath("wp_posts")))
}

func TestDumpTable_BinaryAndTriggers(t *testing.T) {
	dir := t.TempDir()
	db, mock := newMock(t)

	mock.ExpectQuery("SHOW COLUMNS FROM `wp_bin`").WillReturnRows(
		sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"}).
			AddRow("id", "int(11)", "NO", "PRI", nil, "").
			AddRow("data", "varbinary(16)", "YES", "", nil, "").
			AddRow("hits", "int(11)", "YES", "", "0", "").
			AddRow("total", "int(11)", "YES", "", nil, "VIRTUAL GENERATED"))
	mock.ExpectQuery("SHOW CREATE TABLE `wp_bin`").WillReturnRows(
		sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("wp_bin", "CREATE TABLE `wp_bin` (`id` int)"))
	mock.ExpectQuery("SELECT `id`, `data`, `hits` FROM `wp_bin` ORDER BY `id` ASC LIMIT 1000").WillReturnRows(
		sqlmock.NewRows([]string{"id", "data", "hits"}).
			AddRow(int64(1), []byte{0x00, 0x01}, int64(3)).
			AddRow(int64(2), nil, nil).
			AddRow(int64(3), []byte("a'b"), int64(1)))
	mock.ExpectQuery(triggerQuery).WithArgs("wp_bin").WillReturnRows(
		sqlmock.NewRows([]string{"TRIGGER_NAME"}).AddRow("wp_bin_ai"))
	mock.ExpectQuery("SHOW CREATE TRIGGER `wp_bin_ai`").WillReturnRows(
		sqlmock.NewRows([]string{"Trigger", "sql_mode", "SQL Original Statement", "character_set_client", "collation_connection", "Database Collation"}).
			AddRow("wp_bin_ai", "", "CREATE DEFINER=`root`@`localhost` TRIGGER `wp_bin_ai` AFTER INSERT ON `wp_bin` FOR EACH ROW BEGIN SET @n = 1; END", "utf8mb4", "utf8mb4_general_ci", "utf8mb4_general_ci"))

	rec := &progress.Recorder{}
	exp := New(db, dir, base, Options{CheckpointInterval: time.Hour}, rec, nil)
	cur, err := exp.DumpTable(context.Background(), jobstate.TableCursor{Table: "wp_bin"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(3), cur.Rows)

	text := readGzip(t, exp.TablePath("wp_bin"))
	assert.Contains(t, text, "INSERT INTO `wp_bin` (`id`, `data`, `hits`) VALUES (1,0x0001,3),(2,NULL,0),(3,0x612762,1);")
	assert.Contains(t, text, "DELIMITER ;;\nCREATE TRIGGER `wp_bin_ai` AFTER INSERT ON `wp_bin` FOR EACH ROW BEGIN SET @n = 1; END ;;\nDELIMITER ;\n")
	assert.NotContains(t, text, "DEFINER")
	assert.Contains(t, rec.Claimed, exp.inProgressPath("wp_bin"))
}

func TestDumpTable_OffsetPagingWithoutIntegerKey(t *testing.T) {
	dir := t.TempDir()
	db, mock := newMock(t)

	mock.ExpectQuery("SHOW COLUMNS FROM `wp_kv`").WillReturnRows(
		sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"}).
			AddRow("k", "varchar(64)", "NO", "PRI", nil, "").
			AddRow("v", "text", "YES", "", nil, ""))
	mock.ExpectQuery("SHOW CREATE TABLE `wp_kv`").WillReturnRows(
		sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("wp_kv", "CREATE TABLE `wp_kv` (`k` varchar(64))"))
	mock.ExpectQuery("SELECT * FROM `wp_kv` ORDER BY `k` LIMIT 2 OFFSET 0").WillReturnRows(
		sqlmock.NewRows([]string{"k", "v"}).AddRow("a", "1").AddRow("b", "2"))
	mock.ExpectQuery("SELECT * FROM `wp_kv` ORDER BY `k` LIMIT 2 OFFSET 2").WillReturnRows(
		sqlmock.NewRows([]string{"k", "v"}).AddRow("c", nil))
	mock.ExpectQuery(triggerQuery).WithArgs("wp_kv").WillReturnError(errors.New("access denied"))

	exp := New(db, dir, base, Options{BatchRows: 2, MinBatchRows: 2, MaxBatchRows: 2}, nil, nil)
	cur, err := exp.DumpTable(context.Background(), jobstate.TableCursor{Table: "wp_kv"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, jobstate.CursorOffset, cur.Kind)
	assert.Equal(t, "3", cur.Cursor)

	text := readGzip(t, exp.TablePath("wp_kv"))
	assert.Contains(t, text, "('a','1'),('b','2')")
	assert.Contains(t, text, "('c',NULL)")
}

func TestBatchQuery_KeyCursorBinding(t *testing.T) {
	e := &Exporter{}
	info := &TableInfo{Name: "wp_big", KeyColumn: "id"}
	tests := []struct {
		name   string
		cursor string
		want   []any
	}{
		{"first batch", "", nil},
		{"signed", "42", []any{int64(42)}},
		{"unsigned above int64", "18446744073709551600", []any{uint64(18446744073709551600)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := e.batchQuery(info, jobstate.TableCursor{Kind: jobstate.CursorKey, KeyColumn: "id", Cursor: tt.cursor}, 500)
			if tt.cursor == "" {
				assert.Equal(t, "SELECT * FROM `wp_big` ORDER BY `id` ASC LIMIT 500", query)
			} else {
				assert.Equal(t, "SELECT * FROM `wp_big` WHERE `id` > ? ORDER BY `id` ASC LIMIT 500", query)
			}
			assert.Equal(t, tt.want, args)
		})
	}
}

func TestListTables(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SHOW FULL TABLES").WillReturnRows(
		sqlmock.NewRows([]string{"Tables_in_site", "Table_type"}).
			AddRow("wp_posts", "BASE TABLE").
			AddRow("wp_users", "BASE TABLE").
			AddRow("wp_options", "BASE TABLE").
			AddRow("wp_view", "VIEW").
			AddRow("wp_logs", "BASE TABLE").
			AddRow("other_table", "BASE TABLE"))

	tables, err := ListTables(context.Background(), db, "wp_", false, []string{"wp_logs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wp_options", "wp_users", "wp_posts"}, tables)
}

func TestStitch(t *testing.T) {
	dir := t.TempDir()
	db, mock := newMock(t)
	exp := newTestExporter(db, dir)

	writeTable := func(name, body string) {
		seg, err := createSegment(exp.TablePath(name), gzip.DefaultCompression)
		require.NoError(t, err)
		require.NoError(t, seg.write(body))
		require.NoError(t, seg.close())
	}
	writeTable("wp_options", "INSERT INTO `wp_options` VALUES (1,'siteurl');\n")
	writeTable("wp_posts", "INSERT INTO `wp_posts` VALUES (1,'Post 1');\n")

	mock.ExpectQuery("SHOW FULL TABLES").WillReturnRows(
		sqlmock.NewRows([]string{"Tables_in_site", "Table_type"}).AddRow("wp_recent", "VIEW").AddRow("wp_posts", "BASE TABLE"))
	mock.ExpectQuery("SHOW CREATE VIEW `wp_recent`").WillReturnRows(
		sqlmock.NewRows([]string{"View", "Create View", "character_set_client", "collation_connection"}).
			AddRow("wp_recent", "CREATE ALGORITHM=UNDEFINED DEFINER=`admin`@`%` SQL SECURITY DEFINER VIEW `wp_recent` AS select 1", "utf8mb4", "utf8mb4_general_ci"))
	mock.ExpectQuery("SELECT ROUTINE_NAME, ROUTINE_TYPE FROM information_schema.ROUTINES WHERE ROUTINE_SCHEMA = DATABASE() ORDER BY ROUTINE_TYPE, ROUTINE_NAME").
		WillReturnRows(sqlmock.NewRows([]string{"ROUTINE_NAME", "ROUTINE_TYPE"}).AddRow("wp_cleanup", "PROCEDURE"))
	mock.ExpectQuery("SHOW CREATE PROCEDURE `wp_cleanup`").WillReturnRows(
		sqlmock.NewRows([]string{"Procedure", "sql_mode", "Create Procedure"}).
			AddRow("wp_cleanup", "", "CREATE DEFINER=`admin`@`%` PROCEDURE `wp_cleanup`() BEGIN DELETE FROM wp_posts WHERE 1=0; END"))

	path, err := exp.Stitch(context.Background(), StitchRequest{
		Header:     Header{BackupOf: "https://example.com", TablePrefix: "wp_"},
		Tables:     []string{"wp_options", "wp_posts"},
		Objects:    true,
		ViewPrefix: "wp_",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, filepath.Join(dir, base+"-db.gz"), path)
	assert.NoFileExists(t, exp.TablePath("wp_options"))
	assert.NoFileExists(t, path+".tmp")

	text := readGzip(t, path)
	assert.True(t, strings.HasPrefix(text, "# site-snapshot database dump\n# Backup of: https://example.com\n"))
	assert.Less(t, strings.Index(text, "`wp_options`"), strings.Index(text, "`wp_posts`"))
	assert.Contains(t, text, "DROP VIEW IF EXISTS `wp_recent`;\nCREATE ALGORITHM=UNDEFINED SQL SECURITY DEFINER VIEW")
	assert.Contains(t, text, "DROP PROCEDURE IF EXISTS `wp_cleanup`;\nDELIMITER ;;\nCREATE PROCEDURE `wp_cleanup`()")

	// a second call finds the dump in place
	again, err := exp.Stitch(context.Background(), StitchRequest{Tables: []string{"wp_options", "wp_posts"}})
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestStitch_MissingTableIsIntegrityError(t *testing.T) {
	db, _ := newMock(t)
	exp := newTestExporter(db, t.TempDir())
	_, err := exp.Stitch(context.Background(), StitchRequest{Tables: []string{"wp_missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wp_missing")
}
