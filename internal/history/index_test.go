package history

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	apperrors "site-snapshot/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
}

func TestBaseName(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, "backup_2026-03-01-1005_my_site_a1b2c3d4e5f6", BaseName(at, "my_site", "a1b2c3d4e5f6"))
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name      string
		ok        bool
		site      string
		component string
		part      int
	}{
		{"backup_2026-03-01-1005_my_site_a1b2c3d4e5f6-uploads.zip", true, "my_site", "uploads", 1},
		{"backup_2026-03-01-1005_my_site_a1b2c3d4e5f6-uploads12.zip", true, "my_site", "uploads", 12},
		{"backup_2026-03-01-1005_blog_a1b2c3d4e5f6-db.gz", true, "blog", "db", 1},
		{"backup_2026-03-01-1005_blog_a1b2c3d4e5f6-mu2plugins3.zip", true, "blog", "mu2plugins", 3},
		{"backup_2026-03-01-1005_blog_a1b2c3d4e5f6-plugins.zip.tmp", false, "", "", 0},
		{"backup_2026-03-01-1005_blog_a1b2c3d4e5f6-db-table-wp_posts.table.gz", false, "", "", 0},
		{"backup_2026-03-01-1005_blog_a1b2c3d4e5f6-uploads.gz", false, "", "", 0},
		{"backup_2026-03-01-1005_blog_a1b2c3d4e5f6-db.zip", false, "", "", 0},
		{"backup_2026-03-01-1005_blog_XYZ-db.gz", false, "", "", 0},
		{"sitesnap-history.yaml", false, "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := parseFileName(tt.name)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.site, p.site)
			assert.Equal(t, "a1b2c3d4e5f6", p.jobID)
			assert.Equal(t, tt.component, p.component)
			assert.Equal(t, tt.part, p.part)
			assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), p.timestamp)
		})
	}
}

func TestIndex_SaveGetDelete(t *testing.T) {
	dir := t.TempDir()
	x := NewIndex(dir, nil)
	at := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	base := BaseName(at, "blog", "a1b2c3d4e5f6")

	touch(t, dir, base+"-db.gz", 10)
	touch(t, dir, base+"-uploads.zip", 20)

	missing, err := x.Get("a1b2c3d4e5f6")
	require.NoError(t, err)
	assert.Nil(t, missing)

	set := &BackupSet{
		JobID:     "a1b2c3d4e5f6",
		Timestamp: at,
		Site:      "blog",
		Components: map[string][]string{
			"db":      {base + "-db.gz"},
			"uploads": {base + "-uploads.zip"},
		},
		TotalSize: 30,
	}
	require.NoError(t, x.Save(set))

	got, err := x.Get("a1b2c3d4e5f6")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, []string{base + "-db.gz", base + "-uploads.zip"}, got.Files())

	byTime, err := x.Get(strconv.FormatInt(at.Unix(), 10))
	require.NoError(t, err)
	require.NotNil(t, byTime)
	assert.Equal(t, "a1b2c3d4e5f6", byTime.JobID)
	assert.True(t, byTime.Timestamp.Equal(at))

	set.Status = StatusComplete
	require.NoError(t, x.Save(set))
	err = x.Save(set)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))

	found, err := x.Delete(at.Unix() + 60)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = x.Delete(at.Unix())
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoFileExists(t, filepath.Join(dir, base+"-db.gz"))
	assert.NoFileExists(t, filepath.Join(dir, base+"-uploads.zip"))

	sets, err := x.List()
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestIndex_DeleteJobKeepsSiblingInSameMinute(t *testing.T) {
	dir := t.TempDir()
	x := NewIndex(dir, nil)
	at := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	for _, id := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb"} {
		name := BaseName(at, "blog", id) + "-db.gz"
		touch(t, dir, name, 10)
		require.NoError(t, x.Save(&BackupSet{
			JobID:      id,
			Timestamp:  at,
			Components: map[string][]string{ComponentDatabase: {name}},
			Status:     StatusComplete,
		}))
	}

	found, err := x.DeleteJob("bbbbbbbbbbbb")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoFileExists(t, filepath.Join(dir, BaseName(at, "blog", "bbbbbbbbbbbb")+"-db.gz"))
	assert.FileExists(t, filepath.Join(dir, BaseName(at, "blog", "aaaaaaaaaaaa")+"-db.gz"))

	found, err = x.DeleteJob("bbbbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, found)

	left, err := x.Get("aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.NotNil(t, left)
}

func TestIndex_SaveRequiresJobID(t *testing.T) {
	x := NewIndex(t.TempDir(), nil)
	assert.Error(t, x.Save(&BackupSet{}))
	assert.Error(t, x.Save(nil))
}

func TestIndex_Rebuild(t *testing.T) {
	dir := t.TempDir()
	x := NewIndex(dir, nil)

	first := BaseName(time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), "blog", "a1b2c3d4e5f6")
	second := BaseName(time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC), "blog", "0123456789ab")

	touch(t, dir, first+"-db.gz", 100)
	touch(t, dir, first+"-uploads.zip", 10)
	touch(t, dir, first+"-uploads10.zip", 10)
	touch(t, dir, first+"-uploads2.zip", 10)
	touch(t, dir, second+"-plugins.zip", 5)
	touch(t, dir, second+"-plugins.zip.tmp", 5)
	touch(t, dir, "notes.txt", 1)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	sets, err := x.Rebuild()
	require.NoError(t, err)
	require.Len(t, sets, 2)

	a := sets["a1b2c3d4e5f6"]
	require.NotNil(t, a)
	assert.Equal(t, StatusComplete, a.Status)
	assert.Equal(t, int64(130), a.TotalSize)
	assert.Equal(t, []string{first + "-db.gz"}, a.Components["db"])
	assert.Equal(t, []string{first + "-uploads.zip", first + "-uploads2.zip", first + "-uploads10.zip"}, a.Components["uploads"])

	b := sets["0123456789ab"]
	require.NotNil(t, b)
	assert.Equal(t, int64(5), b.TotalSize)
	assert.Equal(t, map[string][]string{"plugins": {second + "-plugins.zip"}}, b.Components)

	// the rebuilt catalog is persisted
	fresh := NewIndex(dir, nil)
	list, err := fresh.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1b2c3d4e5f6", list[0].JobID)
	assert.Equal(t, "0123456789ab", list[1].JobID)
}

func TestIndex_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte("sets: [\n"), 0o644))
	_, err := NewIndex(dir, nil).Get("x")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeIntegrity, apperrors.GetErrorType(err))
}
