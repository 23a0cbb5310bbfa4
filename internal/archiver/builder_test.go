package archiver

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"site-snapshot/internal/compression"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "backup_2026-03-01-1000_site_a1b2c3d4e5f6"

// mixedContent returns size bytes, the first randomPct percent random and the rest zeros
func mixedContent(rng *rand.Rand, size, randomPct int) []byte {
	data := make([]byte, size)
	rng.Read(data[:size*randomPct/100])
	return data
}

func testOptions(split int64) Options {
	return Options{
		SplitSize:      split,
		MaxBatchFiles:  500,
		CommitInterval: time.Hour,
		LargeFile:      100 << 20,
	}
}

func newTestBuilder(t *testing.T, dir string, opts Options, sink progress.Sink) *Builder {
	t.Helper()
	codec, err := compression.NewManager().Codec(compression.AlgorithmLZ4)
	require.NoError(t, err)
	return NewBuilder(dir, opts, codec, sink, nil)
}

// manifestUnion reads every finalized part and fails on a duplicated entry
func manifestUnion(t *testing.T, dir string, parts map[int]string) map[string]int64 {
	t.Helper()
	union := make(map[string]int64)
	for _, name := range parts {
		m, err := ReadManifest(filepath.Join(dir, name))
		require.NoError(t, err)
		for k, v := range m {
			_, dup := union[k]
			require.False(t, dup, "file %s stored twice", k)
			union[k] = v
		}
	}
	return union
}

func TestBuild_FiveFilesSplitIntoTwoParts(t *testing.T) {
	src := filepath.Join(t.TempDir(), "uploads")
	out := t.TempDir()
	rng := rand.New(rand.NewSource(7))
	for i := 1; i <= 5; i++ {
		writeFile(t, filepath.Join(src, fmt.Sprintf("file%d.bin", i)), mixedContent(rng, 400*1024, 60))
	}

	b := newTestBuilder(t, out, testOptions(1<<20), nil)
	res, err := b.Build(context.Background(), Request{Entity: "uploads", Roots: []string{src}, BaseName: testBase})
	require.NoError(t, err)
	assert.True(t, res.Complete)

	require.Len(t, res.Parts, 2)
	assert.Equal(t, []string{testBase + "-uploads.zip", testBase + "-uploads2.zip"}, res.SortedParts())

	for _, name := range res.Parts {
		info, err := os.Stat(filepath.Join(out, name))
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(1<<20))
	}

	union := manifestUnion(t, out, res.Parts)
	assert.Len(t, union, 5)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, int64(400*1024), union[fmt.Sprintf("uploads/file%d.bin", i)])
	}
	assert.Equal(t, int64(5), res.Files)

	leftovers, err := filepath.Glob(filepath.Join(out, "*.tmp*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestBuild_NoPartExceedsSplitSize(t *testing.T) {
	src := filepath.Join(t.TempDir(), "others")
	out := t.TempDir()
	rng := rand.New(rand.NewSource(11))

	const split = 256 * 1024
	for i := 0; i < 40; i++ {
		size := 1024 + rng.Intn(90*1024)
		// alternate well and badly compressing files to fool the ratio estimate
		pct := 5
		if i%3 == 0 {
			pct = 100
		}
		writeFile(t, filepath.Join(src, fmt.Sprintf("f%02d.dat", i)), mixedContent(rng, size, pct))
	}
	writeFile(t, filepath.Join(src, "huge.dat"), mixedContent(rng, 400*1024, 100))

	opts := testOptions(split)
	opts.MaxBatchFiles = 7
	b := newTestBuilder(t, out, opts, nil)
	res, err := b.Build(context.Background(), Request{Entity: "others", Roots: []string{src}, BaseName: testBase})
	require.NoError(t, err)

	oversized := 0
	for _, name := range res.Parts {
		path := filepath.Join(out, name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		if info.Size() > split {
			oversized++
			m, err := ReadManifest(path)
			require.NoError(t, err)
			assert.Len(t, m, 1, "only a part holding a single oversized file may exceed the split size")
			assert.Contains(t, m, "others/huge.dat")
		}
	}
	assert.Equal(t, 1, oversized)
	assert.Len(t, manifestUnion(t, out, res.Parts), 41)
}

// cancelSink cancels the build after a number of checkpoints
type cancelSink struct {
	progress.Recorder
	after  int
	cancel context.CancelFunc
}

func (s *cancelSink) Emit(ev progress.Event) {
	s.Recorder.Emit(ev)
	if ev.Kind == progress.KindCheckpoint && s.Count(progress.KindCheckpoint) == s.after {
		s.cancel()
	}
}

func TestBuild_ResumeNeverStoresAFileTwice(t *testing.T) {
	src := filepath.Join(t.TempDir(), "uploads")
	out := t.TempDir()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		writeFile(t, filepath.Join(src, fmt.Sprintf("img%02d.jpg", i)), mixedContent(rng, 100*1024, 100))
	}

	opts := testOptions(512 * 1024)
	opts.MaxBatchFiles = 3
	req := Request{Entity: "uploads", Roots: []string{src}, BaseName: testBase}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &cancelSink{after: 3, cancel: cancel}
	first, err := newTestBuilder(t, out, opts, sink).Build(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, first.Complete)
	assert.Greater(t, first.Files, int64(0))
	assert.Less(t, first.Files, int64(20))

	// a crash between staging and rename leaves a stray staged file behind
	stray := filepath.Join(out, PartName(testBase, "uploads", len(first.Parts))+stageSuffix)
	require.NoError(t, os.WriteFile(stray, []byte("garbage"), 0o644))

	second, err := newTestBuilder(t, out, opts, nil).Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Complete)
	assert.Equal(t, int64(20), first.Files+second.Files)

	union := manifestUnion(t, out, second.Parts)
	assert.Len(t, union, 20)
	assert.NoFileExists(t, stray)
}

func TestBuild_SkipsOversizedAndReportsUnchanged(t *testing.T) {
	src := filepath.Join(t.TempDir(), "plugins")
	out := t.TempDir()
	writeFile(t, filepath.Join(src, "big.bin"), make([]byte, 3<<20))
	writeFile(t, filepath.Join(src, "small.php"), []byte("<?php"))
	writeFile(t, filepath.Join(src, "old.php"), []byte("<?php // old"))
	cutoff := time.Now().Add(-time.Minute)
	past := cutoff.Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(src, "old.php"), past, past))

	opts := testOptions(1 << 20)
	opts.MaxFile = 2 << 20
	sink := &progress.Recorder{}
	res, err := newTestBuilder(t, out, opts, sink).Build(context.Background(), Request{
		Entity: "plugins", Roots: []string{src}, BaseName: testBase, Since: cutoff,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(src, "big.bin")}, res.Skipped)
	require.Len(t, res.Unchanged, 1)
	assert.Equal(t, "plugins/old.php", res.Unchanged[0].StoredAs)
	assert.Equal(t, 1, sink.Count(progress.KindWarning))

	union := manifestUnion(t, out, res.Parts)
	assert.Equal(t, map[string]int64{"plugins/small.php": 5}, union)
}

func TestBuild_LowDiskSpaceIsFatal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "themes")
	writeFile(t, filepath.Join(src, "a.css"), []byte("a{}"))

	opts := testOptions(1 << 20)
	opts.MinFreeDisk = 35 << 20
	b := newTestBuilder(t, t.TempDir(), opts, nil)
	b.available = func(string) (int64, error) { return 10 << 20, nil }

	_, err := b.Build(context.Background(), Request{Entity: "themes", Roots: []string{src}, BaseName: testBase})
	require.Error(t, err)
	assert.True(t, apperrors.IsResourceExhausted(err))
}

func TestBuild_ClaimConflictStops(t *testing.T) {
	src := filepath.Join(t.TempDir(), "themes")
	writeFile(t, filepath.Join(src, "a.css"), []byte("a{}"))

	conflict := fmt.Errorf("busy elsewhere")
	sink := &progress.Recorder{ClaimErr: conflict}
	_, err := newTestBuilder(t, t.TempDir(), testOptions(1<<20), sink).Build(context.Background(), Request{
		Entity: "themes", Roots: []string{src}, BaseName: testBase,
	})
	assert.ErrorIs(t, err, conflict)
	require.NotEmpty(t, sink.Claimed)
	assert.Equal(t, testBase+"-themes.zip.tmp", filepath.Base(sink.Claimed[0]))
}

func TestQueueCache_SaveLoad(t *testing.T) {
	codec, err := compression.NewManager().Codec(compression.AlgorithmLZ4)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), QueueCacheName(testBase, "uploads"))
	cache := NewQueueCache(path, codec, 30*time.Minute)

	_, ok, err := cache.Load(time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	entries := []FileQueueEntry{
		{AbsPath: "/srv/uploads/a.jpg", StoredAs: "uploads/a.jpg", Size: 10, ModTime: time.Unix(1700000000, 0).UTC()},
		{AbsPath: "/srv/uploads/b.jpg", StoredAs: "uploads/b.jpg", Size: 20, ModTime: time.Unix(1700000100, 0).UTC(), Unchanged: true},
	}
	stats, err := cache.Save(entries)
	require.NoError(t, err)
	assert.Equal(t, compression.AlgorithmLZ4, stats.Algorithm)
	assert.Positive(t, stats.CompressedSize)

	loaded, ok, err := cache.Load(time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries, loaded)

	_, ok, err = cache.Load(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "expired cache is ignored")

	require.NoError(t, cache.Remove())
	require.NoError(t, cache.Remove())
}

func TestBuild_UsesQueueCache(t *testing.T) {
	src := filepath.Join(t.TempDir(), "uploads")
	out := t.TempDir()
	writeFile(t, filepath.Join(src, "real.txt"), []byte("real"))
	writeFile(t, filepath.Join(src, "cached.txt"), []byte("cached"))

	opts := testOptions(1 << 20)
	opts.QueueCacheTTL = time.Hour
	b := newTestBuilder(t, out, opts, nil)
	cache := NewQueueCache(filepath.Join(out, QueueCacheName(testBase, "uploads")), b.codec, time.Hour)
	_, err := cache.Save([]FileQueueEntry{{
		AbsPath: filepath.Join(src, "cached.txt"), StoredAs: "uploads/cached.txt", Size: 6, ModTime: time.Now(),
	}})
	require.NoError(t, err)

	res, err := b.Build(context.Background(), Request{Entity: "uploads", Roots: []string{src}, BaseName: testBase})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"uploads/cached.txt": 6}, manifestUnion(t, out, res.Parts))
	assert.NoFileExists(t, cache.Path())
}

func TestExtract_RoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "uploads")
	out := t.TempDir()
	writeFile(t, filepath.Join(src, "2024", "01", "a.jpg"), []byte("jpeg-a"))
	writeFile(t, filepath.Join(src, "b.txt"), []byte("text-b"))

	res, err := newTestBuilder(t, out, testOptions(1<<20), nil).Build(context.Background(), Request{
		Entity: "uploads", Roots: []string{src}, BaseName: testBase,
	})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "restored")
	written, err := Extract(context.Background(), filepath.Join(out, res.Parts[0]), dest, func(name string) bool {
		return name == "uploads/b.txt"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/2024/01/a.jpg"}, written)

	data, err := os.ReadFile(filepath.Join(dest, "2024", "01", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-a", string(data))
	assert.NoFileExists(t, filepath.Join(dest, "b.txt"))
}

func TestStripRoot(t *testing.T) {
	assert.Equal(t, "a/b.txt", stripRoot("uploads/a/b.txt"))
	assert.Equal(t, "x.txt", stripRoot("x.txt"))
	assert.Equal(t, "passwd", stripRoot("../../etc/passwd"))
}

func TestStage_UnreadableFileLeavesNoEntry(t *testing.T) {
	src := filepath.Join(t.TempDir(), "uploads")
	out := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), []byte("alpha"))
	writeFile(t, filepath.Join(src, "c.txt"), []byte("gamma"))
	// a directory opens and stats fine but fails on the first read
	broken := filepath.Join(src, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))

	p := newPartState(out, testBase, "uploads", 0)
	res, err := p.stage([]FileQueueEntry{
		{AbsPath: filepath.Join(src, "a.txt"), StoredAs: "uploads/a.txt"},
		{AbsPath: broken, StoredAs: "uploads/broken"},
		{AbsPath: filepath.Join(src, "c.txt"), StoredAs: "uploads/c.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{broken}, res.vanished)
	require.NoError(t, p.install(res))

	manifest, err := ReadManifest(p.tmpPath())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"uploads/a.txt": 5, "uploads/c.txt": 5}, manifest)
	assert.Equal(t, manifest, p.manifest)
}
