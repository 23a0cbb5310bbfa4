package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSet(id string, at time.Time, status Status) *BackupSet {
	return &BackupSet{JobID: id, Timestamp: at, Status: status}
}

func ids(sets []*BackupSet) []string {
	out := make([]string, 0, len(sets))
	for _, s := range sets {
		out = append(out, s.JobID)
	}
	return out
}

func TestRetentionPolicy_Candidates(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sets := []*BackupSet{
		newSet("d1a", now.Add(-1*time.Hour), StatusComplete),
		newSet("d1b", now.Add(-3*time.Hour), StatusComplete),
		newSet("d2", now.Add(-26*time.Hour), StatusComplete),
		newSet("d5", now.Add(-5*24*time.Hour), StatusComplete),
		newSet("d9", now.Add(-9*24*time.Hour), StatusComplete),
		newSet("busy", now.Add(-20*24*time.Hour), StatusInProgress),
	}

	tests := []struct {
		name   string
		policy RetentionPolicy
		delete []string
	}{
		{"disabled", RetentionPolicy{}, nil},
		{"keep two", RetentionPolicy{KeepSets: 2}, []string{"d2", "d5", "d9"}},
		{"max age", RetentionPolicy{MaxAge: 48 * time.Hour}, []string{"d5", "d9"}},
		{"daily", RetentionPolicy{KeepDaily: 2}, []string{"d1b", "d5", "d9"}},
		{"rules combine", RetentionPolicy{KeepSets: 1, KeepDaily: 3}, []string{"d1b", "d9"}},
		{"newest always kept", RetentionPolicy{MaxAge: time.Minute}, []string{"d1b", "d2", "d5", "d9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toDelete, toKeep := tt.policy.Candidates(sets, now)
			if tt.delete == nil {
				assert.Empty(t, toDelete)
			} else {
				assert.ElementsMatch(t, tt.delete, ids(toDelete))
			}
			assert.Contains(t, ids(toKeep), "busy")
			assert.Contains(t, ids(toKeep), "d1a")
			assert.Len(t, toKeep, len(sets)-len(toDelete))
		})
	}
}

func TestIndex_Prune(t *testing.T) {
	dir := t.TempDir()
	x := NewIndex(dir, nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"} {
		at := now.Add(-time.Duration(i) * 24 * time.Hour).Truncate(time.Minute)
		name := BaseName(at, "blog", id) + "-db.gz"
		touch(t, dir, name, 10)
		require.NoError(t, x.Save(&BackupSet{
			JobID:      id,
			Timestamp:  at,
			Components: map[string][]string{ComponentDatabase: {name}},
			Status:     StatusComplete,
		}))
	}
	oldest := filepath.Join(dir, BaseName(now.Add(-48*time.Hour), "blog", "cccccccccccc")+"-db.gz")

	planned, err := x.Prune(RetentionPolicy{KeepSets: 2}, now, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"cccccccccccc"}, ids(planned))
	assert.FileExists(t, oldest)

	deleted, err := x.Prune(RetentionPolicy{KeepSets: 2}, now, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"cccccccccccc"}, ids(deleted))
	assert.NoFileExists(t, oldest)

	left, err := x.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"bbbbbbbbbbbb", "aaaaaaaaaaaa"}, ids(left))
}
