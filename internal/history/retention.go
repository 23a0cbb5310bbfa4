package history

import (
	"sort"
	"time"
)

// RetentionPolicy decides which complete backup sets are kept. A set is kept
// when any rule keeps it; the newest complete set is always kept. Sets still
// in progress are never pruned.
type RetentionPolicy struct {
	// KeepSets keeps the newest N sets
	KeepSets int
	// MaxAge keeps every set younger than this
	MaxAge time.Duration
	// KeepDaily keeps the newest set of each of the last N days that have one
	KeepDaily int
}

// Enabled reports whether the policy would ever prune anything
func (p RetentionPolicy) Enabled() bool {
	return p.KeepSets > 0 || p.MaxAge > 0 || p.KeepDaily > 0
}

// Candidates splits sets into those to delete and those to keep at now
func (p RetentionPolicy) Candidates(sets []*BackupSet, now time.Time) (toDelete, toKeep []*BackupSet) {
	var complete []*BackupSet
	for _, s := range sets {
		if s.Status == StatusComplete {
			complete = append(complete, s)
		} else {
			toKeep = append(toKeep, s)
		}
	}
	if len(complete) == 0 || !p.Enabled() {
		return nil, append(toKeep, complete...)
	}

	// newest first
	sort.Slice(complete, func(i, j int) bool {
		if complete[i].Timestamp.Equal(complete[j].Timestamp) {
			return complete[i].JobID > complete[j].JobID
		}
		return complete[i].Timestamp.After(complete[j].Timestamp)
	})

	keep := map[string]bool{complete[0].JobID: true}
	for i := 0; i < len(complete) && i < p.KeepSets; i++ {
		keep[complete[i].JobID] = true
	}
	if p.MaxAge > 0 {
		cutoff := now.Add(-p.MaxAge)
		for _, s := range complete {
			if s.Timestamp.After(cutoff) {
				keep[s.JobID] = true
			}
		}
	}
	if p.KeepDaily > 0 {
		days := 0
		seen := make(map[string]bool)
		for _, s := range complete {
			day := s.Timestamp.UTC().Format("2006-01-02")
			if seen[day] {
				continue
			}
			seen[day] = true
			keep[s.JobID] = true
			if days++; days == p.KeepDaily {
				break
			}
		}
	}

	for _, s := range complete {
		if keep[s.JobID] {
			toKeep = append(toKeep, s)
		} else {
			toDelete = append(toDelete, s)
		}
	}
	return toDelete, toKeep
}

// Prune deletes the sets policy does not keep, with their files. With dryRun
// nothing is removed. The sets selected for deletion are returned.
func (x *Index) Prune(policy RetentionPolicy, now time.Time, dryRun bool) ([]*BackupSet, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sets, err := x.load()
	if err != nil {
		return nil, err
	}
	all := make([]*BackupSet, 0, len(sets))
	for _, s := range sets {
		all = append(all, s)
	}
	toDelete, toKeep := policy.Candidates(all, now)

	x.logger.WithFields(map[string]interface{}{
		"delete":  len(toDelete),
		"keep":    len(toKeep),
		"dry_run": dryRun,
	}).Info("Applying retention policy")

	if dryRun {
		return toDelete, nil
	}
	for _, s := range toDelete {
		if _, err := x.deleteSet(sets, s); err != nil {
			return nil, err
		}
	}
	return toDelete, nil
}
