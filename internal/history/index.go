// Package history keeps the catalog of completed backups: which files make
// up each backup set, so that a restore can find them again. The catalog is
// a YAML file in the storage directory and can be rebuilt from the
// filenames alone.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/logging"

	"gopkg.in/yaml.v3"
)

// IndexFile is the catalog's filename inside the storage directory
const IndexFile = "sitesnap-history.yaml"

// timestampLayout is the date token embedded in every base name
const timestampLayout = "2006-01-02-1504"

// ComponentDatabase names the database dump component
const ComponentDatabase = "db"

// Status of a backup set
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
)

// BackupSet lists the files produced by one backup job
type BackupSet struct {
	JobID      string              `yaml:"job_id"`
	Timestamp  time.Time           `yaml:"timestamp"`
	Site       string              `yaml:"site,omitempty"`
	Components map[string][]string `yaml:"components"`
	TotalSize  int64               `yaml:"total_size"`
	Status     Status              `yaml:"status"`
}

// Files returns every filename of the set in a stable order
func (b *BackupSet) Files() []string {
	names := make([]string, 0, len(b.Components))
	for name := range b.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []string
	for _, name := range names {
		files = append(files, b.Components[name]...)
	}
	return files
}

// BaseName returns the filename stem shared by every file of a job
func BaseName(at time.Time, site, jobID string) string {
	return fmt.Sprintf("backup_%s_%s_%s", at.UTC().Format(timestampLayout), site, jobID)
}

// fileNamePattern matches finalized archive parts and database dumps:
// backup_<date>_<site>_<jobID>-<component>[<n>].(zip|gz). Component names
// end in a letter, so trailing digits are always the part number.
var fileNamePattern = regexp.MustCompile(`^backup_(\d{4}-\d{2}-\d{2}-\d{4})_(.*)_([0-9a-f]{12})-([a-z](?:[a-z0-9]*[a-z])?)(\d+)?\.(zip|gz)$`)

type parsedName struct {
	timestamp time.Time
	site      string
	jobID     string
	component string
	part      int
}

func parseFileName(name string) (parsedName, bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return parsedName{}, false
	}
	at, err := time.Parse(timestampLayout, m[1])
	if err != nil {
		return parsedName{}, false
	}
	component := m[4]
	if (m[6] == "gz") != (component == ComponentDatabase) {
		return parsedName{}, false
	}
	part := 1
	if m[5] != "" {
		part, _ = strconv.Atoi(m[5])
	}
	return parsedName{timestamp: at, site: m[2], jobID: m[3], component: component, part: part}, true
}

func partNumber(name string) int {
	p, _ := parseFileName(name)
	return p.part
}

type indexFile struct {
	Sets []*BackupSet `yaml:"sets"`
}

// Index is the file-backed catalog of backup sets
type Index struct {
	dir    string
	path   string
	logger *logging.Logger
	mu     sync.Mutex
}

// NewIndex opens the catalog kept in dir
func NewIndex(dir string, logger *logging.Logger) *Index {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Index{dir: dir, path: filepath.Join(dir, IndexFile), logger: logger}
}

// Path returns the location of the catalog file
func (x *Index) Path() string { return x.path }

func (x *Index) load() (map[string]*BackupSet, error) {
	data, err := os.ReadFile(x.path)
	if os.IsNotExist(err) {
		return make(map[string]*BackupSet), nil
	}
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeResource, "failed to read history index", err)
	}

	var f indexFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeIntegrity, "failed to parse history index", err)
	}
	sets := make(map[string]*BackupSet, len(f.Sets))
	for _, s := range f.Sets {
		sets[s.JobID] = s
	}
	return sets, nil
}

func (x *Index) store(sets map[string]*BackupSet) error {
	f := indexFile{Sets: make([]*BackupSet, 0, len(sets))}
	for _, s := range sets {
		f.Sets = append(f.Sets, s)
	}
	sort.Slice(f.Sets, func(i, j int) bool {
		if !f.Sets[i].Timestamp.Equal(f.Sets[j].Timestamp) {
			return f.Sets[i].Timestamp.Before(f.Sets[j].Timestamp)
		}
		return f.Sets[i].JobID < f.Sets[j].JobID
	})

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to encode history index: %w", err)
	}
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return apperrors.NewDiskWriteError("mkdir", x.dir, err)
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.NewDiskWriteError("write", tmp, err)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		return apperrors.NewDiskWriteError("rename", x.path, err)
	}
	return nil
}

// Save records a backup set. A set already recorded as complete cannot be
// replaced.
func (x *Index) Save(set *BackupSet) error {
	if set == nil || set.JobID == "" {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation, "backup set needs a job id", nil)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	sets, err := x.load()
	if err != nil {
		return err
	}
	if old, ok := sets[set.JobID]; ok && old.Status == StatusComplete {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation,
			fmt.Sprintf("backup set %s is complete and cannot be changed", set.JobID), nil)
	}
	if set.Status == "" {
		set.Status = StatusInProgress
	}
	sets[set.JobID] = set

	if err := x.store(sets); err != nil {
		return err
	}
	x.logger.WithFields(map[string]interface{}{
		"job_id":     set.JobID,
		"status":     set.Status,
		"components": len(set.Components),
	}).Debug("Backup set saved")
	return nil
}

// Get returns the set whose job id equals key, or whose timestamp in Unix
// seconds equals key. It returns nil when nothing matches.
func (x *Index) Get(key string) (*BackupSet, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sets, err := x.load()
	if err != nil {
		return nil, err
	}
	if s, ok := sets[key]; ok {
		return s, nil
	}
	if ts, err := strconv.ParseInt(key, 10, 64); err == nil {
		return findByTimestamp(sets, ts), nil
	}
	return nil, nil
}

func findByTimestamp(sets map[string]*BackupSet, ts int64) *BackupSet {
	var found *BackupSet
	for _, s := range sets {
		if s.Timestamp.Unix() != ts {
			continue
		}
		if found == nil || s.JobID < found.JobID {
			found = s
		}
	}
	return found
}

// List returns every set, oldest first
func (x *Index) List() ([]*BackupSet, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sets, err := x.load()
	if err != nil {
		return nil, err
	}
	out := make([]*BackupSet, 0, len(sets))
	for _, s := range sets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Delete removes the set taken at timestamp (Unix seconds) together with its
// files. It reports whether a set was found.
func (x *Index) Delete(timestamp int64) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sets, err := x.load()
	if err != nil {
		return false, err
	}
	return x.deleteSet(sets, findByTimestamp(sets, timestamp))
}

// DeleteJob removes the set created by jobID and its files
func (x *Index) DeleteJob(jobID string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sets, err := x.load()
	if err != nil {
		return false, err
	}
	return x.deleteSet(sets, sets[jobID])
}

func (x *Index) deleteSet(sets map[string]*BackupSet, set *BackupSet) (bool, error) {
	if set == nil {
		return false, nil
	}
	for _, name := range set.Files() {
		path := filepath.Join(x.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, apperrors.NewDiskWriteError("remove", path, err)
		}
	}
	delete(sets, set.JobID)
	if err := x.store(sets); err != nil {
		return false, err
	}

	x.logger.WithFields(map[string]interface{}{
		"job_id": set.JobID,
		"files":  len(set.Files()),
	}).Info("Backup set deleted")
	return true, nil
}

// Rebuild re-derives the catalog from the files present in the storage
// directory and replaces the stored one with it.
func (x *Index) Rebuild() (map[string]*BackupSet, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entries, err := os.ReadDir(x.dir)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeResource, "failed to scan storage directory", err)
	}

	sets := make(map[string]*BackupSet)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		p, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		set, ok := sets[p.jobID]
		if !ok {
			set = &BackupSet{
				JobID:      p.jobID,
				Timestamp:  p.timestamp,
				Site:       p.site,
				Components: make(map[string][]string),
				Status:     StatusComplete,
			}
			sets[p.jobID] = set
		}
		set.Components[p.component] = append(set.Components[p.component], entry.Name())
		set.TotalSize += info.Size()
	}
	for _, set := range sets {
		for _, files := range set.Components {
			sort.Slice(files, func(i, j int) bool { return partNumber(files[i]) < partNumber(files[j]) })
		}
	}

	if err := x.store(sets); err != nil {
		return nil, err
	}
	x.logger.WithField("sets", len(sets)).Info("History index rebuilt")
	return sets, nil
}
