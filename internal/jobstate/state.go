package jobstate

import (
	"context"
	"sort"
	"time"
)

// Kind distinguishes backup jobs from restore jobs
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// CursorKind says how a table dump is paged
type CursorKind string

const (
	// CursorKey pages on a single integer primary key
	CursorKey CursorKind = "key"
	// CursorOffset pages with LIMIT n OFFSET off ordered by the primary key
	CursorOffset CursorKind = "offset"
)

// State is everything a job needs to continue in a later invocation
type State struct {
	JobID                string               `json:"job_id"`
	Kind                 Kind                 `json:"kind"`
	Phase                string               `json:"phase"`
	ResumptionCount      int                  `json:"resumption_count"`
	RunTimes             map[int]float64      `json:"run_times"`
	ResumeInterval       time.Duration        `json:"resume_interval"`
	LastUsefulCheckin    time.Time            `json:"last_useful_checkin"`
	LastUsefulResumption int                  `json:"last_useful_resumption"`
	LastError            string               `json:"last_error,omitempty"`
	Next                 *ScheduledResumption `json:"next,omitempty"`
	Params               map[string]string    `json:"params"`
	Progress             Progress             `json:"progress"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// ScheduledResumption is a continuation waiting for its trigger
type ScheduledResumption struct {
	Number int       `json:"number"`
	At     time.Time `json:"at"`
}

// Progress holds the explicit resumption records of every component
type Progress struct {
	Entities map[string]*EntityProgress `json:"entities,omitempty"`
	Tables   []*TableCursor             `json:"tables,omitempty"`
	DumpFile string                     `json:"dump_file,omitempty"`
	DumpDone bool                       `json:"dump_done,omitempty"`
	Import   *ImportCursor              `json:"import,omitempty"`
	Restored map[string][]string        `json:"restored,omitempty"`
}

// EntityProgress records the archive parts produced for one file entity
type EntityProgress struct {
	Entity string         `json:"entity"`
	Parts  map[int]string `json:"parts,omitempty"`
	Files  int64          `json:"files"`
	Bytes  int64          `json:"bytes"`
	Done   bool           `json:"done"`
}

// TableCursor is the resumption record of one table dump: which rows are
// already durable and which segment files hold them.
type TableCursor struct {
	Table     string     `json:"table"`
	Kind      CursorKind `json:"kind,omitempty"`
	KeyColumn string     `json:"key_column,omitempty"`
	Cursor    string     `json:"cursor,omitempty"`
	Started   bool       `json:"started"`
	Segments  []string   `json:"segments,omitempty"`
	BatchSize int        `json:"batch_size,omitempty"`
	Rows      int64      `json:"rows"`
	Dropped   int64      `json:"dropped,omitempty"`
	File      string     `json:"file,omitempty"`
	Done      bool       `json:"done"`
}

// SegmentIndex returns the index the next segment will get
func (c *TableCursor) SegmentIndex() int {
	return len(c.Segments)
}

// ImportCursor is the resumption record of a database replay. Swapped names
// the last table renamed over its final name.
type ImportCursor struct {
	File         string `json:"file"`
	Statements   int64  `json:"statements"`
	SourcePrefix string `json:"source_prefix,omitempty"`
	TempPrefix   string `json:"temp_prefix,omitempty"`
	Swapped      string `json:"swapped,omitempty"`
	Errors       int    `json:"errors"`
	Done         bool   `json:"done"`
}

// NewState creates the initial state of a job
func NewState(jobID string, kind Kind, interval time.Duration, now time.Time) *State {
	return &State{
		JobID:          jobID,
		Kind:           kind,
		RunTimes:       make(map[int]float64),
		ResumeInterval: interval,
		Params:         make(map[string]string),
		Progress: Progress{
			Entities: make(map[string]*EntityProgress),
			Restored: make(map[string][]string),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Entity returns the progress record of entity, creating it if needed
func (s *State) Entity(entity string) *EntityProgress {
	if s.Progress.Entities == nil {
		s.Progress.Entities = make(map[string]*EntityProgress)
	}
	ep, ok := s.Progress.Entities[entity]
	if !ok {
		ep = &EntityProgress{Entity: entity, Parts: make(map[int]string)}
		s.Progress.Entities[entity] = ep
	}
	if ep.Parts == nil {
		ep.Parts = make(map[int]string)
	}
	return ep
}

// Table returns the cursor of table, or nil
func (s *State) Table(table string) *TableCursor {
	for _, c := range s.Progress.Tables {
		if c.Table == table {
			return c
		}
	}
	return nil
}

// SortedParts returns the entity's part filenames in sequence order
func (ep *EntityProgress) SortedParts() []string {
	idx := make([]int, 0, len(ep.Parts))
	for i := range ep.Parts {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, ep.Parts[i])
	}
	return out
}

// Clone returns a deep copy made through the JSON encoding used for persistence
func (s *State) Clone() (*State, error) {
	data, err := encodeState(s)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

// Store persists job state
type Store interface {
	LoadJob(ctx context.Context, jobID string) (*State, error)
	SaveJob(ctx context.Context, state *State) error
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context) ([]*State, error)
	DueJobs(ctx context.Context, now time.Time) ([]*State, error)
}
