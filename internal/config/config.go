package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"site-snapshot/internal/database"

	"github.com/hashicorp/go-multierror"
)

// Entity names understood by the archiver
const (
	EntityPlugins = "plugins"
	EntityThemes  = "themes"
	EntityUploads = "uploads"
	EntityOthers  = "others"
)

var (
	tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)
	sizeUnit           = int64(1 << 20)
)

// Config is the complete site-snapshot configuration
type Config struct {
	Database  database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Site      SiteConfig              `mapstructure:"site" yaml:"site"`
	Storage   StorageConfig           `mapstructure:"storage" yaml:"storage"`
	State     StateConfig             `mapstructure:"state" yaml:"state"`
	Archive   ArchiveConfig           `mapstructure:"archive" yaml:"archive"`
	Export    ExportConfig            `mapstructure:"export" yaml:"export"`
	Import    ImportConfig            `mapstructure:"import" yaml:"import"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
}

// SiteConfig describes the site being snapshotted
type SiteConfig struct {
	Name        string                  `mapstructure:"name" yaml:"name"`
	URL         string                  `mapstructure:"url" yaml:"url"`
	HomeURL     string                  `mapstructure:"home_url" yaml:"home_url"`
	ContentURL  string                  `mapstructure:"content_url" yaml:"content_url"`
	UploadsURL  string                  `mapstructure:"uploads_url" yaml:"uploads_url"`
	TablePrefix string                  `mapstructure:"table_prefix" yaml:"table_prefix"`
	Multisite   bool                    `mapstructure:"multisite" yaml:"multisite"`
	RootPath    string                  `mapstructure:"root_path" yaml:"root_path"`
	Entities    map[string]EntityConfig `mapstructure:"entities" yaml:"entities"`
}

// EntityConfig lists the roots and exclusions of one file entity
type EntityConfig struct {
	Roots   []string        `mapstructure:"roots" yaml:"roots"`
	Exclude ExclusionConfig `mapstructure:"exclude" yaml:"exclude"`
	// RestoreTo is the destination directory used when restoring this entity
	RestoreTo string `mapstructure:"restore_to" yaml:"restore_to,omitempty"`
}

// ExclusionConfig holds the four exclusion rule kinds
type ExclusionConfig struct {
	Paths      []string `mapstructure:"paths" yaml:"paths,omitempty"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions,omitempty"`
	Prefixes   []string `mapstructure:"prefixes" yaml:"prefixes,omitempty"`
	Patterns   []string `mapstructure:"patterns" yaml:"patterns,omitempty"`
}

// StorageConfig locates the backup output directory and says how many
// backup sets to keep in it. Zero retention values keep everything.
type StorageConfig struct {
	Dir       string        `mapstructure:"dir" yaml:"dir"`
	KeepSets  int           `mapstructure:"keep_sets" yaml:"keep_sets,omitempty"`
	MaxAge    time.Duration `mapstructure:"max_age" yaml:"max_age,omitempty"`
	KeepDaily int           `mapstructure:"keep_daily" yaml:"keep_daily,omitempty"`
}

// StateConfig locates the job-state database
type StateConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ArchiveConfig tunes zip part production
type ArchiveConfig struct {
	SplitSizeMB     int           `mapstructure:"split_size_mb" yaml:"split_size_mb"`
	BatchBufferMB   int           `mapstructure:"batch_buffer_mb" yaml:"batch_buffer_mb"`
	MaxBatchFiles   int           `mapstructure:"max_batch_files" yaml:"max_batch_files"`
	CommitInterval  time.Duration `mapstructure:"commit_interval" yaml:"commit_interval"`
	LargeFileMB     int           `mapstructure:"large_file_mb" yaml:"large_file_mb"`
	MaxFileMB       int           `mapstructure:"max_file_mb" yaml:"max_file_mb"`
	MinFreeDiskMB   int           `mapstructure:"min_free_disk_mb" yaml:"min_free_disk_mb"`
	QueueCacheAfter time.Duration `mapstructure:"queue_cache_after" yaml:"queue_cache_after"`
	QueueCacheTTL   time.Duration `mapstructure:"queue_cache_ttl" yaml:"queue_cache_ttl"`
	QueueCacheCodec string        `mapstructure:"queue_cache_codec" yaml:"queue_cache_codec"`
	// IncrementalSince limits a run to files modified after this instant
	IncrementalSince time.Time `mapstructure:"incremental_since" yaml:"incremental_since,omitempty"`
}

// ExportConfig tunes the database dump
type ExportConfig struct {
	BatchRows          int            `mapstructure:"batch_rows" yaml:"batch_rows"`
	MinBatchRows       int            `mapstructure:"min_batch_rows" yaml:"min_batch_rows"`
	MaxBatchRows       int            `mapstructure:"max_batch_rows" yaml:"max_batch_rows"`
	TableBatchRows     map[string]int `mapstructure:"table_batch_rows" yaml:"table_batch_rows,omitempty"`
	MaxStatementBytes  int            `mapstructure:"max_statement_bytes" yaml:"max_statement_bytes"`
	CheckpointInterval time.Duration  `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	AllTables          bool           `mapstructure:"all_tables" yaml:"all_tables"`
	SkipTables         []string       `mapstructure:"skip_tables" yaml:"skip_tables,omitempty"`
	IncludeObjects     bool           `mapstructure:"include_objects" yaml:"include_objects"`
	PluginVersion      string         `mapstructure:"plugin_version" yaml:"plugin_version"`
}

// ImportConfig tunes database replay
type ImportConfig struct {
	DestPrefix     string `mapstructure:"dest_prefix" yaml:"dest_prefix"`
	TempPrefix     string `mapstructure:"temp_prefix" yaml:"temp_prefix"`
	ErrorCeiling   int    `mapstructure:"error_ceiling" yaml:"error_ceiling"`
	KeepUnprefixed bool   `mapstructure:"keep_unprefixed" yaml:"keep_unprefixed"`
	OldRootPath    string `mapstructure:"old_root_path" yaml:"old_root_path,omitempty"`
	SkipFiles      bool   `mapstructure:"skip_files" yaml:"skip_files"`
	SkipDatabase   bool   `mapstructure:"skip_database" yaml:"skip_database"`
}

// SchedulerConfig tunes resumptions and locking
type SchedulerConfig struct {
	MaxRunTime         time.Duration `mapstructure:"max_run_time" yaml:"max_run_time"`
	InitialInterval    time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	LockCeiling        time.Duration `mapstructure:"lock_ceiling" yaml:"lock_ceiling"`
	OverlapWindow      time.Duration `mapstructure:"overlap_window" yaml:"overlap_window"`
	RescheduleWindow   time.Duration `mapstructure:"reschedule_window" yaml:"reschedule_window"`
	ScheduleAheadDepth int           `mapstructure:"schedule_ahead_depth" yaml:"schedule_ahead_depth"`
	MaxResumptions     int           `mapstructure:"max_resumptions" yaml:"max_resumptions"`
	PollSpec           string        `mapstructure:"poll_spec" yaml:"poll_spec"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig configures the metrics textfile
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path,omitempty"`
}

// NewDefault returns a configuration with every default applied
func NewDefault() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset value
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()

	if c.Site.Name == "" {
		c.Site.Name = "site"
	}
	if c.Site.TablePrefix == "" {
		c.Site.TablePrefix = "wp_"
	}
	if c.Site.HomeURL == "" {
		c.Site.HomeURL = c.Site.URL
	}
	if c.Site.Entities == nil {
		c.Site.Entities = map[string]EntityConfig{}
	}

	if c.Storage.Dir == "" {
		c.Storage.Dir = "backups"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.Storage.Dir, "sitesnap-state.db")
	}

	a := &c.Archive
	if a.SplitSizeMB == 0 {
		a.SplitSizeMB = 400
	}
	if a.BatchBufferMB == 0 {
		a.BatchBufferMB = 22
	}
	if a.MaxBatchFiles == 0 {
		a.MaxBatchFiles = 500
	}
	if a.CommitInterval == 0 {
		a.CommitInterval = 2 * time.Second
	}
	if a.LargeFileMB == 0 {
		a.LargeFileMB = 100
	}
	if a.MinFreeDiskMB == 0 {
		a.MinFreeDiskMB = 35
	}
	if a.QueueCacheAfter == 0 {
		a.QueueCacheAfter = 20 * time.Second
	}
	if a.QueueCacheTTL == 0 {
		a.QueueCacheTTL = 30 * time.Minute
	}
	if a.QueueCacheCodec == "" {
		a.QueueCacheCodec = "lz4"
	}

	e := &c.Export
	if e.BatchRows == 0 {
		e.BatchRows = 1000
	}
	if e.MinBatchRows == 0 {
		e.MinBatchRows = 50
	}
	if e.MaxBatchRows == 0 {
		e.MaxBatchRows = 8000
	}
	if e.MaxStatementBytes == 0 {
		e.MaxStatementBytes = 1 << 20
	}
	if e.CheckpointInterval == 0 {
		e.CheckpointInterval = 5 * time.Second
	}
	if e.PluginVersion == "" {
		e.PluginVersion = "1.0.0"
	}

	i := &c.Import
	if i.DestPrefix == "" {
		i.DestPrefix = c.Site.TablePrefix
	}
	if i.TempPrefix == "" {
		i.TempPrefix = "sstmp_"
	}
	if i.ErrorCeiling == 0 {
		i.ErrorCeiling = 50
	}

	s := &c.Scheduler
	if s.MaxRunTime == 0 {
		s.MaxRunTime = 4 * time.Minute
	}
	if s.InitialInterval == 0 {
		s.InitialInterval = 5 * time.Minute
	}
	if s.LockTimeout == 0 {
		s.LockTimeout = 600 * time.Second
	}
	if s.LockCeiling == 0 {
		s.LockCeiling = 24 * time.Hour
	}
	if s.OverlapWindow == 0 {
		s.OverlapWindow = 30 * time.Second
	}
	if s.RescheduleWindow == 0 {
		s.RescheduleWindow = 45 * time.Second
	}
	if s.ScheduleAheadDepth == 0 {
		s.ScheduleAheadDepth = 9
	}
	if s.MaxResumptions == 0 {
		s.MaxResumptions = 100
	}
	if s.PollSpec == "" {
		s.PollSpec = "@every 30s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration and returns every problem found
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := c.Database.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("database: %w", err))
	}
	if !tablePrefixPattern.MatchString(c.Site.TablePrefix) {
		result = multierror.Append(result, fmt.Errorf("site.table_prefix %q may only contain letters, digits and underscores", c.Site.TablePrefix))
	}
	if !tablePrefixPattern.MatchString(c.Import.DestPrefix) {
		result = multierror.Append(result, fmt.Errorf("import.dest_prefix %q may only contain letters, digits and underscores", c.Import.DestPrefix))
	}
	if c.Import.TempPrefix == c.Import.DestPrefix {
		result = multierror.Append(result, fmt.Errorf("import.temp_prefix must differ from import.dest_prefix"))
	}
	if c.Storage.Dir == "" {
		result = multierror.Append(result, fmt.Errorf("storage.dir is required"))
	}
	if c.Storage.KeepSets < 0 || c.Storage.KeepDaily < 0 || c.Storage.MaxAge < 0 {
		result = multierror.Append(result, fmt.Errorf("storage retention values must not be negative"))
	}
	for name, entity := range c.Site.Entities {
		if name == "db" || !entityNamePattern.MatchString(name) {
			result = multierror.Append(result, fmt.Errorf("site.entities: invalid entity name %q", name))
		}
		if len(entity.Roots) == 0 {
			result = multierror.Append(result, fmt.Errorf("site.entities.%s: at least one root is required", name))
		}
		// each root is stored under its base name
		stored := make(map[string]string, len(entity.Roots))
		for _, root := range entity.Roots {
			base := filepath.Base(filepath.Clean(root))
			if prev, dup := stored[base]; dup {
				result = multierror.Append(result, fmt.Errorf("site.entities.%s: roots %s and %s would both be stored as %q", name, prev, root, base))
				continue
			}
			stored[base] = root
		}
	}
	if c.Archive.SplitSizeMB < 1 {
		result = multierror.Append(result, fmt.Errorf("archive.split_size_mb must be at least 1"))
	}
	if c.Archive.MaxFileMB < 0 {
		result = multierror.Append(result, fmt.Errorf("archive.max_file_mb must not be negative"))
	}
	switch c.Archive.QueueCacheCodec {
	case "lz4", "zstd", "gzip":
	default:
		result = multierror.Append(result, fmt.Errorf("archive.queue_cache_codec %q is not supported", c.Archive.QueueCacheCodec))
	}
	if c.Export.MinBatchRows > c.Export.MaxBatchRows {
		result = multierror.Append(result, fmt.Errorf("export.min_batch_rows must not exceed export.max_batch_rows"))
	}
	if c.Export.MaxStatementBytes < 1024 {
		result = multierror.Append(result, fmt.Errorf("export.max_statement_bytes must be at least 1024"))
	}
	if c.Import.ErrorCeiling < 1 {
		result = multierror.Append(result, fmt.Errorf("import.error_ceiling must be positive"))
	}
	if c.Scheduler.MaxRunTime <= 0 || c.Scheduler.InitialInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("scheduler durations must be positive"))
	}
	if c.Scheduler.LockCeiling < c.Scheduler.LockTimeout {
		result = multierror.Append(result, fmt.Errorf("scheduler.lock_ceiling must not be shorter than scheduler.lock_timeout"))
	}

	return result.ErrorOrNil()
}

// Entity names end in a letter; a trailing digit would read as a part number.
var entityNamePattern = regexp.MustCompile(`^[a-z]([a-z0-9]*[a-z])?$`)

// SplitSizeBytes returns the configured split size in bytes
func (a ArchiveConfig) SplitSizeBytes() int64 { return int64(a.SplitSizeMB) * sizeUnit }

// BatchBufferBytes returns the batch buffer ceiling in bytes
func (a ArchiveConfig) BatchBufferBytes() int64 { return int64(a.BatchBufferMB) * sizeUnit }

// LargeFileBytes returns the single-file commit threshold in bytes
func (a ArchiveConfig) LargeFileBytes() int64 { return int64(a.LargeFileMB) * sizeUnit }

// MaxFileBytes returns the hard per-file ceiling in bytes, 0 meaning unlimited
func (a ArchiveConfig) MaxFileBytes() int64 { return int64(a.MaxFileMB) * sizeUnit }

// MinFreeDiskBytes returns the disk headroom kept free in bytes
func (a ArchiveConfig) MinFreeDiskBytes() int64 { return int64(a.MinFreeDiskMB) * sizeUnit }
