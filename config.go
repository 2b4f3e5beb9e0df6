// Package dbengine is the embeddable storage engine's façade: the
// private-instance configuration and the Engine API surface
// (metric_get_or_create, store_metric_*, load_metric_*,
// metric_retention_by_uuid, tier_disk_space_used of spec.md §6.4) wiring
// together the metric registry (C3), page cache (C2), datafile/journal
// (C5/C6), query planner/executor (C7-C10) and event loop (C11/C12)
// packages into one running store.
//
// Grounded on tinySQL's db.go, which plays the same role: a single
// façade type a caller opens once, configures via a struct, and drives
// through a small set of top-level methods.
package dbengine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chronolith/dbengine/internal/pagedata"
)

// Config is the engine's private-instance configuration (spec.md §9
// "Global state... explicit init, no package-level globals"). Tagged for
// gopkg.in/yaml.v3, matching the teacher's configuration style.
type Config struct {
	// DBFilesPath is the directory datafiles and journals are created
	// under.
	DBFilesPath string `yaml:"dbfiles_path"`

	// Tier is this engine instance's retention tier number, used as the
	// metric registry's section and as the datafile's superblock tier.
	Tier uint8 `yaml:"tier"`

	// PageType selects the point representation collectors write:
	// "array32" (raw tier), "tier1" (downsampled aggregates), or
	// "gorilla32" (spec.md §6.3).
	PageType string `yaml:"page_type"`

	// MaxDatafileBytes bounds a single datafile before rotation
	// (spec.md §4.2 step 6).
	MaxDatafileBytes int64 `yaml:"max_datafile_bytes"`

	// MaxDiskSpaceBytes bounds the tier's total on-disk footprint across
	// all datafiles; when exceeded, the oldest datafile pair is deleted
	// and retention recalculated (spec.md §4.8).
	MaxDiskSpaceBytes int64 `yaml:"max_disk_space"`

	// MaxRetentionS, when > 0, deletes the oldest datafile pair once all
	// of its data is older than now minus this many seconds.
	MaxRetentionS int64 `yaml:"max_retention_s"`

	// DiskPercentage is accepted for parity with the recognized option set
	// (spec.md §6.4); the embedding daemon, which knows the filesystem the
	// tier lives on, resolves it into MaxDiskSpaceBytes before calling New.
	// The engine itself only consumes MaxDiskSpaceBytes.
	DiskPercentage int `yaml:"disk_percentage"`

	// PageCacheTargetBytes bounds CLEAN bytes retained in the page cache
	// before background eviction runs (spec.md §4.1).
	PageCacheTargetBytes int64 `yaml:"page_cache_target_bytes"`

	// ExtentCacheMaxBytes bounds the raw, still-compressed extent cache
	// (spec.md §4.5 step 1).
	ExtentCacheMaxBytes int64 `yaml:"extent_cache_max_bytes"`

	// WorkerPoolSize and MaxFlushers size the event loop's worker pool
	// and its flush-main single-flight cap (spec.md §4.7).
	WorkerPoolSize int `yaml:"worker_pool_size"`
	MaxFlushers    int `yaml:"max_flushers"`

	// RotateCronSpec and JournalIndexCronSpec are six-field
	// (robfig/cron/v3 WithSeconds) cron expressions for the two
	// background sweeps (spec.md §4.7).
	RotateCronSpec       string `yaml:"rotate_cron_spec"`
	JournalIndexCronSpec string `yaml:"journal_index_cron_spec"`

	// DefaultReducer names the registered query.Reducer tag used when a
	// query doesn't specify one (spec.md §4.6, §9).
	DefaultReducer string `yaml:"default_reducer"`
}

// DefaultConfig returns the engine's baked-in defaults; LoadConfig starts
// from these and overlays whatever the YAML file sets.
func DefaultConfig() Config {
	return Config{
		Tier:                 0,
		PageType:             "array32",
		MaxDatafileBytes:     512 << 20,
		PageCacheTargetBytes: 64 << 20,
		ExtentCacheMaxBytes:  16 << 20,
		WorkerPoolSize:       4,
		MaxFlushers:          1,
		RotateCronSpec:       "0 */10 * * * *",
		JournalIndexCronSpec: "0 */1 * * * *",
		DefaultReducer:       "average",
	}
}

// resolvePageType maps the configured page_type tag to its codec constant.
func (c Config) resolvePageType() (pagedata.PageType, error) {
	switch c.PageType {
	case "", "array32":
		return pagedata.PageTypeArray32, nil
	case "tier1":
		return pagedata.PageTypeArrayTier1, nil
	case "gorilla32":
		return pagedata.PageTypeGorilla32, nil
	default:
		return 0, fmt.Errorf("dbengine: unknown page_type %q", c.PageType)
	}
}

// LoadConfig reads and parses a YAML configuration file, starting from
// DefaultConfig so an incomplete file still yields a usable Config.
func LoadConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("dbengine: read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("dbengine: parse config %s: %w", path, err)
	}
	return cfg, nil
}
