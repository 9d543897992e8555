package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvDatabaseDSN = "PANELQUERY_DATABASE_DSN"
	EnvIndexPath   = "PANELQUERY_INDEX_PATH"
)

// AppConfig captures configuration for the server, the relational store, the
// search indexes and the resources exposed over them.
type AppConfig struct {
	Server        ServerConfig        `toml:"server" yaml:"server"`
	Database      DatabaseConfig      `toml:"database" yaml:"database"`
	Paths         PathsConfig         `toml:"paths" yaml:"paths"`
	IndexDefaults IndexDefaultsConfig `toml:"index_defaults" yaml:"index_defaults"`
	Pagination    PaginationConfig    `toml:"pagination" yaml:"pagination"`
	Search        SearchConfig        `toml:"search" yaml:"search"`
	Logging       LoggingConfig       `toml:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `toml:"metrics" yaml:"metrics"`
	Resources     []ResourceConfig    `toml:"resources" yaml:"resources"`
}

// ServerConfig controls network settings.
type ServerConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Dialect string `toml:"dialect" yaml:"dialect"`
	DSN     string `toml:"dsn" yaml:"dsn"`
}

// PathsConfig configures the on-disk layout.
type PathsConfig struct {
	IndexDir string `toml:"index_dir" yaml:"index_dir"`
}

// IndexDefaultsConfig provides baseline settings used when indexes are created.
type IndexDefaultsConfig struct {
	Tokenizer      string     `toml:"tokenizer" yaml:"tokenizer"`
	BM25           BM25Config `toml:"bm25" yaml:"bm25"`
	MergeThreshold int        `toml:"merge_threshold" yaml:"merge_threshold"`
	FlushMaxDocs   int        `toml:"flush_max_documents" yaml:"flush_max_documents"`
	FlushMaxPosts  int        `toml:"flush_max_postings" yaml:"flush_max_postings"`
}

// BM25Config mirrors the scoring parameters exposed by the index package.
type BM25Config struct {
	K1 float64 `toml:"k1" yaml:"k1"`
	B  float64 `toml:"b" yaml:"b"`
}

// PaginationConfig bounds list page sizes.
type PaginationConfig struct {
	PerPage    int `toml:"per_page" yaml:"per_page"`
	MaxPerPage int `toml:"max_per_page" yaml:"max_per_page"`
}

// SearchConfig tunes relational search predicates.
type SearchConfig struct {
	// MaxPrimaryKey is the largest numeric term compared to an integer
	// primary key on postgres. Zero disables the bound.
	MaxPrimaryKey int64 `toml:"max_primary_key" yaml:"max_primary_key"`
}

// LoggingConfig selects the log handler and toggles request logs.
type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Format      string `toml:"format" yaml:"format"`
	RequestLogs *bool  `toml:"request_logs" yaml:"request_logs"`
}

// MetricsConfig enables counters/telemetry endpoints.
type MetricsConfig struct {
	Enabled *bool `toml:"enabled" yaml:"enabled"`
}

// ResourceConfig declares one listable resource.
type ResourceConfig struct {
	Name       string `toml:"name" yaml:"name"`
	Table      string `toml:"table" yaml:"table"`
	Key        string `toml:"key" yaml:"key"`
	KeyType    string `toml:"key_type" yaml:"key_type"`
	SoftDelete string `toml:"soft_delete" yaml:"soft_delete"`
	// Search lists columns as "col", "meta->a->b" or "relation.col".
	Search       []string             `toml:"search" yaml:"search"`
	SearchKey    bool                 `toml:"search_key" yaml:"search_key"`
	FullText     []string             `toml:"full_text" yaml:"full_text"`
	MorphSearch  []MorphSearchConfig  `toml:"morph_search" yaml:"morph_search"`
	DefaultOrder string               `toml:"default_order" yaml:"default_order"`
	Where        map[string]any       `toml:"where" yaml:"where"`
	With         []string             `toml:"with" yaml:"with"`
	Relations    []RelationConfig     `toml:"relations" yaml:"relations"`
	Filters      []FilterConfig       `toml:"filters" yaml:"filters"`
	Index        *ResourceIndexConfig `toml:"index" yaml:"index"`
}

// MorphSearchConfig searches a column on the targets of a polymorphic
// relation. An empty type list searches every target.
type MorphSearchConfig struct {
	Relation string   `toml:"relation" yaml:"relation"`
	Column   string   `toml:"column" yaml:"column"`
	Types    []string `toml:"types" yaml:"types"`
}

// RelationConfig declares a relation to another configured resource.
type RelationConfig struct {
	Name            string            `toml:"name" yaml:"name"`
	Kind            string            `toml:"kind" yaml:"kind"`
	Resource        string            `toml:"resource" yaml:"resource"`
	ForeignKey      string            `toml:"foreign_key" yaml:"foreign_key"`
	OwnerKey        string            `toml:"owner_key" yaml:"owner_key"`
	Pivot           string            `toml:"pivot" yaml:"pivot"`
	PivotParentKey  string            `toml:"pivot_parent_key" yaml:"pivot_parent_key"`
	PivotRelatedKey string            `toml:"pivot_related_key" yaml:"pivot_related_key"`
	MorphType       string            `toml:"morph_type" yaml:"morph_type"`
	MorphID         string            `toml:"morph_id" yaml:"morph_id"`
	MorphTypes      map[string]string `toml:"morph_types" yaml:"morph_types"`
}

// FilterConfig declares a column filter.
type FilterConfig struct {
	Name   string `toml:"name" yaml:"name"`
	Column string `toml:"column" yaml:"column"`
	Kind   string `toml:"kind" yaml:"kind"`
}

// ResourceIndexConfig backs a resource's free-text search with an index.
type ResourceIndexConfig struct {
	Name      string                      `toml:"name" yaml:"name"`
	Tokenizer string                      `toml:"tokenizer" yaml:"tokenizer"`
	Fields    map[string]IndexFieldConfig `toml:"fields" yaml:"fields"`
}

// IndexFieldConfig describes one indexed column.
type IndexFieldConfig struct {
	Type       string  `toml:"type" yaml:"type"`
	Weight     float64 `toml:"weight" yaml:"weight"`
	FilterOnly bool    `toml:"filter_only" yaml:"filter_only"`
}

// DefaultConfig returns the baseline configuration used when no file is supplied.
func DefaultConfig() AppConfig {
	return AppConfig{
		Server:   ServerConfig{Listen: ":8080"},
		Database: DatabaseConfig{Dialect: "sqlite", DSN: "data/panel.db"},
		Paths:    PathsConfig{IndexDir: "data/indexes"},
		IndexDefaults: IndexDefaultsConfig{
			Tokenizer:      "standard",
			BM25:           BM25Config{K1: 1.2, B: 0.75},
			MergeThreshold: 4,
			FlushMaxDocs:   512,
			FlushMaxPosts:  50000,
		},
		Pagination: PaginationConfig{PerPage: 25, MaxPerPage: 100},
		Search:     SearchConfig{MaxPrimaryKey: 2147483647},
		Logging:    LoggingConfig{Level: "info", Format: "json", RequestLogs: boolPtr(true)},
		Metrics:    MetricsConfig{Enabled: boolPtr(true)},
	}
}

// Load reads the provided config path, merging it onto the defaults, then
// applies environment overrides.
func Load(path string) (AppConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}

		ext := strings.ToLower(filepath.Ext(path))
		var fileCfg AppConfig
		switch ext {
		case ".toml":
			if err := toml.Unmarshal(content, &fileCfg); err != nil {
				return AppConfig{}, fmt.Errorf("parse toml: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(content, &fileCfg); err != nil {
				return AppConfig{}, fmt.Errorf("parse yaml: %w", err)
			}
		default:
			return AppConfig{}, errors.New("config file must be .toml, .yaml, or .yml")
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if dir := os.Getenv(EnvIndexPath); dir != "" {
		cfg.Paths.IndexDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func mergeConfig(base, override AppConfig) AppConfig {
	if override.Server.Listen != "" {
		base.Server.Listen = override.Server.Listen
	}
	if override.Database.Dialect != "" {
		base.Database.Dialect = override.Database.Dialect
	}
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}
	if override.Paths.IndexDir != "" {
		base.Paths.IndexDir = override.Paths.IndexDir
	}

	if override.IndexDefaults.Tokenizer != "" {
		base.IndexDefaults.Tokenizer = override.IndexDefaults.Tokenizer
	}
	if override.IndexDefaults.BM25.K1 != 0 {
		base.IndexDefaults.BM25.K1 = override.IndexDefaults.BM25.K1
	}
	if override.IndexDefaults.BM25.B != 0 {
		base.IndexDefaults.BM25.B = override.IndexDefaults.BM25.B
	}
	if override.IndexDefaults.MergeThreshold != 0 {
		base.IndexDefaults.MergeThreshold = override.IndexDefaults.MergeThreshold
	}
	if override.IndexDefaults.FlushMaxDocs != 0 {
		base.IndexDefaults.FlushMaxDocs = override.IndexDefaults.FlushMaxDocs
	}
	if override.IndexDefaults.FlushMaxPosts != 0 {
		base.IndexDefaults.FlushMaxPosts = override.IndexDefaults.FlushMaxPosts
	}

	if override.Pagination.PerPage != 0 {
		base.Pagination.PerPage = override.Pagination.PerPage
	}
	if override.Pagination.MaxPerPage != 0 {
		base.Pagination.MaxPerPage = override.Pagination.MaxPerPage
	}
	if override.Search.MaxPrimaryKey != 0 {
		base.Search.MaxPrimaryKey = override.Search.MaxPrimaryKey
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}
	if override.Logging.RequestLogs != nil {
		base.Logging.RequestLogs = override.Logging.RequestLogs
	}

	if override.Metrics.Enabled != nil {
		base.Metrics.Enabled = override.Metrics.Enabled
	}

	if len(override.Resources) > 0 {
		base.Resources = override.Resources
	}
	return base
}

// Validate checks the settings that cannot be defaulted.
func (cfg AppConfig) Validate() error {
	if cfg.Pagination.PerPage <= 0 || cfg.Pagination.MaxPerPage < cfg.Pagination.PerPage {
		return fmt.Errorf("pagination: per_page %d must be positive and at most max_per_page %d", cfg.Pagination.PerPage, cfg.Pagination.MaxPerPage)
	}

	seen := make(map[string]struct{}, len(cfg.Resources))
	for i, res := range cfg.Resources {
		if strings.TrimSpace(res.Name) == "" {
			return fmt.Errorf("resources[%d]: name is required", i)
		}
		if _, dup := seen[res.Name]; dup {
			return fmt.Errorf("resources[%d]: duplicate resource %q", i, res.Name)
		}
		seen[res.Name] = struct{}{}
		if strings.TrimSpace(res.Table) == "" {
			return fmt.Errorf("resource %q: table is required", res.Name)
		}
	}
	return nil
}

// RequestLogsEnabled reports whether per-request logs are written.
func (cfg AppConfig) RequestLogsEnabled() bool {
	return cfg.Logging.RequestLogs == nil || *cfg.Logging.RequestLogs
}

// MetricsEnabled reports whether the metrics endpoint is served.
func (cfg AppConfig) MetricsEnabled() bool {
	return cfg.Metrics.Enabled == nil || *cfg.Metrics.Enabled
}

// ToBM25 converts the config BM25 representation into the value expected by the index package.
func (cfg AppConfig) ToBM25() (float64, float64) {
	return cfg.IndexDefaults.BM25.K1, cfg.IndexDefaults.BM25.B
}

func boolPtr(v bool) *bool {
	return &v
}
