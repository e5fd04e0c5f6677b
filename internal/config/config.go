package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultEnvironment     = "local"
	DefaultListenAddr      = "127.0.0.1:8000"
	DefaultCodaBaseURL     = "https://coda.io/apis/v1"
	DefaultRateLimitWindow = time.Minute
	DefaultConfigPath      = "configs/config.yaml"
)

// SourceTable is one Coda table merged into the destination. Project is
// written into the destination "Project" column; when empty the merger
// falls back to "Project <n>".
type SourceTable struct {
	DocID   string `yaml:"doc_id" json:"doc_id"`
	TableID string `yaml:"table_id" json:"table_id"`
	Project string `yaml:"project" json:"project,omitempty"`
}

type MergeTableConfig struct {
	DestinationDocID   string            `yaml:"destination_doc_id" json:"destination_doc_id"`
	DestinationTableID string            `yaml:"destination_table_id" json:"destination_table_id"`
	SourceTables       []SourceTable     `yaml:"source_tables" json:"source_tables"`
	ColumnMappings     map[string]string `yaml:"column_mappings" json:"column_mappings,omitempty"`
}

type Settings struct {
	Environment          string
	LogLevel             slog.Level
	CodaAPIToken         string
	APIKey               string
	ListenAddr           string
	CodaBaseURL          string
	RateLimitWindow      time.Duration
	DataDir              string
	RunHistoryPassphrase string
	MergeTable           MergeTableConfig

	// Files that contributed to these settings, for change watching.
	ConfigPath string
	EnvFiles   []string
}

// FileConfig mirrors configs/config.yaml. Secrets are deliberately absent:
// they only come from the environment or dotenv files.
type FileConfig struct {
	LoggingLevel    string           `yaml:"logging_level"`
	ListenAddr      string           `yaml:"listen_addr"`
	CodaBaseURL     string           `yaml:"coda_base_url"`
	RateLimitWindow time.Duration    `yaml:"rate_limit_window"`
	DataDir         string           `yaml:"data_dir"`
	MergeTable      MergeTableConfig `yaml:"merge_table"`
}

type LoadOptions struct {
	// ConfigPath is an explicit yaml file; when empty DefaultConfigPath is
	// used if it exists.
	ConfigPath string
	// EnvDir is where .env and .env.<environment> are looked up.
	EnvDir string
	// Lookup reads the process environment; os.LookupEnv when nil.
	Lookup func(string) (string, bool)
}

func Defaults() Settings {
	return Settings{
		Environment:     DefaultEnvironment,
		LogLevel:        slog.LevelInfo,
		ListenAddr:      DefaultListenAddr,
		CodaBaseURL:     DefaultCodaBaseURL,
		RateLimitWindow: DefaultRateLimitWindow,
	}
}

// Load layers defaults, the yaml file, .env, .env.<environment> and the
// process environment, later sources winning.
func Load(opts LoadOptions) (Settings, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Defaults()

	path, explicit := opts.ConfigPath, strings.TrimSpace(opts.ConfigPath) != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if data, err := os.ReadFile(path); err == nil {
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Settings{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := Merge(&cfg, parsed); err != nil {
			return Settings{}, fmt.Errorf("apply %s: %w", path, err)
		}
		cfg.ConfigPath = path
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	if v, ok := lookup("ENVIRONMENT"); ok && strings.TrimSpace(v) != "" {
		cfg.Environment = strings.TrimSpace(v)
	}
	env, files, err := loadDotenv(opts.EnvDir, cfg.Environment, lookup)
	if err != nil {
		return Settings{}, err
	}
	cfg.EnvFiles = files
	// The environment name selects the dotenv files, so those files cannot
	// change it.
	env["ENVIRONMENT"] = cfg.Environment
	if err := ApplyEnv(&cfg, env); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Merge copies non-zero file values into dst.
func Merge(dst *Settings, src FileConfig) error {
	if src.LoggingLevel != "" {
		level, err := ParseLogLevel(src.LoggingLevel)
		if err != nil {
			return err
		}
		dst.LogLevel = level
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.CodaBaseURL != "" {
		dst.CodaBaseURL = src.CodaBaseURL
	}
	if src.RateLimitWindow != 0 {
		dst.RateLimitWindow = src.RateLimitWindow
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	mergeTable(&dst.MergeTable, src.MergeTable)
	return nil
}

func mergeTable(dst *MergeTableConfig, src MergeTableConfig) {
	if src.DestinationDocID != "" {
		dst.DestinationDocID = src.DestinationDocID
	}
	if src.DestinationTableID != "" {
		dst.DestinationTableID = src.DestinationTableID
	}
	if src.SourceTables != nil {
		dst.SourceTables = src.SourceTables
	}
	if src.ColumnMappings != nil {
		dst.ColumnMappings = src.ColumnMappings
	}
}

// ApplyEnv applies variables resolved from dotenv files and the process
// environment. Names are case-sensitive.
func ApplyEnv(cfg *Settings, env map[string]string) error {
	get := func(name string) (string, bool) {
		v, ok := env[name]
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("ENVIRONMENT"); ok {
		cfg.Environment = v
	}
	if v, ok := get("LOGGING_LEVEL"); ok {
		level, err := ParseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if v, ok := get("CODA_API_TOKEN"); ok {
		cfg.CodaAPIToken = v
	}
	if v, ok := get("API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := get("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := get("CODA_BASE_URL"); ok {
		cfg.CodaBaseURL = v
	}
	if v, ok := get("RATE_LIMIT_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW: invalid duration %q", v)
		}
		cfg.RateLimitWindow = d
	}
	if v, ok := get("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := get("RUN_HISTORY_PASSPHRASE"); ok {
		cfg.RunHistoryPassphrase = v
	}
	if v, ok := get("MERGE_TABLE_CONFIG"); ok {
		// JSON is valid yaml, so the same decoder handles both spellings.
		var parsed MergeTableConfig
		if err := yaml.Unmarshal([]byte(v), &parsed); err != nil {
			return fmt.Errorf("MERGE_TABLE_CONFIG: %w", err)
		}
		mergeTable(&cfg.MergeTable, parsed)
	}
	return nil
}

// ParseLogLevel accepts level names and the numeric levels of the service's
// earlier deployments (10 debug, 20 info, 30 warning, 40+ error).
func ParseLogLevel(raw string) (slog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("LOGGING_LEVEL: unknown level %q", raw)
	}
	switch {
	case n <= 10:
		return slog.LevelDebug, nil
	case n <= 20:
		return slog.LevelInfo, nil
	case n <= 30:
		return slog.LevelWarn, nil
	default:
		return slog.LevelError, nil
	}
}

func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// Validate reports every problem at once.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Environment) == "" {
		errs = append(errs, errors.New("ENVIRONMENT is required"))
	}
	if s.IsProduction() && s.APIKey == "" {
		errs = append(errs, errors.New("API_KEY is required in production"))
	}
	if s.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	errs = append(errs, s.MergeTable.validate()...)
	return errors.Join(errs...)
}

// ValidateTableCreation checks what create-table needs. The destination
// table id is not required since that table is the one being created.
func (s Settings) ValidateTableCreation() error {
	var errs []error
	if strings.TrimSpace(s.CodaAPIToken) == "" {
		errs = append(errs, errors.New("CODA_API_TOKEN is required"))
	}
	if strings.TrimSpace(s.MergeTable.DestinationDocID) == "" {
		errs = append(errs, errors.New("merge table: destination_doc_id is required"))
	}
	errs = append(errs, s.MergeTable.validateSources()...)
	return errors.Join(errs...)
}

func (m MergeTableConfig) validate() []error {
	var errs []error
	if strings.TrimSpace(m.DestinationDocID) == "" {
		errs = append(errs, errors.New("merge table: destination_doc_id is required"))
	}
	if strings.TrimSpace(m.DestinationTableID) == "" {
		errs = append(errs, errors.New("merge table: destination_table_id is required"))
	}
	return append(errs, m.validateSources()...)
}

func (m MergeTableConfig) validateSources() []error {
	if len(m.SourceTables) == 0 {
		return []error{errors.New("merge table: at least one source table is required")}
	}
	var errs []error
	for i, src := range m.SourceTables {
		if strings.TrimSpace(src.DocID) == "" || strings.TrimSpace(src.TableID) == "" {
			errs = append(errs, fmt.Errorf("merge table: source_tables[%d] needs doc_id and table_id", i))
		}
	}
	return errs
}

// RunHistoryPath is empty when history is kept in memory only.
func (s Settings) RunHistoryPath() string {
	if strings.TrimSpace(s.DataDir) == "" {
		return ""
	}
	return filepath.Join(s.DataDir, "merge_runs.json")
}

// WatchPaths lists files whose change should reload the service.
func (s Settings) WatchPaths() []string {
	out := make([]string, 0, len(s.EnvFiles)+1)
	if s.ConfigPath != "" {
		out = append(out, s.ConfigPath)
	}
	return append(out, s.EnvFiles...)
}
