// Package config loads the pipeline configuration from environment variables.
// Every setting has an env tag; sections are plain structs so each component
// receives only the slice of configuration it needs.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config holds all pipeline configuration.
type Config struct {
	Logging    LoggingConfig
	Mapper     MapperConfig
	Processing ProcessingConfig
	Source     SourceConfig
	File       FileSourceConfig
	Database   DatabaseSourceConfig
	Mongo      MongoSourceConfig
	Metadata   MetadataSourceConfig
	Repository RepositoryConfig
	CSVRepo    CSVRepositoryConfig
	Solr       SolrConfig
	Postgres   PostgresRepositoryConfig
	RunLog     RunLogConfig
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MapperConfig points at the field specification table.
type MapperConfig struct {
	// File is the delimited field specification (required)
	File string `env:"MAPPER_FILE" required:"true"`

	// Separator is the column separator of File (default: comma)
	Separator string `env:"MAPPER_SEPARATOR" default:","`

	// Datasets restricts the table to rows tagged with one of these names
	Datasets []string `env:"MAPPER_DATASETS"`

	// Timezones is a JSON object of source field name → IANA zone
	Timezones string `env:"MAPPER_TIMEZONES"`
}

// ProcessingConfig controls the orchestration loop.
type ProcessingConfig struct {
	WaitForData  bool          `env:"PROCESSING_WAIT_FOR_DATA" default:"true"`
	PollInterval time.Duration `env:"PROCESSING_POLL_INTERVAL" default:"10s"`

	// Trigger is one of poll, schedule, watch
	Trigger  string        `env:"PROCESSING_TRIGGER" default:"poll"`
	Schedule string        `env:"PROCESSING_SCHEDULE"`
	Debounce time.Duration `env:"PROCESSING_WATCH_DEBOUNCE" default:"500ms"`

	// Transforms is a JSON list of declarative post-map transforms
	Transforms string `env:"PROCESSING_TRANSFORMS"`

	// HeaderTidier renames source columns before mapping: lowercase, uppercase
	HeaderTidier string `env:"PROCESSING_HEADER_TIDIER"`
}

// SourceConfig selects the source adapter.
type SourceConfig struct {
	Type string `env:"SOURCE_TYPE" required:"true"`
}

// FileSourceConfig configures the flat-file sources.
type FileSourceConfig struct {
	SourceLocation  string        `env:"FILE_SOURCE_LOCATION"`
	ArchiveLocation string        `env:"FILE_ARCHIVE_LOCATION"`
	FailLocation    string        `env:"FILE_FAIL_LOCATION"`
	Pattern         string        `env:"FILE_PATTERN"`
	MinAge          time.Duration `env:"FILE_MIN_AGE" default:"60s"`
	Separator       string        `env:"CSV_SEPARATOR" default:","`
}

// DatabaseSourceConfig configures the SQL table source.
type DatabaseSourceConfig struct {
	Host     string `env:"DB_HOST" default:"localhost"`
	Port     int    `env:"DB_PORT"`
	Name     string `env:"DB_NAME"`
	Username string `env:"DB_USERNAME"`
	Password string `env:"DB_PASSWORD"`
	SSLMode  string `env:"DB_SSL_MODE" default:"disable"`

	// Path is the sqlite database file
	Path string `env:"DB_PATH"`

	TablePattern    string   `env:"DB_TABLE_PATTERN" default:".*"`
	Columns         []string `env:"DB_TABLE_COLUMNS"`
	WatermarkColumn string   `env:"DB_WATERMARK_COLUMN"`
	WatermarkStore  string   `env:"DB_WATERMARK_STORE" default:"watermarks.json"`
	ResetWatermark  bool     `env:"DB_RESET_WATERMARK" default:"false"`
	FetchSize       int      `env:"DB_FETCH_SIZE" default:"500"`
	UppercaseColumn bool     `env:"DB_UPPERCASE_COLUMNS" default:"true"`
}

// MongoSourceConfig configures the Mongo collection source.
type MongoSourceConfig struct {
	URI        string `env:"MONGO_URI" default:"mongodb://localhost:27017"`
	Database   string `env:"MONGO_DATABASE"`
	Collection string `env:"MONGO_COLLECTION"`
	Username   string `env:"MONGO_USERNAME"`
	Password   string `env:"MONGO_PASSWORD"`

	// Query is a filter document in Extended JSON
	Query      string `env:"MONGO_QUERY" default:"{}"`
	Projection string `env:"MONGO_PROJECTION"`
	Sort       string `env:"MONGO_SORT"`

	// Pipeline is an aggregation pipeline (a JSON array); when set it
	// replaces the filtered find.
	Pipeline string `env:"MONGO_PIPELINE"`
}

// MetadataSourceConfig configures metadata-described sources.
type MetadataSourceConfig struct {
	Location    string `env:"METADATA_LOCATION"`
	FilePattern string `env:"METADATA_FILE_PATTERN" default:"*.json"`

	ZKServers  []string      `env:"ZK_SERVERS"`
	ZKBaseNode string        `env:"ZK_BASE_NODE" default:"/tabflow"`
	ZKUsername string        `env:"ZK_USERNAME"`
	ZKPassword string        `env:"ZK_PASSWORD"`
	ZKTimeout  time.Duration `env:"ZK_SESSION_TIMEOUT" default:"10s"`
}

// RepositoryConfig selects the repository adapter.
type RepositoryConfig struct {
	Type string `env:"REPOSITORY_TYPE" required:"true"`
}

// CSVRepositoryConfig configures the flat-file repository.
type CSVRepositoryConfig struct {
	Path         string `env:"CSV_REPO_PATH"`
	Separator    string `env:"CSV_REPO_SEPARATOR" default:","`
	DecimalPoint string `env:"CSV_REPO_DECIMAL_POINT" default:"."`
	Append       bool   `env:"CSV_REPO_APPEND" default:"true"`
}

// SolrConfig configures the search index repository.
type SolrConfig struct {
	URL              string        `env:"SOLR_URL" default:"http://localhost:8983/solr"`
	Collection       string        `env:"SOLR_COLLECTION"`
	Username         string        `env:"SOLR_USERNAME"`
	Password         string        `env:"SOLR_PASSWORD"`
	SSLVerify        bool          `env:"SOLR_SSL_VERIFY" default:"true"`
	Timeout          time.Duration `env:"SOLR_TIMEOUT" default:"30s"`
	ChunkSize        int           `env:"SOLR_CHUNK_SIZE" default:"500"`
	BuildSchema      bool          `env:"SOLR_BUILD_SCHEMA" default:"true"`
	StrictSchema     bool          `env:"SOLR_STRICT_SCHEMA" default:"false"`
	RemoveZeroValues bool          `env:"SOLR_REMOVE_ZERO_VALUES" default:"false"`

	// TypeFile is a CSV of extra field type definitions
	TypeFile string `env:"SOLR_TYPE_FILE"`

	// ExtraFields is a JSON object of field name → type added to the schema
	ExtraFields string `env:"SOLR_EXTRA_FIELDS"`
}

// PostgresRepositoryConfig configures the Postgres table repository.
type PostgresRepositoryConfig struct {
	URL          string `env:"PG_REPO_URL" envAlt:"DATABASE_URL"`
	Table        string `env:"PG_REPO_TABLE"`
	BuildSchema  bool   `env:"PG_REPO_BUILD_SCHEMA" default:"true"`
	StrictSchema bool   `env:"PG_REPO_STRICT_SCHEMA" default:"false"`
	ChunkSize    int    `env:"PG_REPO_CHUNK_SIZE" default:"1000"`
	ExtraFields  string `env:"PG_REPO_EXTRA_FIELDS"`
}

// RunLogConfig points at the optional run history database.
type RunLogConfig struct {
	Path string `env:"RUN_LOG_DB"`
}

// TimezoneTable decodes MAPPER_TIMEZONES.
func (c MapperConfig) TimezoneTable() (map[string]string, error) {
	return decodeStringMap("MAPPER_TIMEZONES", c.Timezones)
}

// ExtraFieldTable decodes SOLR_EXTRA_FIELDS.
func (c SolrConfig) ExtraFieldTable() (map[string]string, error) {
	return decodeStringMap("SOLR_EXTRA_FIELDS", c.ExtraFields)
}

// ExtraFieldTable decodes PG_REPO_EXTRA_FIELDS.
func (c PostgresRepositoryConfig) ExtraFieldTable() (map[string]string, error) {
	return decodeStringMap("PG_REPO_EXTRA_FIELDS", c.ExtraFields)
}

func decodeStringMap(name, raw string) (map[string]string, error) {
	m := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object of strings: %w", name, err)
	}
	return m, nil
}

// String returns a safe string representation of the config for logging.
// Passwords and connection URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Source: %q, Repository: %q, ", c.Source.Type, c.Repository.Type))
	b.WriteString(fmt.Sprintf("Mapper: {File: %q, Datasets: %v}, ", c.Mapper.File, c.Mapper.Datasets))
	b.WriteString(fmt.Sprintf("Processing: {WaitForData: %v, PollInterval: %s, Trigger: %q}, ",
		c.Processing.WaitForData, c.Processing.PollInterval, c.Processing.Trigger))
	b.WriteString(fmt.Sprintf("Database: {Host: %q, Name: %q, Password: [MASKED]}, ", c.Database.Host, c.Database.Name))
	b.WriteString("Postgres: {URL: [MASKED]}, ")
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
