package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables.
// If envFile is set it is loaded first and overrides the process environment;
// otherwise a .env file in the working directory is loaded when present.
// Returns an error if required values are missing or validation fails.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Overload(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// parseBool accepts the y/n spellings used by field specification files too.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return b, nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(c.Mapper.Separator) != 1 {
		errs = append(errs, "MAPPER_SEPARATOR must be a single character")
	}
	if _, err := c.Mapper.TimezoneTable(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Processing.PollInterval <= 0 {
		errs = append(errs, "PROCESSING_POLL_INTERVAL must be positive")
	}
	switch c.Processing.Trigger {
	case "poll", "watch":
	case "schedule":
		if c.Processing.Schedule == "" {
			errs = append(errs, "PROCESSING_SCHEDULE is required when PROCESSING_TRIGGER is schedule")
		}
	default:
		errs = append(errs, fmt.Sprintf("PROCESSING_TRIGGER (%q) must be one of: poll, schedule, watch", c.Processing.Trigger))
	}
	switch c.Processing.HeaderTidier {
	case "", "lowercase", "uppercase":
	default:
		errs = append(errs, fmt.Sprintf("PROCESSING_HEADER_TIDIER (%q) must be one of: lowercase, uppercase", c.Processing.HeaderTidier))
	}

	if len(c.File.Separator) != 1 {
		errs = append(errs, "CSV_SEPARATOR must be a single character")
	}
	if c.File.MinAge < 0 {
		errs = append(errs, "FILE_MIN_AGE must be non-negative")
	}
	if c.Database.FetchSize <= 0 {
		errs = append(errs, "DB_FETCH_SIZE must be positive")
	}

	if len(c.CSVRepo.Separator) != 1 {
		errs = append(errs, "CSV_REPO_SEPARATOR must be a single character")
	}
	if c.Solr.ChunkSize <= 0 {
		errs = append(errs, "SOLR_CHUNK_SIZE must be positive")
	}
	if _, err := c.Solr.ExtraFieldTable(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Postgres.ChunkSize <= 0 {
		errs = append(errs, "PG_REPO_CHUNK_SIZE must be positive")
	}
	if _, err := c.Postgres.ExtraFieldTable(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
