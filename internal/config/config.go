// Package config loads the querycache service configuration.
//
// Values come from, in increasing priority: built-in defaults, a YAML file,
// and QUERYCACHE_* environment variables. The result is validated before
// it is returned.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "QUERYCACHE_"

// Config is the complete service configuration.
type Config struct {
	Prefix              string                   `yaml:"prefix" validate:"required,excludesall=*?[]"`
	Redis               Redis                    `yaml:"redis"`
	DefaultTTL          time.Duration            `yaml:"default_ttl" validate:"gt=0"`
	TTLs                map[string]time.Duration `yaml:"ttls" validate:"dive,keys,required,endkeys,gte=0"`
	SlowQueryThreshold  time.Duration            `yaml:"slow_query_threshold" validate:"gt=0"`
	HealthCheckInterval time.Duration            `yaml:"health_check_interval" validate:"gte=0"`
	MemoryCapacity      int                      `yaml:"memory_capacity" validate:"gt=0"`
	AsyncWrites         bool                     `yaml:"async_writes"`
	Compression         Compression              `yaml:"compression"`
	HTTP                HTTP                     `yaml:"http"`
	Database            Database                 `yaml:"database"`
}

// Redis configures the Redis backend. An empty Addr selects the in-process
// memory backend.
type Redis struct {
	Addr        string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" validate:"gte=0,lte=15"`
	OpTimeout   time.Duration `yaml:"op_timeout" validate:"gt=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	PoolSize    int           `yaml:"pool_size" validate:"gte=0"`
}

// Compression configures entry compression.
type Compression struct {
	Codec   string `yaml:"codec" validate:"oneof=none gzip zstd"`
	MinSize int    `yaml:"min_size" validate:"gte=0"`
}

// HTTP configures the stats and admin server.
type HTTP struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Database configures the system of record. An empty DSN disables it.
type Database struct {
	Driver string `yaml:"driver" validate:"oneof=pgx sqlite"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table" validate:"required,sqlident"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Prefix: "qc",
		Redis: Redis{
			OpTimeout:   2 * time.Second,
			DialTimeout: 2 * time.Second,
		},
		DefaultTTL:          5 * time.Minute,
		TTLs:                map[string]time.Duration{},
		SlowQueryThreshold:  time.Second,
		HealthCheckInterval: 30 * time.Second,
		MemoryCapacity:      10000,
		Compression: Compression{
			Codec:   "none",
			MinSize: 1024,
		},
		HTTP: HTTP{Addr: ":8080"},
		Database: Database{
			Driver: "pgx",
			Table:  "listings",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
// Environment variables are not consulted.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var sqlIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	// Table names are interpolated into SQL.
	v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdent.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv overrides fields from QUERYCACHE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PREFIX":            &c.Prefix,
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"COMPRESSION_CODEC": &c.Compression.Codec,
		"HTTP_ADDR":         &c.HTTP.Addr,
		"DATABASE_DRIVER":   &c.Database.Driver,
		"DATABASE_DSN":      &c.Database.DSN,
		"DATABASE_TABLE":    &c.Database.Table,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":             &c.Redis.DB,
		"REDIS_POOL_SIZE":      &c.Redis.PoolSize,
		"MEMORY_CAPACITY":      &c.MemoryCapacity,
		"COMPRESSION_MIN_SIZE": &c.Compression.MinSize,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"DEFAULT_TTL":           &c.DefaultTTL,
		"SLOW_QUERY_THRESHOLD":  &c.SlowQueryThreshold,
		"HEALTH_CHECK_INTERVAL": &c.HealthCheckInterval,
		"REDIS_OP_TIMEOUT":      &c.Redis.OpTimeout,
		"REDIS_DIAL_TIMEOUT":    &c.Redis.DialTimeout,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parsing %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "ASYNC_WRITES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %sASYNC_WRITES: %w", EnvPrefix, err)
		}
		c.AsyncWrites = b
	}
	return nil
}
