// Package config loads the schemahub daemon configuration from a YAML file
// and SCHEMAHUB_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"schemahub/internal/auth"
	"schemahub/pkg/domain"
)

// Storage drivers for the state store.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Blob drivers for committed file contents.
const (
	BlobMemory     = "memory"
	BlobFilesystem = "fs"
	BlobS3         = "s3"
)

// Config is the full daemon configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Blob     BlobConfig     `yaml:"blob"`
	Auth     AuthConfig     `yaml:"auth"`
	Rules    RulesConfig    `yaml:"rules"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type DatabaseConfig struct {
	Name string `yaml:"name"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlitePath"`
	PostgresDSN string `yaml:"postgresDSN"`
}

type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fsRoot"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

// AuthConfig configures signing and the access policy. DefaultAccess entries
// override the built-in level of the named authority.
type AuthConfig struct {
	SigningKey    string                               `yaml:"signingKey"`
	Issuer        string                               `yaml:"issuer"`
	DefaultAccess map[auth.Authority]domain.AccessType `yaml:"defaultAccess"`
	Rules         []AccessRule                         `yaml:"rules"`
}

// AccessRule mirrors auth.Rule.
type AccessRule struct {
	Path    string            `yaml:"path"`
	Subject string            `yaml:"subject"`
	Access  domain.AccessType `yaml:"access"`
}

type RulesConfig struct {
	Expressions []ExprRule `yaml:"expressions"`
}

// ExprRule is a boolean expression evaluated against every changed table or
// type when an edit session ends.
type ExprRule struct {
	Name       string `yaml:"name"`
	Entity     string `yaml:"entity"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
	Severity   string `yaml:"severity"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Name: "schemahub"},
		Storage:  StorageConfig{Driver: StorageMemory},
		Blob:     BlobConfig{Driver: BlobMemory},
		Log:      LogConfig{Level: "INFO", Format: "json"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"SCHEMAHUB_DATABASE_NAME":    &c.Database.Name,
		"SCHEMAHUB_STORAGE_DRIVER":   &c.Storage.Driver,
		"SCHEMAHUB_SQLITE_PATH":      &c.Storage.SQLitePath,
		"SCHEMAHUB_POSTGRES_DSN":     &c.Storage.PostgresDSN,
		"SCHEMAHUB_BLOB_DRIVER":      &c.Blob.Driver,
		"SCHEMAHUB_BLOB_FS_ROOT":     &c.Blob.FSRoot,
		"SCHEMAHUB_BLOB_S3_BUCKET":   &c.Blob.S3.Bucket,
		"SCHEMAHUB_BLOB_S3_REGION":   &c.Blob.S3.Region,
		"SCHEMAHUB_BLOB_S3_ENDPOINT": &c.Blob.S3.Endpoint,
		"SCHEMAHUB_BLOB_S3_PREFIX":   &c.Blob.S3.Prefix,
		"SCHEMAHUB_SIGNING_KEY":      &c.Auth.SigningKey,
		"SCHEMAHUB_LOG_LEVEL":        &c.Log.Level,
		"SCHEMAHUB_LOG_FORMAT":       &c.Log.Format,
		"SCHEMAHUB_METRICS_ADDR":     &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := os.LookupEnv("SCHEMAHUB_BLOB_S3_PATH_STYLE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SCHEMAHUB_BLOB_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.UsePathStyle = b
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Name) == "" {
		errs = append(errs, errors.New("database.name is required"))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlitePath is required for the sqlite driver"))
		}
	case StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case BlobMemory:
	case BlobFilesystem:
		if c.Blob.FSRoot == "" {
			errs = append(errs, errors.New("blob.fsRoot is required for the fs driver"))
		}
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	for i, r := range c.Auth.Rules {
		if r.Path == "" || r.Subject == "" {
			errs = append(errs, fmt.Errorf("auth.rules[%d]: path and subject are required", i))
		}
	}
	for i, r := range c.Rules.Expressions {
		if r.Name == "" || r.Expression == "" {
			errs = append(errs, fmt.Errorf("rules.expressions[%d]: name and expression are required", i))
		}
		switch domain.EntityKind(r.Entity) {
		case domain.EntityTable, domain.EntityType:
		default:
			errs = append(errs, fmt.Errorf("rules.expressions[%d]: unsupported entity %q", i, r.Entity))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	var clone Config
	_ = deepcopy.Copy(&clone, &c)
	return clone
}
