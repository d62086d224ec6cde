// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then TAPLEDGER_* environment overrides, then
// validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "tapledger"

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	DirectoryCards   = "cards"
	DirectoryHRMySQL = "hr_mysql"
)

type Config struct {
	HTTPAddr string `yaml:"httpAddr" split_words:"true" validate:"required"`
	GRPCAddr string `yaml:"grpcAddr" split_words:"true"`

	StoreBackend     string `yaml:"storeBackend"     split_words:"true" validate:"oneof=sqlite postgres"`
	SQLitePath       string `yaml:"sqlitePath"       envconfig:"SQLITE_PATH" validate:"required_if=StoreBackend sqlite"`
	PostgresDSN      string `yaml:"postgresDsn"      envconfig:"POSTGRES_DSN" validate:"required_if=StoreBackend postgres"`
	PostgresMaxConns int32  `yaml:"postgresMaxConns" envconfig:"POSTGRES_MAX_CONNS" validate:"gte=0"`

	// DirectoryBackend selects the RFID to employee mapping: the card table
	// of the ledger store, or the HR employees table over MySQL.
	DirectoryBackend string `yaml:"directoryBackend" split_words:"true" validate:"oneof=cards hr_mysql"`
	MySQLDSN         string `yaml:"mysqlDsn"         envconfig:"MYSQL_DSN" validate:"required_if=DirectoryBackend hr_mysql"`

	PollInterval time.Duration `yaml:"pollInterval"      split_words:"true" validate:"gt=0"`
	// CycleTimeout bounds every cycle, polled or triggered. The sqlite lease
	// is not renewed, so it must expire after the cycle does.
	CycleTimeout      time.Duration `yaml:"cycleTimeout"      split_words:"true" validate:"gt=0,ltfield=LockTTL"`
	BatchLimit        int           `yaml:"batchLimit"        split_words:"true" validate:"min=1,max=10000"`
	ValidateHashChain bool          `yaml:"validateHashChain" split_words:"true"`
	GapPolicy         string        `yaml:"gapPolicy"         split_words:"true" validate:"oneof=informational strict"`
	DuplicatePolicy   string        `yaml:"duplicatePolicy"   split_words:"true" validate:"oneof=mark_processed retain_for_audit"`
	Timezone          string        `yaml:"timezone"          validate:"required"`

	StaleAfter     time.Duration `yaml:"staleAfter"     split_words:"true" validate:"gt=0"`
	HealthInterval time.Duration `yaml:"healthInterval" split_words:"true" validate:"gt=0"`

	LockName string        `yaml:"lockName" split_words:"true" validate:"required"`
	LockTTL  time.Duration `yaml:"lockTtl"  envconfig:"LOCK_TTL" validate:"gt=0"`
	// Holder identifies this replica to the cycle lock; empty means
	// hostname and pid.
	Holder string `yaml:"holder"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true" validate:"gt=0"`
	Debug           bool          `yaml:"debug"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		StoreBackend:      StoreSQLite,
		SQLitePath:        "./data/tapledger.db",
		PostgresMaxConns:  4,
		DirectoryBackend:  DirectoryCards,
		PollInterval:      30 * time.Second,
		CycleTimeout:      2 * time.Minute,
		BatchLimit:        1000,
		ValidateHashChain: true,
		GapPolicy:         "informational",
		DuplicatePolicy:   "mark_processed",
		Timezone:          "UTC",
		StaleAfter:        time.Hour,
		HealthInterval:    15 * time.Second,
		LockName:          "ingest_cycle",
		LockTTL:           5 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Load builds the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the zone attendance dates are expressed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LockHolder returns Holder or a hostname/pid derived identity.
func (c *Config) LockHolder() string {
	if c.Holder != "" {
		return c.Holder
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tapledger"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
