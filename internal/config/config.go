// Package config loads librastock settings from defaults, an optional YAML file and
// LIBRASTOCK_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"librastock/internal/domain"
	"librastock/internal/lending"
	"librastock/internal/logging"
)

const (
	envPrefix      = "LIBRASTOCK"
	configFileName = "librastock"
	configFileType = "yaml"
)

// Drivers accepted in database.driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Database  Database  `mapstructure:"database"`
	HTTP      HTTP      `mapstructure:"http"`
	Engine    Engine    `mapstructure:"engine"`
	Audit     Audit     `mapstructure:"audit"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Admin     Admin     `mapstructure:"admin"`
	Log       Log       `mapstructure:"log"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
	// RegistrationsPerSecond throttles student registration. Zero disables the limit.
	RegistrationsPerSecond float64 `mapstructure:"registrations_per_second"`
}

type Engine struct {
	MaxLoans         int           `mapstructure:"max_loans"`
	PhysicalLoanDays int           `mapstructure:"physical_loan_days"`
	DigitalLoanDays  int           `mapstructure:"digital_loan_days"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
}

type Audit struct {
	// Interval between background repairs. Zero disables the scheduler.
	Interval         time.Duration `mapstructure:"interval"`
	RepairsPerSecond float64       `mapstructure:"repairs_per_second"`
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Admin holds the Argon2id hash and salt of the operator bearer token.
type Admin struct {
	TokenHash string `mapstructure:"token_hash"`
	TokenSalt string `mapstructure:"token_salt"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	policy := lending.DefaultPolicy()
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.registrations_per_second", 10.0)
	v.SetDefault("engine.max_loans", policy.MaxLoans)
	v.SetDefault("engine.physical_loan_days", policy.PhysicalDays)
	v.SetDefault("engine.digital_loan_days", policy.DigitalDays)
	v.SetDefault("engine.lock_timeout", 2*time.Second)
	v.SetDefault("audit.interval", 15*time.Minute)
	v.SetDefault("audit.repairs_per_second", 50.0)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("admin.token_hash", "")
	v.SetDefault("admin.token_salt", "")
	v.SetDefault("log.level", "info")
}

// Load reads the configuration. With an empty path it looks for librastock.yaml in
// the working directory and carries on without it; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Policy returns the lending limits.
func (c *Config) Policy() lending.Policy {
	return lending.Policy{
		MaxLoans:     c.Engine.MaxLoans,
		PhysicalDays: c.Engine.PhysicalLoanDays,
		DigitalDays:  c.Engine.DigitalLoanDays,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var p domain.Problems
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverPgx, DriverSQLite:
		if c.Database.DSN == "" {
			p.Addf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		p.Addf("database.driver must be one of memory, postgres, pgx, sqlite")
	}
	if c.HTTP.Addr == "" {
		p.Addf("http.addr is required")
	}
	if c.HTTP.RegistrationsPerSecond < 0 {
		p.Addf("http.registrations_per_second cannot be negative")
	}
	var verr *domain.ValidationError
	if err := c.Policy().Validate(); errors.As(err, &verr) {
		for _, msg := range verr.Problems {
			p.Addf("engine: %s", msg)
		}
	}
	if c.Engine.LockTimeout <= 0 {
		p.Addf("engine.lock_timeout must be positive")
	}
	if c.Audit.Interval < 0 {
		p.Addf("audit.interval cannot be negative")
	}
	if c.Audit.RepairsPerSecond <= 0 {
		p.Addf("audit.repairs_per_second must be positive")
	}
	if (c.Admin.TokenHash == "") != (c.Admin.TokenSalt == "") {
		p.Addf("admin.token_hash and admin.token_salt must be set together")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		p.Addf("log.level: %v", err)
	}
	return p.Err()
}
