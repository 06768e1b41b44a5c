/*
Package config loads the maintenance server configuration.

SOURCES (later wins):
  1. Default()
  2. TOML file (optional, --config)
  3. .env in the working directory (optional)
  4. Environment: MAINT_PORT, MAINT_DB, MAINT_JWT_SECRET, MAINT_TIMEZONE,
     MAINT_CORS_ORIGINS
  5. Command-line flags, applied by cmd/maintenance

EXAMPLE FILE:
  [server]
  port = 8080

  [database]
  path = "./data/maintenance.db"

  [auth]
  jwt_secret = "change-me"

  [billing]
  timezone = "Asia/Kolkata"

  [cors]
  allowed_origins = ["http://localhost:5173"]
*/
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Billing  BillingConfig  `toml:"billing"`
	CORS     CORSConfig     `toml:"cors"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	// Seed mounts the demo scenario routes and loads green-meadows on startup.
	Seed bool `toml:"seed"`
}

type DatabaseConfig struct {
	// Path to the SQLite file, or ":memory:".
	Path string `toml:"path"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type BillingConfig struct {
	// Timezone of the society, an IANA name. Due dates and late days are counted in it.
	Timezone string `toml:"timezone"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns a configuration that runs locally without any file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "",
			Port:            8080,
			ShutdownTimeout: "10s",
		},
		Database: DatabaseConfig{Path: "./data/maintenance.db"},
		Billing:  BillingConfig{Timezone: "UTC"},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000", "http://localhost:8080"},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, a .env file if present, and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env")
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to read .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from MAINT_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MAINT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAINT_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("MAINT_DB"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("MAINT_JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("MAINT_TIMEZONE"); ok && v != "" {
		c.Billing.Timezone = v
	}
	if v, ok := lookup("MAINT_CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}
	return nil
}

// Validate checks the values the server can't start without.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (or MAINT_JWT_SECRET)")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.ShutdownTimeout(); err != nil {
		return err
	}
	return nil
}

// Location resolves the billing time zone.
func (c Config) Location() (*time.Location, error) {
	if c.Billing.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Billing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("billing.timezone %q: %w", c.Billing.Timezone, err)
	}
	return loc, nil
}

func (c Config) ShutdownTimeout() (time.Duration, error) {
	if c.Server.ShutdownTimeout == "" {
		return 10 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("server.shutdown_timeout: %w", err)
	}
	return d, nil
}

// Addr is the listen address, e.g. ":8080".
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
