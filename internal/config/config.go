// Package config loads the fit service configuration from environment
// variables, with an optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Environment string `env:"ENV" envDefault:"development" yaml:"environment"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080" yaml:"port"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s" yaml:"read_timeout"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s" yaml:"write_timeout"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s" yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout"`
	} `yaml:"http"`
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info" yaml:"level"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr" yaml:"output"`
	} `yaml:"logging"`
	Database struct {
		DSN      string `env:"DB_DSN" envDefault:"file:data/skyfold.db?cache=shared" yaml:"dsn"`
		MaxConns int    `env:"DB_MAX_CONNS" envDefault:"1" yaml:"max_conns"`
	} `yaml:"database"`
	Fit struct {
		// Backend names the minimizer used for submitted fits.
		Backend string `env:"FIT_BACKEND" envDefault:"nelder-mead" yaml:"backend"`
		// MaxIterations caps the minimizer's major iterations; 0 leaves
		// termination to the convergence criteria.
		MaxIterations int `env:"FIT_MAX_ITERATIONS" envDefault:"0" yaml:"max_iterations"`
	} `yaml:"fit"`
}

// Load parses the environment and, when CONFIG_FILE is set, overlays
// the YAML file on top of the parsed values.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
