package config

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// CLIFlags holds command-line overrides. Nil fields were not given.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	CacheMode  *string
	Fetch      *bool
}

// ParseFlags parses serve flags. Short forms: -c config, -p port.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("ratekeeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath, port, logLevel, dsn, cacheMode string
		fetch                                      bool
	)
	fs.StringVar(&configPath, "config", "", "path to YAML config")
	fs.StringVar(&configPath, "c", "", "path to YAML config (shorthand)")
	fs.StringVar(&port, "port", "", "HTTP listen port")
	fs.StringVar(&port, "p", "", "HTTP listen port (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "debug|info|warn|error")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN")
	fs.StringVar(&cacheMode, "cache", "", "cache backend: tiered-redis|tiered-nats|memory")
	fs.BoolVar(&fetch, "fetch", false, "enable the generative fetch layer")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var out CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			out.ConfigPath = &configPath
		case "port", "p":
			out.Port = &port
		case "log-level":
			out.LogLevel = &logLevel
		case "dsn":
			out.DSN = &dsn
		case "cache":
			out.CacheMode = &cacheMode
		case "fetch":
			out.Fetch = &fetch
		}
	})
	return out, nil
}

// applyCLI overlays the given flags onto cfg.
func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.CacheMode != nil {
		cfg.Cache.Backend = *f.CacheMode
	}
	if f.Fetch != nil {
		cfg.Fetch.Enabled = *f.Fetch
	}
}

// LoadWithCLI loads defaults < YAML < ENV < flags and returns the config
// together with the YAML path that was consulted.
func LoadWithCLI(f CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if p := os.Getenv("RATEKEEPER_CONFIG"); p != "" {
		path = p
	}
	if f.ConfigPath != nil {
		path = *f.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, f)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}
