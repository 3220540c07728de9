package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	EnvFile         string
	LogLevel        string
	LogFormat       string
	LogFile         string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("POSEBRIDGE_CONFIG", ""),
		"Path to a JSON or YAML configuration file; defaults apply when empty (env: POSEBRIDGE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("POSEBRIDGE_CONFIG", ""),
		"Shorthand for --config")

	fs.StringVar(&cfg.EnvFile, "env-file",
		getEnv("POSEBRIDGE_ENV_FILE", ".env"),
		"Optional file of POSEBRIDGE_* overrides (env: POSEBRIDGE_ENV_FILE)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("POSEBRIDGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: POSEBRIDGE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("POSEBRIDGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: POSEBRIDGE_LOG_FORMAT)")

	fs.StringVar(&cfg.LogFile, "log-file",
		getEnv("POSEBRIDGE_LOG_FILE", ""),
		"Also write logs to this rotated file (env: POSEBRIDGE_LOG_FILE)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("POSEBRIDGE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: POSEBRIDGE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Print the effective configuration, validate it and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - sensor driven avatar bridge

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with the built-in defaults (sensors RFA and RA on port 81)
  %s

  # Run with a config file and readable logs
  %s --config=posebridge.yaml --log-format=text

  # Override sensors from the environment
  export POSEBRIDGE_SENSORS="RFA=192.168.193.195,RA=192.168.193.85"
  %s

  # Validate configuration only
  %s --config=posebridge.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
