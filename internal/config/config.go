package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/ahrdadan/wkit/internal/logging"
)

const (
	// EnvPrefix prefixes every environment override, e.g. WKIT_PORT.
	EnvPrefix = "wkit"
	// Version is the current version of wkit
	Version = "1"
	// AppName is the application name
	AppName = "wkit server"
)

// Config holds all configuration options for the wkit server
type Config struct {
	// Server
	Host    string `split_words:"true"`
	Port    int    `split_words:"true"`
	BaseURL string `split_words:"true"` // Full base URL for API responses (e.g., http://localhost:8000)

	// Chrome
	ChromeBin      string `split_words:"true"`
	ControlURL     string `split_words:"true"` // Connect to a running browser instead of launching one
	DownloadChrome bool   `split_words:"true"`
	ChromeRevision int    `split_words:"true"`
	ChromeDeps     bool   `split_words:"true"`
	Headless       bool   `split_words:"true"`
	NoSandbox      bool   `split_words:"true"`
	Stealth        bool   `split_words:"true"`

	// Navigation defaults
	Timeout       time.Duration `split_words:"true"`
	UserAgent     string        `split_words:"true"`
	Proxy         string        `split_words:"true"`
	InjectCookies bool          `split_words:"true"`

	// Logging
	LogLevel string `split_words:"true"`
	LogDev   bool   `split_words:"true"`
	LogFile  string `split_words:"true"` // Rotated JSON log file, in addition to stdout

	// Queue (NATS JetStream)
	WithNats   bool   `split_words:"true"`
	NatsURL    string `split_words:"true"`
	NatsStore  string `split_words:"true"`
	NatsAutoDL bool   `split_words:"true"`
	NatsBin    string `split_words:"true"`

	// Security
	RateLimitRequests int           `split_words:"true"`     // requests per window
	RateLimitWindow   time.Duration `split_words:"true"`     // time window for rate limiting
	IdempotencyTTL    time.Duration `split_words:"true"`     // TTL for idempotency keys
	ResultTTL         time.Duration `split_words:"true"`     // TTL for job results
	MaxJobTimeout     time.Duration `split_words:"true"`     // Maximum allowed job timeout
	MaxRetries        int           `split_words:"true"`     // Maximum retries per job
	APIKeys           []string      `split_words:"true"`     // Accepted API keys, comma separated
	AllowedIPs        []string      `envconfig:"ALLOWED_IPS"` // Allowed client addresses or CIDRs

	// Flags
	ShowVersion bool `ignored:"true"`
	ShowHelp    bool `ignored:"true"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8000,
		Headless:          true,
		Timeout:           10 * time.Second,
		UserAgent:         "Mozilla",
		LogLevel:          "info",
		WithNats:          true,
		NatsURL:           "nats://127.0.0.1:4222",
		NatsStore:         "./data/nats",
		NatsAutoDL:        true,
		NatsBin:           "./bin/nats-server",
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		ResultTTL:         7 * 24 * time.Hour, // 7 days
		MaxJobTimeout:     5 * time.Minute,
		MaxRetries:        5,
	}
}

// ParseFlags parses the process command line and returns the config
func ParseFlags() *Config {
	fs := flag.CommandLine
	fs.Usage = PrintHelp

	cfg, err := Parse(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Parse applies the WKIT_* environment over the defaults, then registers
// every flag on fs and parses args. Flags win over the environment.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Server flags
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind the server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port number for the server")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Base URL for API responses (e.g., http://localhost:8000)")

	// Chrome flags
	fs.StringVar(&cfg.ChromeBin, "chrome-bin", cfg.ChromeBin, "Path to the Chromium binary")
	fs.StringVar(&cfg.ControlURL, "control-url", cfg.ControlURL, "DevTools websocket URL of a running browser")
	fs.BoolVar(&cfg.DownloadChrome, "download-chrome", cfg.DownloadChrome, "Download Chromium before starting")
	fs.IntVar(&cfg.ChromeRevision, "chrome-revision", cfg.ChromeRevision, "Chromium revision to download (0 uses default)")
	fs.BoolVar(&cfg.ChromeDeps, "chrome-deps", cfg.ChromeDeps, "Install Chromium system packages when downloading")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run Chromium headless")
	fs.BoolVar(&cfg.NoSandbox, "no-sandbox", cfg.NoSandbox, "Disable the Chromium sandbox")
	fs.BoolVar(&cfg.Stealth, "stealth", cfg.Stealth, "Open pages with stealth evasions")

	// Navigation flags
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Default navigation timeout")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "Default user agent")
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "Default proxy (e.g., http://127.0.0.1:3128)")
	fs.BoolVar(&cfg.InjectCookies, "inject-cookies", cfg.InjectCookies, "Install request cookies into the browser jar")

	// Logging flags
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "Human readable development logs")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write JSON logs to this rotated file")

	// NATS flags
	fs.BoolVar(&cfg.WithNats, "with-nats", cfg.WithNats, "Enable NATS JetStream for job queue")
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL")
	fs.StringVar(&cfg.NatsStore, "nats-store", cfg.NatsStore, "NATS JetStream storage directory")
	fs.BoolVar(&cfg.NatsAutoDL, "nats-autodl", cfg.NatsAutoDL, "Auto-download NATS server binary")
	fs.StringVar(&cfg.NatsBin, "nats-bin", cfg.NatsBin, "Path to NATS server binary")

	// Security flags
	fs.IntVar(&cfg.RateLimitRequests, "rate-limit", cfg.RateLimitRequests, "Rate limit requests per minute")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum retries per job (1-10)")
	fs.Func("api-key", "Accepted API key (repeatable)", appendTo(&cfg.APIKeys))
	fs.Func("allow-ip", "Allowed client address or CIDR (repeatable)", appendTo(&cfg.AllowedIPs))

	// Other flags
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Auto-generate BaseURL if not provided
	if cfg.BaseURL == "" {
		host := cfg.Host
		if host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", host, cfg.Port)
	}

	// Validate
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxRetries > 10 {
		cfg.MaxRetries = 10
	}
	if cfg.RateLimitRequests < 1 {
		cfg.RateLimitRequests = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Timeout > cfg.MaxJobTimeout {
		cfg.Timeout = cfg.MaxJobTimeout
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.ControlURL != "" && cfg.Proxy != "" {
		return nil, fmt.Errorf("--proxy cannot be used with --control-url")
	}

	return cfg, nil
}

// appendTo returns a flag.Func callback collecting repeated values. The
// first flag replaces anything taken from the environment.
func appendTo(dst *[]string) func(string) error {
	fromEnv := true
	return func(v string) error {
		if fromEnv {
			*dst = nil
			fromEnv = false
		}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*dst = append(*dst, part)
			}
		}
		return nil
	}
}

// Logging returns the logger configuration
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:       c.LogLevel,
		Development: c.LogDev,
		OutputPaths: []string{"stdout"},
		File:        c.LogFile,
	}
}

// PrintVersion prints version information
func PrintVersion() {
	fmt.Printf("%s v%s\n", AppName, Version)
}

// PrintHelp prints help information
func PrintHelp() {
	d := DefaultConfig()
	fmt.Printf(`%s v%s (Navigate + Correlate)

Usage:
  ./server [flags]

Server:
  --host             %s
  --port             %d
  --base-url         %s (auto-generated if empty)

Chrome:
  --chrome-bin       path (rod locates or downloads one if empty)
  --control-url      ws URL of a running browser
  --download-chrome  %v
  --chrome-revision  %d
  --chrome-deps      %v
  --headless         %v
  --no-sandbox       %v
  --stealth          %v

Navigation:
  --timeout          %s
  --user-agent       %s
  --proxy            none
  --inject-cookies   %v

Logging:
  --log-level        %s
  --log-dev          %v
  --log-file         path (rotated, none by default)

Queue (NATS JetStream):
  --with-nats        %v
  --nats-url         %s
  --nats-store       %s
  --nats-autodl      %v
  --nats-bin         %s

Security:
  --rate-limit       %d (requests per minute)
  --max-retries      %d (max retries per job)
  --api-key          key (repeatable, none disables auth)
  --allow-ip         addr or CIDR (repeatable, none allows all)

Other:
  --version          show version
  --help             show this help

Every flag can also be set through the environment as WKIT_<NAME>,
e.g. WKIT_PORT=9000 or WKIT_INJECT_COOKIES=true. Flags take precedence.

`, AppName, Version,
		d.Host, d.Port, "http://localhost:8000",
		d.DownloadChrome, d.ChromeRevision, d.ChromeDeps, d.Headless, d.NoSandbox, d.Stealth,
		d.Timeout, d.UserAgent, d.InjectCookies,
		d.LogLevel, d.LogDev,
		d.WithNats, d.NatsURL, d.NatsStore, d.NatsAutoDL, d.NatsBin,
		d.RateLimitRequests, d.MaxRetries)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion()
		os.Exit(0)
	}

	if cfg.ShowHelp {
		PrintHelp()
		os.Exit(0)
	}
}
