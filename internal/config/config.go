// Package config parses the rstream invocation surface: short flags per
// peer role, source hostnames with brace permutation, and environment
// overrides for ambient settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	flags "github.com/jessevdk/go-flags"
)

// Options is the raw flag surface, shared by both peer roles.
type Options struct {
	Server     bool   `short:"l" description:"server mode: share the directory"`
	Port       int    `short:"P" default:"4096" description:"TCP port (server: listen; client: connect)"`
	Dir        string `short:"d" description:"shared/working directory root"`
	Include    string `short:"r" default:".*" description:"server: include regex for filenames"`
	Stdout     bool   `short:"s" description:"client: copy received bytes to standard output"`
	Gzip       bool   `short:"z" description:"server: gzip block payloads"`
	Checksums  bool   `short:"c" description:"server: compute and advertise SHA-1 digests"`
	PidFile    string `short:"p" default:"/var/run/rstream.pid" description:"pid file path"`
	Foreground bool   `short:"f" description:"stay in the foreground"`
	Verbose    []bool `short:"v" description:"increase verbosity (repeatable)"`

	Args struct {
		Hosts []string `positional-arg-name:"host" description:"client: source hostnames (brace patterns expand)"`
	} `positional-args:"yes"`
}

// Config is the validated configuration.
type Config struct {
	Options

	Sources   []string // expanded client source hostnames
	IncludeRE *regexp.Regexp
	ExcludeRE *regexp.Regexp // from RSTREAM_EXCLUDE, optional

	// Ambient settings from the environment.
	MetricsAddr string // RSTREAM_METRICS_ADDR; empty disables exposition
	LogFormat   string // RSTREAM_LOG_FORMAT: json or console
}

// Load parses args (without the program name) and validates them.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		MetricsAddr: envOr("RSTREAM_METRICS_ADDR", ""),
		LogFormat:   envOr("RSTREAM_LOG_FORMAT", "console"),
	}

	parser := flags.NewParser(&cfg.Options, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Dir == "" {
		return nil, fmt.Errorf("a directory root is required (-d)")
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory %q: %w", cfg.Dir, err)
	}
	cfg.Dir = abs
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("directory root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Dir)
	}

	if cfg.Server {
		cfg.IncludeRE, err = regexp.Compile(cfg.Include)
		if err != nil {
			return nil, fmt.Errorf("include regex: %w", err)
		}
		if pattern := envOr("RSTREAM_EXCLUDE", ""); pattern != "" {
			cfg.ExcludeRE, err = regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("exclude regex: %w", err)
			}
		}
		if len(cfg.Args.Hosts) > 0 {
			return nil, fmt.Errorf("server mode takes no host arguments")
		}
		return cfg, nil
	}

	if len(cfg.Args.Hosts) == 0 {
		return nil, fmt.Errorf("client mode requires at least one source host")
	}
	for _, arg := range cfg.Args.Hosts {
		cfg.Sources = append(cfg.Sources, ExpandBraces(arg)...)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
