// Package config parses the process-level CLI/environment contract
// (spec.md §6 "CLI / environment (collaborator contract)"). Parsing
// itself is explicitly out of the core's scope (spec.md §1), so this is
// deliberately the thinnest possible layer over the standard library
// flag package (see DESIGN.md for why no third-party CLI framework is
// wired here).
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// DefaultPort is used when --port is not given (spec.md §6).
const DefaultPort = 7500

// Config holds every flag the core needs to start.
type Config struct {
	Binds        []string
	Port         int
	DatabasePath string
	CertPath     string
	KeyPath      string
	UPnP         bool
	Debug        bool
	MetricsAddr  string
}

// bindList implements flag.Value to accept repeated --bind flags
// (spec.md §6: "Multiple binds are allowed").
type bindList struct {
	values *[]string
}

func (b bindList) String() string {
	if b.values == nil {
		return ""
	}
	return fmt.Sprint(*b.values)
}

func (b bindList) Set(s string) error {
	*b.values = append(*b.values, s)
	return nil
}

// Parse parses args (normally os.Args[1:]) into a Config, applying
// defaults for any flag not given. dataDir is the platform-specific data
// directory (spec.md §6 "Persisted state layout") used to derive default
// database/cert/key paths when --database is not given.
func Parse(args []string, dataDir string) (Config, error) {
	fs := flag.NewFlagSet("nexusd", flag.ContinueOnError)

	var cfg Config
	fs.Var(bindList{&cfg.Binds}, "bind", "bind address (repeatable; IPv4 or IPv6, e.g. 0.0.0.0 or ::)")
	fs.IntVar(&cfg.Port, "port", DefaultPort, "listen port")
	fs.StringVar(&cfg.DatabasePath, "database", "", "override database file path")
	fs.BoolVar(&cfg.UPnP, "upnp", false, "request a UPnP port mapping at startup, remove it on clean shutdown")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable verbose logging")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")

	if err := fs.Parse(args); err != nil {
		return Config{}, trace.Wrap(err)
	}

	if len(cfg.Binds) == 0 {
		cfg.Binds = []string{"0.0.0.0", "::"}
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir, "nexus.db")
	}
	cfg.CertPath = filepath.Join(filepath.Dir(cfg.DatabasePath), "nexus.crt")
	cfg.KeyPath = filepath.Join(filepath.Dir(cfg.DatabasePath), "nexus.key")

	return cfg, nil
}

// DefaultDataDir resolves a platform-specific data directory for the
// database and TLS material (spec.md §6), falling back to the current
// directory if the OS config-directory lookup fails.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "nexus")
}
