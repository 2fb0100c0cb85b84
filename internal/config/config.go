// Package config loads the daemon's TOML configuration, one section per
// subsystem, and applies the logging settings.
//
// Grounded on cmd/dtnd/configuration.go's tomlConfig struct-of-structs
// shape and its logging setup.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// Config is the daemon's full TOML configuration.
type Config struct {
	Core    CoreConfig
	Logging LogConfig
	Cache   CacheConfig
	Control ControlConfig
}

// CoreConfig describes the [core] block.
type CoreConfig struct {
	// Interface is the network interface name to bind the multicast
	// listener to and to scope link-local addresses.
	Interface string
	// OutputDir is where completed file reassemblies are written.
	OutputDir string `toml:"output-dir"`
	// Contract is the node's advertised QoS class: "realtime", "bulk",
	// or "background".
	Contract string
	// Version is the advertised protocol version.
	Version uint32
}

// LogConfig describes the [logging] block.
type LogConfig struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// CacheConfig describes the [cache] block.
type CacheConfig struct {
	// Root overrides the cache directory. Empty means a fresh
	// per-process directory below the OS temp directory.
	Root string
}

// ControlConfig describes the [control] block.
type ControlConfig struct {
	// Listen is the address the event-hub WebSocket endpoint is served
	// on. Empty disables the HTTP listener; the hub is still available
	// in-process.
	Listen string
}

// Parse loads and validates the configuration at path.
func Parse(path string) (Config, error) {
	var conf Config
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if conf.Core.Interface == "" {
		return Config{}, fmt.Errorf("config: core.interface is required")
	}
	if conf.Core.OutputDir == "" {
		return Config{}, fmt.Errorf("config: core.output-dir is required")
	}
	if _, err := conf.Contract(); err != nil {
		return Config{}, err
	}

	return conf, nil
}

// Contract parses the configured QoS contract, defaulting to Bulk when
// unset.
func (c Config) Contract() (wire.Contract, error) {
	switch strings.ToLower(c.Core.Contract) {
	case "", "bulk":
		return wire.Bulk, nil
	case "realtime":
		return wire.Realtime, nil
	case "background":
		return wire.Background, nil
	default:
		return 0, fmt.Errorf("config: unknown contract %q", c.Core.Contract)
	}
}

// ApplyLogging configures logrus from the [logging] block.
func (c Config) ApplyLogging() error {
	if c.Logging.Level != "" {
		level, err := log.ParseLevel(c.Logging.Level)
		if err != nil {
			return fmt.Errorf("config: parse log level: %w", err)
		}
		log.SetLevel(level)
	}

	log.SetReportCaller(c.Logging.ReportCaller)

	switch c.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}

	return nil
}
