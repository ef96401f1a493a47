// Package config loads harp-regulator settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harp-tech/harp-regulator/pkg/device"
	"github.com/harp-tech/harp-regulator/pkg/harp"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
	"github.com/harp-tech/harp-regulator/pkg/upload"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HARP_REGULATOR_"

// Config represents the tool configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Harp      HarpConfig      `yaml:"harp"`
	Picoboot  PicobootConfig  `yaml:"picoboot"`
	Enumerate EnumerateConfig `yaml:"enumerate"`
	Upload    UploadConfig    `yaml:"upload"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// HarpConfig represents serial Harp connections
type HarpConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	BaudRate int           `yaml:"baud_rate"`
}

// PicobootConfig represents PICOBOOT sessions
type PicobootConfig struct {
	// FlashIDProgram is a raw RP2040 SRAM image that reads the flash unique
	// ID. Empty uses the built in helper.
	FlashIDProgram string        `yaml:"flash_id_program"`
	RebootDelay    time.Duration `yaml:"reboot_delay"`
}

// EnumerateConfig represents device enumeration
type EnumerateConfig struct {
	// ConnectThreshold is the lowest confidence probed over the Harp protocol
	// by list --allow-connect. Empty disables probing.
	ConnectThreshold string `yaml:"connect_threshold"`
}

// UploadConfig represents firmware uploads
type UploadConfig struct {
	ChunkSize uint32 `yaml:"chunk_size"`
}

// Default returns the built in configuration.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "console"},
		Harp:      HarpConfig{Timeout: harp.DefaultTimeout, BaudRate: harp.DefaultBaudRate},
		Picoboot:  PicobootConfig{RebootDelay: picoboot.DefaultRebootDelay},
		Enumerate: EnumerateConfig{ConnectThreshold: "low"},
		Upload:    UploadConfig{ChunkSize: upload.DefaultChunkSize},
	}
}

// DefaultPath is config.yaml in the user's configuration directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "harp-regulator", "config.yaml")
}

// Load reads filename over the defaults. A missing file or an empty filename
// leaves the defaults in place. Environment overrides are applied last.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies HARP_REGULATOR_* environment variables
func (c *Config) applyEnvOverrides() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}
	uint := func(name string, bits int) (uint64, bool, error) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseUint(v, 0, bits)
		if err != nil {
			return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		return n, true, nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("PICOBOOT_FLASH_ID_PROGRAM", &c.Picoboot.FlashIDProgram)
	str("ENUMERATE_CONNECT_THRESHOLD", &c.Enumerate.ConnectThreshold)

	if err := dur("HARP_TIMEOUT", &c.Harp.Timeout); err != nil {
		return err
	}
	if err := dur("PICOBOOT_REBOOT_DELAY", &c.Picoboot.RebootDelay); err != nil {
		return err
	}
	if n, ok, err := uint("HARP_BAUD_RATE", 31); err != nil {
		return err
	} else if ok {
		c.Harp.BaudRate = int(n)
	}
	if n, ok, err := uint("UPLOAD_CHUNK_SIZE", 32); err != nil {
		return err
	} else if ok {
		c.Upload.ChunkSize = uint32(n)
	}
	return nil
}

// Validate checks values that would otherwise be silently ignored.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Harp.Timeout < 0 {
		return fmt.Errorf("harp.timeout: negative duration %v", c.Harp.Timeout)
	}
	if c.Harp.BaudRate <= 0 {
		return fmt.Errorf("harp.baud_rate: %d is not a valid baud rate", c.Harp.BaudRate)
	}
	if c.Picoboot.RebootDelay < 0 {
		return fmt.Errorf("picoboot.reboot_delay: negative duration %v", c.Picoboot.RebootDelay)
	}
	if _, err := c.ConnectThreshold(); err != nil {
		return fmt.Errorf("enumerate.connect_threshold: %w", err)
	}
	if c.Upload.ChunkSize == 0 || c.Upload.ChunkSize%picoboot.PageSize != 0 {
		return fmt.Errorf("upload.chunk_size: %d is not a multiple of %d", c.Upload.ChunkSize, picoboot.PageSize)
	}
	return nil
}

// ConnectThreshold parses Enumerate.ConnectThreshold. Nil means never connect.
func (c *Config) ConnectThreshold() (*device.Confidence, error) {
	if c.Enumerate.ConnectThreshold == "" {
		return nil, nil
	}
	conf, err := device.ParseConfidence(c.Enumerate.ConnectThreshold)
	if err != nil {
		return nil, err
	}
	return &conf, nil
}

// PicobootOptions turns the PICOBOOT settings into session options.
func (c *Config) PicobootOptions() ([]picoboot.Option, error) {
	opts := []picoboot.Option{picoboot.WithRebootDelay(c.Picoboot.RebootDelay)}
	if c.Picoboot.FlashIDProgram != "" {
		program, err := os.ReadFile(c.Picoboot.FlashIDProgram)
		if err != nil {
			return nil, fmt.Errorf("picoboot.flash_id_program: %w", err)
		}
		opts = append(opts, picoboot.WithFlashIDProgram(program))
	}
	return opts, nil
}

// Opener returns a serial Harp opener using the Harp settings.
func (c *Config) Opener() harp.SerialOpener {
	return harp.SerialOpener{Timeout: c.Harp.Timeout, BaudRate: c.Harp.BaudRate}
}
