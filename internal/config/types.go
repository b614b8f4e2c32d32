package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Script   ScriptConfig   `json:"script"`
	Admin    AdminConfig    `json:"admin,omitempty"`
	Reporter ReporterConfig `json:"reporter,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TimeoutsConfig holds Go duration strings (e.g. "500ms", "10s").
// Omitted fields fall back to the defaults in DefaultTimeouts.
type TimeoutsConfig struct {
	Init     string `json:"init,omitempty"`
	Call     string `json:"call,omitempty"`
	Shutdown string `json:"shutdown,omitempty"`
}

// ScriptConfig selects the script a profile runs.
//
// Example:
//
//	"script": { "path": "./scripts/main.go", "name": "main", "watch": true }
type ScriptConfig struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"` // profile name, defaults to the file's base name
	// Watch restarts the client when the file content changes.
	Watch bool `json:"watch,omitempty"`
	// Debounce is a Go duration string; default "250ms".
	Debounce string `json:"debounce,omitempty"`
	// Restricted limits scripts to a small allow-list of stdlib packages.
	Restricted bool `json:"restricted,omitempty"`
}

// AdminConfig controls the optional HTTP admin surface (/metrics, /slots).
// Prefer binding to localhost.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
}

type ReporterConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// TimeoutPolicy is the resolved set of callback deadlines. It is read-only
// once the host is running.
type TimeoutPolicy struct {
	Init     time.Duration
	Call     time.Duration
	Shutdown time.Duration
}

func DefaultTimeouts() TimeoutPolicy {
	return TimeoutPolicy{
		Init:     10 * time.Second,
		Call:     2 * time.Second,
		Shutdown: 5 * time.Second,
	}
}

// Validate rejects non-positive deadlines.
func (p TimeoutPolicy) Validate() error {
	for _, f := range []struct {
		name string
		d    time.Duration
	}{{"init", p.Init}, {"call", p.Call}, {"shutdown", p.Shutdown}} {
		if f.d <= 0 {
			return fmt.Errorf("timeouts.%s: must be > 0", f.name)
		}
	}
	return nil
}

// TimeoutPolicy resolves the timeouts section against the defaults.
func (c *Config) TimeoutPolicy() (TimeoutPolicy, error) {
	def := DefaultTimeouts()
	var (
		p   TimeoutPolicy
		err error
	)
	if p.Init, err = ParseDurationOrDefault("timeouts.init", c.Timeouts.Init, def.Init); err != nil {
		return TimeoutPolicy{}, err
	}
	if p.Call, err = ParseDurationOrDefault("timeouts.call", c.Timeouts.Call, def.Call); err != nil {
		return TimeoutPolicy{}, err
	}
	if p.Shutdown, err = ParseDurationOrDefault("timeouts.shutdown", c.Timeouts.Shutdown, def.Shutdown); err != nil {
		return TimeoutPolicy{}, err
	}
	return p, p.Validate()
}

func (c *Config) ScriptDebounce() (time.Duration, error) {
	return ParseDurationOrDefault("script.debounce", c.Script.Debounce, 250*time.Millisecond)
}

func (c *Config) AdminAddr() string {
	if a := strings.TrimSpace(c.Admin.Addr); a != "" {
		return a
	}
	return "127.0.0.1:8089"
}

// Validate checks the fields the host cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Script.Path) == "" {
		return fmt.Errorf("script.path: required")
	}
	if _, err := c.TimeoutPolicy(); err != nil {
		return err
	}
	if _, err := c.ScriptDebounce(); err != nil {
		return err
	}
	if c.Reporter.RatePerSec < 0 || c.Reporter.Burst < 0 {
		return fmt.Errorf("reporter: rate_per_sec and burst must be >= 0")
	}
	return nil
}
