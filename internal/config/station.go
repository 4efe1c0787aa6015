// Package config loads the station configuration: which ports the positioner
// and signal source live on, the positioner's safe window and timing, and
// where calibration and checkpoint files are kept.
//
// Every field is optional. Unset fields fall back to the defaults returned by
// the Get* accessors, so a missing or partial file is always usable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks when --config is not given.
const DefaultConfigPath = "energyscan.yaml"

// Signal source kinds.
const (
	SourceSerial  = "serial"
	SourceOffline = "offline"
)

// Station holds the per-installation settings.
type Station struct {
	// Positioner
	Port            *string `yaml:"port,omitempty" json:"port,omitempty"` // empty autodetects
	BaudRate        *int    `yaml:"baud_rate,omitempty" json:"baud_rate,omitempty"`
	MinPosition     *int    `yaml:"min_position,omitempty" json:"min_position,omitempty"`
	MaxPosition     *int    `yaml:"max_position,omitempty" json:"max_position,omitempty"`
	SubStepsPerUnit *int    `yaml:"sub_steps_per_unit,omitempty" json:"sub_steps_per_unit,omitempty"`
	BaseTimeout     *string `yaml:"base_timeout,omitempty" json:"base_timeout,omitempty"`   // duration string like "500ms"
	PerUnitTime     *string `yaml:"per_unit_time,omitempty" json:"per_unit_time,omitempty"` // duration string like "20ms"
	ConnectSettle   *string `yaml:"connect_settle,omitempty" json:"connect_settle,omitempty"`

	// Scan timing
	PointSettle        *string `yaml:"point_settle,omitempty" json:"point_settle,omitempty"`
	PreflightStepDelay *string `yaml:"preflight_step_delay,omitempty" json:"preflight_step_delay,omitempty"`

	// Files
	CalibrationPath *string `yaml:"calibration_path,omitempty" json:"calibration_path,omitempty"`
	BackupDir       *string `yaml:"backup_dir,omitempty" json:"backup_dir,omitempty"`
	SaveEvery       *int    `yaml:"save_every,omitempty" json:"save_every,omitempty"`
	Keep            *int    `yaml:"keep,omitempty" json:"keep,omitempty"`

	// Signal source
	SignalSource *string  `yaml:"signal_source,omitempty" json:"signal_source,omitempty"`
	SignalPort   *string  `yaml:"signal_port,omitempty" json:"signal_port,omitempty"`
	SignalQuery  *string  `yaml:"signal_query,omitempty" json:"signal_query,omitempty"`
	SignalInit   []string `yaml:"signal_init,omitempty" json:"signal_init,omitempty"`
	SignalBaud   *int     `yaml:"signal_baud_rate,omitempty" json:"signal_baud_rate,omitempty"`

	// Listen is the debug HTTP address; empty disables it.
	Listen *string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyStation returns a config with every field unset.
func EmptyStation() *Station {
	return &Station{}
}

// DefaultStation returns a config with every field set to its default.
func DefaultStation() *Station {
	return &Station{
		Port:               ptrString(""),
		BaudRate:           ptrInt(115200),
		MinPosition:        ptrInt(0),
		MaxPosition:        ptrInt(999),
		SubStepsPerUnit:    ptrInt(10),
		BaseTimeout:        ptrString("500ms"),
		PerUnitTime:        ptrString("20ms"),
		ConnectSettle:      ptrString("1s"),
		PointSettle:        ptrString("50ms"),
		PreflightStepDelay: ptrString("20ms"),
		CalibrationPath:    ptrString("calibration.csv"),
		BackupDir:          ptrString("backup"),
		SaveEvery:          ptrInt(3),
		Keep:               ptrInt(3),
		SignalSource:       ptrString(SourceSerial),
		SignalPort:         ptrString(""),
		SignalQuery:        ptrString("?ODT"),
		SignalInit:         []string{"OSS1;ODS47,4"},
		SignalBaud:         ptrInt(9600),
		Listen:             ptrString(""),
	}
}

// LoadStation reads a YAML (or JSON) station file. Unknown keys are rejected
// so typos do not silently fall back to defaults.
func LoadStation(path string) (*Station, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyStation()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Station) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the set fields for consistency.
func (c *Station) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"base_timeout", c.BaseTimeout},
		{"per_unit_time", c.PerUnitTime},
		{"connect_settle", c.ConnectSettle},
		{"point_settle", c.PointSettle},
		{"preflight_step_delay", c.PreflightStepDelay},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.SignalBaud != nil && *c.SignalBaud <= 0 {
		return fmt.Errorf("signal_baud_rate must be positive, got %d", *c.SignalBaud)
	}
	if c.SubStepsPerUnit != nil && *c.SubStepsPerUnit <= 0 {
		return fmt.Errorf("sub_steps_per_unit must be positive, got %d", *c.SubStepsPerUnit)
	}
	if lo, hi := c.GetMinPosition(), c.GetMaxPosition(); lo > hi {
		return fmt.Errorf("min_position %d is greater than max_position %d", lo, hi)
	}
	if c.SaveEvery != nil && *c.SaveEvery < 1 {
		return fmt.Errorf("save_every must be at least 1, got %d", *c.SaveEvery)
	}
	if c.Keep != nil && *c.Keep < 1 {
		return fmt.Errorf("keep must be at least 1, got %d", *c.Keep)
	}
	if c.SignalSource != nil {
		switch *c.SignalSource {
		case "", SourceSerial, SourceOffline:
		default:
			return fmt.Errorf("signal_source must be %q or %q, got %q", SourceSerial, SourceOffline, *c.SignalSource)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *Station) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

func (c *Station) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

func (c *Station) GetMinPosition() int {
	if c.MinPosition == nil {
		return 0
	}
	return *c.MinPosition
}

func (c *Station) GetMaxPosition() int {
	if c.MaxPosition == nil {
		return 999
	}
	return *c.MaxPosition
}

func (c *Station) GetSubStepsPerUnit() int {
	if c.SubStepsPerUnit == nil {
		return 10
	}
	return *c.SubStepsPerUnit
}

func (c *Station) GetBaseTimeout() time.Duration {
	return durationOr(c.BaseTimeout, 500*time.Millisecond)
}

func (c *Station) GetPerUnitTime() time.Duration {
	return durationOr(c.PerUnitTime, 20*time.Millisecond)
}

func (c *Station) GetConnectSettle() time.Duration {
	return durationOr(c.ConnectSettle, time.Second)
}

func (c *Station) GetPointSettle() time.Duration {
	return durationOr(c.PointSettle, 50*time.Millisecond)
}

func (c *Station) GetPreflightStepDelay() time.Duration {
	return durationOr(c.PreflightStepDelay, 20*time.Millisecond)
}

func (c *Station) GetCalibrationPath() string {
	if c.CalibrationPath == nil || *c.CalibrationPath == "" {
		return "calibration.csv"
	}
	return *c.CalibrationPath
}

func (c *Station) GetBackupDir() string {
	if c.BackupDir == nil || *c.BackupDir == "" {
		return "backup"
	}
	return *c.BackupDir
}

func (c *Station) GetSaveEvery() int {
	if c.SaveEvery == nil {
		return 3
	}
	return *c.SaveEvery
}

func (c *Station) GetKeep() int {
	if c.Keep == nil {
		return 3
	}
	return *c.Keep
}

func (c *Station) GetSignalSource() string {
	if c.SignalSource == nil || *c.SignalSource == "" {
		return SourceSerial
	}
	return *c.SignalSource
}

func (c *Station) GetSignalPort() string {
	if c.SignalPort == nil {
		return ""
	}
	return *c.SignalPort
}

func (c *Station) GetSignalQuery() string {
	if c.SignalQuery == nil || *c.SignalQuery == "" {
		return "?ODT"
	}
	return *c.SignalQuery
}

// GetSignalInit returns the commands sent once after the signal source opens.
func (c *Station) GetSignalInit() []string {
	if c.SignalInit == nil {
		return []string{"OSS1;ODS47,4"}
	}
	return append([]string(nil), c.SignalInit...)
}

func (c *Station) GetSignalBaud() int {
	if c.SignalBaud == nil {
		return 9600
	}
	return *c.SignalBaud
}

func (c *Station) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}
