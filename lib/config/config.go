// Package config loads the phase noise tool's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/gotmc/phasenoise/lib/curve"
	"github.com/gotmc/phasenoise/lib/pnp"
	"github.com/gotmc/phasenoise/lib/sweep"
)

// Config is the whole configuration file.
type Config struct {
	LogLevel string        `yaml:"logLevel"`
	Profile  string        `yaml:"profile"`
	Bus      BusConfig     `yaml:"bus"`
	Sweep    SweepConfig   `yaml:"sweep"`
	Display  DisplayConfig `yaml:"display"`
	Storage  StorageConfig `yaml:"storage"`
}

// BusConfig describes the Prologix adapter and the instrument address.
type BusConfig struct {
	Port         string        `yaml:"port"`
	Baud         int           `yaml:"baud"`
	PAD          int           `yaml:"pad"`
	SAD          int           `yaml:"sad"`
	AR488        bool          `yaml:"ar488"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteDelay   time.Duration `yaml:"writeDelay"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// SweepConfig holds acquisition defaults. A zero CarrierHz means search.
type SweepConfig struct {
	MinDecade   int           `yaml:"minDecade"`
	MaxDecade   int           `yaml:"maxDecade"`
	CarrierHz   float64       `yaml:"carrierHz"`
	Multiplier  float64       `yaml:"multiplier"`
	VBWFactor   float64       `yaml:"vbwFactor"`
	ClipDB      float64       `yaml:"clipDB"`
	ExtIFHz     float64       `yaml:"extIFHz"`
	ExtLOHz     float64       `yaml:"extLOHz"`
	SmoothLimit int           `yaml:"smoothLimit"`
	MaxTime     time.Duration `yaml:"maxTime"`
}

// DisplayConfig holds post-processing defaults.
type DisplayConfig struct {
	Width     int     `yaml:"width"`
	Smoothing int     `yaml:"smoothing"`
	Algorithm string  `yaml:"algorithm"`
	SpurDB    float64 `yaml:"spurDB"`
}

// StorageConfig says where records and the catalog live.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
	Catalog       string `yaml:"catalog"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	s := sweep.DefaultSettings()
	d := curve.DefaultSettings()
	return Config{
		LogLevel: "info",
		Profile:  "hp8566b",
		Bus: BusConfig{
			Baud:         115200,
			PAD:          18,
			SAD:          -1,
			ReadTimeout:  500 * time.Millisecond,
			PollInterval: 250 * time.Millisecond,
		},
		Sweep: SweepConfig{
			MinDecade:  s.MinDecade,
			MaxDecade:  s.MaxDecade,
			Multiplier: s.Multiplier,
			VBWFactor:  s.VBWFactor,
			ClipDB:     s.ClipDB,
			ExtIFHz:    -1,
			ExtLOHz:    -1,
		},
		Display: DisplayConfig{
			Width:     d.Width,
			Smoothing: d.Smoothing,
			Algorithm: d.Algorithm.String(),
			SpurDB:    d.SpurDB,
		},
		Storage: StorageConfig{DataDirectory: ".", Catalog: "catalog.db"},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads a configuration document over the defaults and validates it.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting.
func (c Config) Validate() error {
	var err error
	check := func(bad bool, format string, a ...any) {
		if bad {
			err = multierr.Append(err, fmt.Errorf(format, a...))
		}
	}
	if _, perr := log.ParseLevel(c.LogLevel); perr != nil {
		err = multierr.Append(err, perr)
	}
	b := c.Bus
	check(b.PAD < 0 || b.PAD > 30, "GPIB primary address %d outside 0..30", b.PAD)
	check(b.SAD != -1 && (b.SAD < 96 || b.SAD > 126), "GPIB secondary address %d outside 96..126", b.SAD)
	check(b.Baud <= 0, "baud rate %d", b.Baud)

	s := c.Sweep
	check(s.MinDecade < pnp.MinDecade || s.MaxDecade > pnp.MaxDecade || s.MinDecade > s.MaxDecade,
		"decade range %d..%d outside %d..%d", s.MinDecade, s.MaxDecade, pnp.MinDecade, pnp.MaxDecade)
	check(s.ClipDB < 0 || s.ClipDB > 60 || int(s.ClipDB)%10 != 0 || s.ClipDB != float64(int(s.ClipDB)),
		"clip %g dB is not one of 0, 10, ... 60", s.ClipDB)
	check(s.Multiplier <= 0, "external multiplier %g must be positive", s.Multiplier)
	check(s.CarrierHz < 0 || s.CarrierHz > pnp.MaxFreqHz, "carrier %g Hz out of range", s.CarrierHz)

	d := c.Display
	if _, aerr := curve.ParseAlgorithm(d.Algorithm); aerr != nil {
		err = multierr.Append(err, aerr)
	}
	check(d.Smoothing < 0 || d.Smoothing > curve.MaxSmoothing, "smoothing %d outside 0..%d", d.Smoothing, curve.MaxSmoothing)
	check(d.SpurDB != 0 && (d.SpurDB < curve.MinSpurDB || d.SpurDB > curve.MaxSpurDB),
		"spur threshold %g dB outside %g..%g (0 disables)", d.SpurDB, curve.MinSpurDB, curve.MaxSpurDB)
	check(d.Width < 2, "display width %d", d.Width)
	return err
}

// Level returns the parsed log level.
func (c Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return l
}

// SweepSettings converts the sweep section.
func (c Config) SweepSettings() sweep.Settings {
	s := c.Sweep
	return sweep.Settings{
		MinDecade:  s.MinDecade,
		MaxDecade:  s.MaxDecade,
		Multiplier: s.Multiplier,
		VBWFactor:  s.VBWFactor,
		ClipDB:     s.ClipDB,
	}
}

// DisplaySettings converts the display section.
func (c Config) DisplaySettings() (curve.Settings, error) {
	alg, err := curve.ParseAlgorithm(c.Display.Algorithm)
	if err != nil {
		return curve.Settings{}, err
	}
	return curve.Settings{
		Width:     c.Display.Width,
		Smoothing: c.Display.Smoothing,
		Algorithm: alg,
		SpurDB:    c.Display.SpurDB,
	}, nil
}

// CatalogPath resolves the catalog file against the data directory.
func (c Config) CatalogPath() string {
	if c.Storage.Catalog == "" || filepath.IsAbs(c.Storage.Catalog) {
		return c.Storage.Catalog
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.Catalog)
}
