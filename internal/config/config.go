// Application configuration
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"loopcam/internal/coordinator"
	"loopcam/internal/loop"
	"loopcam/internal/stages"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Codec    CodecConfig    `yaml:"codec"`
	Loop     LoopConfig     `yaml:"loop"`
	Output   OutputConfig   `yaml:"output"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PipelineConfig struct {
	Timeout   time.Duration  `yaml:"timeout"`
	MinFrames int            `yaml:"min_frames"`
	MaxFrames int            `yaml:"max_frames"`
	BurstSize int            `yaml:"burst_size"`
	Stages    stages.Choices `yaml:"stages"`
	Metrics   bool           `yaml:"metrics"`
}

type CodecConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
}

type LoopConfig struct {
	Speed       time.Duration    `yaml:"speed"`
	PingPong    bool             `yaml:"ping_pong"`
	Filter      string           `yaml:"filter"`
	Adjustments loop.Adjustments `yaml:"adjustments"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"`
	GIF     bool   `yaml:"gif"`
	Caption string `yaml:"caption"`
}

// Default mirrors the capture screen: a burst of three with the standard
// enhancement stages enabled.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Pipeline: PipelineConfig{
			Timeout:   coordinator.DefaultTimeout,
			MinFrames: 1,
			MaxFrames: coordinator.DefaultMaxFrames,
			BurstSize: 3,
			Stages:    stages.DefaultChoices(),
		},
		Codec: CodecConfig{JPEGQuality: coordinator.DefaultJPEGQuality},
		Loop: LoopConfig{
			Speed:       loop.DefaultSpeed,
			PingPong:    true,
			Adjustments: loop.DefaultAdjustments(),
		},
		Output: OutputConfig{Dir: "./out", GIF: true},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	p := c.Pipeline
	if p.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.timeout must be positive, got %s", p.Timeout))
	}
	if p.MinFrames < 1 {
		errs = append(errs, fmt.Errorf("pipeline.min_frames must be at least 1, got %d", p.MinFrames))
	}
	if p.MaxFrames < p.MinFrames {
		errs = append(errs, fmt.Errorf("pipeline.max_frames (%d) is below min_frames (%d)", p.MaxFrames, p.MinFrames))
	}
	if p.BurstSize < p.MinFrames || p.BurstSize > p.MaxFrames {
		errs = append(errs, fmt.Errorf("pipeline.burst_size must be within %d..%d, got %d", p.MinFrames, p.MaxFrames, p.BurstSize))
	}
	registry := stages.Default()
	for name := range p.Stages {
		if _, ok := registry.Get(name); !ok {
			errs = append(errs, fmt.Errorf("pipeline.stages: unknown stage %q", name))
		}
	}

	if q := c.Codec.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("codec.jpeg_quality must be within 1..100, got %d", q))
	}

	if c.Loop.Speed < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("loop.speed must be at least 10ms, got %s", c.Loop.Speed))
	}
	if _, _, err := loop.ParseFilter(c.Loop.Filter); err != nil {
		errs = append(errs, fmt.Errorf("loop.filter: %w", err))
	}
	if err := c.Loop.Adjustments.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("loop.adjustments: %w", err))
	}

	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir must not be empty"))
	}

	return errors.Join(errs...)
}

// Logger builds the root logger for the configured level and format.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return logger
}
