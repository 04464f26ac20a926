// Package config loads and validates the score-following engine's
// external configuration (spec.md §6). Grounded on the pack-wide idiom
// (confirmed in doismellburning-samoyed's go.mod) of gopkg.in/yaml.v3
// for the file format, github.com/spf13/pflag for CLI overrides in
// place of stdlib flag, and github.com/go-playground/validator/v10 for
// struct-tag validation — otto's own cmd/ottocook/main.go uses bare
// stdlib flag with no config file or validation layer at all, so this
// package is new relative to the teacher but follows the rest of the
// example pack for the concern the teacher doesn't cover.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rayfollow/scorefollower/internal/domain"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/oltw"
)

// Config holds every recognized option from spec.md §6 plus the
// ambient additions (log level, API poll cadence) a complete service
// needs that the distilled spec leaves implicit.
type Config struct {
	WindowSeconds float64 `yaml:"window_seconds" validate:"gt=0"`
	FramePerSeg   int     `yaml:"frame_per_seg" validate:"gt=0"`
	FrameRate     int     `yaml:"frame_rate" validate:"gt=0"`
	SampleRate    int     `yaml:"sample_rate" validate:"gt=0"`
	LocalCost     string  `yaml:"local_cost" validate:"required"`
	MaxRunCount   int     `yaml:"max_run_count" validate:"gt=0"`
	FeatureType   string  `yaml:"feature_type" validate:"oneof=chroma chroma_decay"`

	LogLevel             string        `yaml:"log_level" validate:"oneof=off normal verbose"`
	PositionPollInterval time.Duration `yaml:"position_poll_interval" validate:"gt=0"`
	ListenAddr           string        `yaml:"listen_addr" validate:"required"`
}

// Default returns the configuration with every spec.md §6 default
// applied.
func Default() Config {
	return Config{
		WindowSeconds:        3,
		FramePerSeg:          1,
		FrameRate:            30,
		SampleRate:           44100,
		LocalCost:            "euclidean",
		MaxRunCount:          30,
		FeatureType:          string(domain.FeatureChroma),
		LogLevel:             "normal",
		PositionPollInterval: 100 * time.Millisecond,
		ListenAddr:           ":8080",
	}
}

// HopLength derives hop_length = sample_rate / frame_rate, per
// spec.md §6's "Audio input" interface definition.
func (c Config) HopLength() int {
	return c.SampleRate / c.FrameRate
}

// OLTW projects the OLTW-relevant subset of Config into oltw.Config.
func (c Config) OLTW() oltw.Config {
	return oltw.Config{
		WindowSeconds: c.WindowSeconds,
		FrameRate:     c.FrameRate,
		FramePerSeg:   c.FramePerSeg,
		MaxRunCount:   c.MaxRunCount,
		LocalCost:     c.LocalCost,
	}
}

// LogLevelValue maps the configured string level to logger.Level.
func (c Config) LogLevelValue() logger.Level {
	switch c.LogLevel {
	case "off":
		return logger.LevelOff
	case "verbose":
		return logger.LevelVerbose
	default:
		return logger.LevelNormal
	}
}

// Load reads a YAML config file, merging it over Default(). A missing
// file is not an error — the defaults are used as-is, matching a
// service that runs fine with zero configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, &domain.ConfigError{Message: "cannot read config file", Err: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &domain.ConfigError{Message: "cannot parse config file", Err: err}
	}
	return cfg, nil
}

// Validate runs struct-tag validation and reports the first failure
// wrapped as a *domain.ConfigError — a bad feature type or malformed
// option must reject before the engine starts (spec.md §7).
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &domain.ConfigError{Message: "invalid configuration", Err: err}
	}
	return nil
}

// RegisterFlags binds pflag CLI overrides onto cfg's current values
// (normally Default() or the result of Load). Call pflag.Parse()
// after this and then re-read cfg's fields — pflag writes through the
// pointers it was given.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.Float64Var(&cfg.WindowSeconds, "window-seconds", cfg.WindowSeconds, "sliding window extent in seconds")
	fs.IntVar(&cfg.FramePerSeg, "frame-per-seg", cfg.FramePerSeg, "advancement granularity d")
	fs.IntVar(&cfg.FrameRate, "frame-rate", cfg.FrameRate, "frames per second")
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "audio sample rate")
	fs.StringVar(&cfg.LocalCost, "local-cost", cfg.LocalCost, "local cost function name")
	fs.IntVar(&cfg.MaxRunCount, "max-run-count", cfg.MaxRunCount, "forced-toggle threshold")
	fs.StringVar(&cfg.FeatureType, "feature-type", cfg.FeatureType, "chroma or chroma_decay")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "off, normal, or verbose")
	fs.DurationVar(&cfg.PositionPollInterval, "position-poll-interval", cfg.PositionPollInterval, "API position-poll cadence")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP/WS listen address")
}

// FeatureTypeValue parses FeatureType into a domain.FeatureType,
// assuming Validate has already confirmed it's one of the accepted
// values.
func (c Config) FeatureTypeValue() domain.FeatureType {
	return domain.FeatureType(c.FeatureType)
}

// String renders the config for a one-line startup log message.
func (c Config) String() string {
	return fmt.Sprintf("window=%.1fs frame_rate=%d sample_rate=%d frame_per_seg=%d local_cost=%s feature_type=%s",
		c.WindowSeconds, c.FrameRate, c.SampleRate, c.FramePerSeg, c.LocalCost, c.FeatureType)
}
