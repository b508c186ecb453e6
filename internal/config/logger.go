package config

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSettings is the "logging" section.
type LogSettings struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stderr, stdout or a file path
}

// DefaultLogSettings logs JSON at info to stderr.
func DefaultLogSettings() LogSettings {
	return LogSettings{Level: "info", Format: "json", Output: "stderr"}
}

// ReadLogSettings reads the section key by key; viper's Sub would lose
// WLANCM_LOGGING_* environment overrides.
func ReadLogSettings(v *viper.Viper) LogSettings {
	s := DefaultLogSettings()
	for key, dst := range map[string]*string{
		"logging.level":  &s.Level,
		"logging.format": &s.Format,
		"logging.output": &s.Output,
	} {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	return s
}

func (s LogSettings) zapConfig() (zap.Config, error) {
	var lvl zapcore.Level
	if s.Level == "" {
		s.Level = "info"
	}
	if err := lvl.UnmarshalText([]byte(s.Level)); err != nil {
		return zap.Config{}, fmt.Errorf("invalid log level %q: %w", s.Level, err)
	}

	var cfg zap.Config
	switch s.Format {
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return zap.Config{}, fmt.Errorf("invalid log format %q: want json or console", s.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if s.Output != "" {
		cfg.OutputPaths = []string{s.Output}
	}
	return cfg, nil
}

// NewLogger builds the daemon logger from the "logging" section of v.
// Every entry carries service=wlancm.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	cfg, err := ReadLogSettings(v).zapConfig()
	if err != nil {
		return nil, err
	}
	return cfg.Build(zap.Fields(zap.String("service", "wlancm")))
}
