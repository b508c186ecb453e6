package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	ReadOnly  bool    `mapstructure:"read_only"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ServerConfig reads the server section of v key by key, so environment
// overrides and defaults apply to every field.
func ServerConfig(v *viper.Viper) (Config, error) {
	c := Config{
		Host:      v.GetString("server.host"),
		Port:      v.GetInt("server.port"),
		ReadOnly:  v.GetBool("server.read_only"),
		RateLimit: v.GetFloat64("server.rate_limit"),
		RateBurst: v.GetInt("server.rate_burst"),
	}
	if c.Port < 0 || c.Port > 65535 {
		return Config{}, fmt.Errorf("server.port %d out of range", c.Port)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return Config{}, errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	return c, nil
}

// Options converts the rate and mode settings into server options.
func (c Config) Options() Options {
	return Options{ReadOnly: c.ReadOnly, RateLimit: c.RateLimit, RateBurst: c.RateBurst}
}

// LoadConfig reads configuration from file and environment variables.
// Plugin sections under plugins.<name> are defaulted by each module.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_only", false)
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.rate_burst", 200)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "wlancm.db")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.service_name", "wlancmd")
	v.SetDefault("tracing.sample_ratio", 1.0)

	// Plugin toggles; a disabled plugin is never registered.
	v.SetDefault("plugins.scan.enabled", true)
	v.SetDefault("plugins.lmac.enabled", true)
	v.SetDefault("plugins.history.enabled", true)
	v.SetDefault("plugins.webhook.enabled", false)
	v.SetDefault("plugins.mqtt.enabled", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("wlancm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/wlancm")
	}

	// Environment variable support: WLANCM_SERVER_PORT=9090
	v.SetEnvPrefix("WLANCM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
