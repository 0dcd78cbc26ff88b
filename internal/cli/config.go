package cli

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/campusbite/ordersync/internal/dashboard"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the dashboard CLI configuration, merged from flags, the
// ORDERSYNC_* environment and an optional config file.
type Config struct {
	Gateway      string        `mapstructure:"gateway"`
	Token        string        `mapstructure:"token"`
	RetryDelay   time.Duration `mapstructure:"retry-delay"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	CacheTTL     time.Duration `mapstructure:"cache-ttl"`
	LogLevel     string        `mapstructure:"log-level"`
	LogFormat    string        `mapstructure:"log-format"`
}

var (
	errNoGateway = errors.New("gateway URL is required (--gateway or ORDERSYNC_GATEWAY)")
	errNoToken   = errors.New("access token is required (--token or ORDERSYNC_TOKEN)")
)

// LoadConfig decodes v into a Config. Durations accept Go syntax ("3s") or
// plain seconds.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoderConfigOption := viper.DecoderConfigOption(func(config *mapstructure.DecoderConfig) {
		config.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			config.DecodeHook,
		)
	})
	if err := v.Unmarshal(&cfg, decoderConfigOption); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}

	cfg.Gateway = strings.TrimSpace(cfg.Gateway)
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Gateway == "" {
		return nil, errNoGateway
	}
	if cfg.Token == "" {
		return nil, errNoToken
	}
	return &cfg, nil
}

// DashboardOptions maps the timing settings onto dashboard options.
func (c *Config) DashboardOptions() dashboard.Options {
	return dashboard.Options{
		RetryDelay:   c.RetryDelay,
		PollInterval: c.PollInterval,
		CacheTTL:     c.CacheTTL,
	}
}

// secondsToDurationHookFunc turns bare numbers into seconds. Strings are
// left to mapstructure's own duration hook.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch n := data.(type) {
		case int:
			return time.Duration(n) * time.Second, nil
		case int64:
			return time.Duration(n) * time.Second, nil
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		}
		return data, nil
	}
}
