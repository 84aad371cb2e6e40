// Package config loads run settings from defaults, an optional config file,
// FIXEDIO_ environment variables and explicit overrides, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-fixedio/internal/constants"
	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// EnvPrefix is prepended to every key when reading the environment
const EnvPrefix = "FIXEDIO"

// Keys
const (
	KeyFileCount   = "file_count"
	KeyBufferSize  = "buffer_size"
	KeyQueueDepth  = "queue_depth"
	KeyWorkDir     = "work_dir"
	KeyFillByte    = "fill_byte"
	KeyFilePattern = "file_pattern"
	KeySkipSuccess = "skip_success"
	KeyBackend     = "backend"
	KeyWaitMode    = "wait_mode"
	KeyLogLevel    = "log_level"
	KeyLogFormat   = "log_format"
	KeyStatsdAddr  = "statsd_addr"
	KeyMaxRetries  = "max_retries"
)

// Config is the flattened run configuration
type Config struct {
	FileCount   int    `mapstructure:"file_count"`
	BufferSize  Size   `mapstructure:"buffer_size"`
	QueueDepth  int    `mapstructure:"queue_depth"` // 0 derives from file_count
	WorkDir     string `mapstructure:"work_dir"`
	FillByte    uint8  `mapstructure:"fill_byte"`
	FilePattern string `mapstructure:"file_pattern"`
	SkipSuccess bool   `mapstructure:"skip_success"`
	Backend     string `mapstructure:"backend"`
	WaitMode    string `mapstructure:"wait_mode"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	StatsdAddr  string `mapstructure:"statsd_addr"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

func defaults() map[string]any {
	return map[string]any{
		KeyFileCount:   constants.DefaultFileCount,
		KeyBufferSize:  FormatSize(constants.DefaultBufferSize),
		KeyQueueDepth:  0,
		KeyWorkDir:     ".",
		KeyFillByte:    constants.DefaultFillByte,
		KeyFilePattern: constants.DefaultFilePattern,
		KeySkipSuccess: true,
		KeyBackend:     string(uring.BackendKernel),
		KeyWaitMode:    string(uring.WaitEnter),
		KeyLogLevel:    "info",
		KeyLogFormat:   "text",
		KeyStatsdAddr:  "",
		KeyMaxRetries:  constants.DefaultMaxRetries,
	}
}

// Load builds a Config. file may be empty, in which case fixedio.{yaml,toml,json}
// is looked up in the working directory and /etc/fixedio and skipped when
// absent. Overrides win over every other source.
func Load(file string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for k, val := range defaults() {
		v.SetDefault(k, val)
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fixedio")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fixedio")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	// replacing the hook drops viper's defaults, so they are composed back in
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		sizeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var sizeType = reflect.TypeOf(Size(0))

// sizeHook decodes "16M" style strings and plain integers into Size.
func sizeHook(from, to reflect.Type, data any) (any, error) {
	if to != sizeType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return ParseSize(data.(string))
	case reflect.Int, reflect.Int64, reflect.Int32:
		return Size(reflect.ValueOf(data).Int()), nil
	case reflect.Uint, reflect.Uint64, reflect.Uint32:
		return Size(reflect.ValueOf(data).Uint()), nil
	case reflect.Float64:
		return Size(data.(float64)), nil
	}
	return data, nil
}

// Validate checks the settings that only the loader can judge. Numeric
// bounds on the workload are left to the run parameters.
func (c *Config) Validate() error {
	switch uring.Backend(c.Backend) {
	case uring.BackendKernel, uring.BackendGiouring, uring.BackendSim:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch uring.WaitMode(c.WaitMode) {
	case uring.WaitEnter, uring.WaitEventFD:
	default:
		return fmt.Errorf("%w: wait_mode must be enter or eventfd, got %q", ErrInvalid, c.WaitMode)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalid, c.LogFormat)
	}
	if c.FilePattern == "" || !strings.Contains(c.FilePattern, "%d") {
		return fmt.Errorf("%w: file_pattern %q needs a %%d verb", ErrInvalid, c.FilePattern)
	}
	if c.WorkDir == "" {
		return fmt.Errorf("%w: work_dir is empty", ErrInvalid)
	}
	return nil
}

// LoggingConfig derives logger settings
func (c *Config) LoggingConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.LogLevel); err == nil {
		lc.Level = lvl
	}
	lc.Format = c.LogFormat
	return lc
}
