package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jrepp/procvisor/pkg/procmgr"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (PROCVISOR_SUPERVISOR_STOP_TIMEOUT, ...)
const EnvPrefix = "PROCVISOR"

// Config holds the procvisor configuration
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	WorkersDir string           `mapstructure:"workers_dir"`
	Workers    []Manifest       `mapstructure:"workers"`
	Log        LogConfig        `mapstructure:"log"`
	Status     StatusConfig     `mapstructure:"status"`
}

// SupervisorConfig holds the supervisor timings and restart policy.
// Durations accept Go syntax ("1500ms") or a plain number of seconds.
type SupervisorConfig struct {
	CheckTimeout       time.Duration `mapstructure:"check_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	RestartOnCleanExit bool          `mapstructure:"restart_on_clean_exit"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
	Signals            []string      `mapstructure:"signals"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig holds the status endpoints; an empty address disables one
type StatusConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// NewViper returns a viper instance with procvisor defaults and environment
// overrides applied. Callers may bind flags before passing it to Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("procvisor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/procvisor")

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.check_timeout", procmgr.DefaultCheckInterval)
	v.SetDefault("supervisor.stop_timeout", procmgr.DefaultStopGracePeriod)
	v.SetDefault("supervisor.restart_on_clean_exit", true)
	v.SetDefault("supervisor.max_restarts", 0)
	v.SetDefault("supervisor.signals", []string{})
	v.SetDefault("workers_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("status.grpc_addr", "")
	v.SetDefault("status.http_addr", "")
}

// Load reads configFile (or searches the default locations when empty) and
// decodes the merged file, environment and flag values.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read config file (ignore if not found - use defaults)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// WriteDefaultConfig writes the default settings to path. It refuses to
// overwrite an existing file.
func WriteDefaultConfig(path string) error {
	v := viper.New()
	setDefaults(v)
	v.Set("supervisor.check_timeout", procmgr.DefaultCheckInterval.String())
	v.Set("supervisor.stop_timeout", procmgr.DefaultStopGracePeriod.String())
	v.Set("workers_dir", "./workers")

	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// secondsHook decodes bare numbers into durations measured in seconds
func secondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}

		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

// Validate checks the configuration before anything is started
func (c *Config) Validate() error {
	if c.Supervisor.CheckTimeout <= 0 {
		return procmgr.NewConfigurationError("supervisor.check_timeout", c.Supervisor.CheckTimeout,
			"check_timeout must be positive")
	}
	if c.Supervisor.StopTimeout <= 0 {
		return procmgr.NewConfigurationError("supervisor.stop_timeout", c.Supervisor.StopTimeout,
			"stop_timeout must be positive")
	}
	if c.Supervisor.MaxRestarts < 0 {
		return procmgr.NewConfigurationError("supervisor.max_restarts", c.Supervisor.MaxRestarts,
			"max_restarts cannot be negative")
	}
	if _, err := procmgr.ParseSignals(c.Supervisor.Signals); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return procmgr.NewConfigurationError("log.level", c.Log.Level, err.Error())
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return procmgr.NewConfigurationError("log.format", c.Log.Format,
			"log.format must be json or text")
	}
	if c.WorkersDir == "" && len(c.Workers) == 0 {
		return procmgr.NewConfigurationError("workers", nil,
			"no workers configured; set workers_dir or list workers inline")
	}
	return nil
}

// SupervisorOptions translates the configuration into supervisor options
func (c *Config) SupervisorOptions() ([]procmgr.Option, error) {
	opts := []procmgr.Option{
		procmgr.WithCheckInterval(c.Supervisor.CheckTimeout),
		procmgr.WithStopGracePeriod(c.Supervisor.StopTimeout),
		procmgr.WithRestartPolicy(procmgr.RestartPolicy{
			OnCleanExit: c.Supervisor.RestartOnCleanExit,
			MaxRestarts: c.Supervisor.MaxRestarts,
		}),
	}

	if len(c.Supervisor.Signals) > 0 {
		signals, err := procmgr.ParseSignals(c.Supervisor.Signals)
		if err != nil {
			return nil, err
		}
		opts = append(opts, procmgr.WithSignals(signals...))
	}

	return opts, nil
}

// Registry builds the worker registry from workers_dir and the inline list
func (c *Config) Registry(logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry(c.WorkersDir, logger)

	if c.WorkersDir != "" {
		if err := registry.Discover(); err != nil {
			return nil, err
		}
	}

	for i := range c.Workers {
		if err := registry.Add(&c.Workers[i]); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
