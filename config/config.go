package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "DISKSTAGE"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Name of the drive, used as metrics prefix
	Name string `mapstructure:"name" validate:"required"`
	// Root directory relative request paths are resolved against
	Root string `mapstructure:"root" validate:"required,dir"`
	// MaxFileHandles handle cache capacity
	MaxFileHandles int `mapstructure:"max-file-handles" validate:"min=1,max=65536"`
	// TickInterval how often an idle scheduler polls
	TickInterval time.Duration `mapstructure:"tick-interval" validate:"gt=0"`
	// StatsInterval how often statistics are collected
	StatsInterval time.Duration `mapstructure:"stats-interval" validate:"gt=0"`
	// ShutdownTimeout timeout for shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"gt=0"`
	// QueueSize submission channel size
	QueueSize int `mapstructure:"queue-size" validate:"min=1"`
	// DebugMode run in debug mode
	DebugMode bool `mapstructure:"debug"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Name:            "disk",
		Root:            ".",
		MaxFileHandles:  16,
		TickInterval:    10 * time.Millisecond,
		StatsInterval:   10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		QueueSize:       256,
	}
}

// Load reads configuration with this precedence: flags, environment
// (DISKSTAGE_*), config file, defaults. An empty path or a missing file
// means no config file. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("name", d.Name)
	v.SetDefault("root", d.Root)
	v.SetDefault("max-file-handles", d.MaxFileHandles)
	v.SetDefault("tick-interval", d.TickInterval)
	v.SetDefault("stats-interval", d.StatsInterval)
	v.SetDefault("shutdown-timeout", d.ShutdownTimeout)
	v.SetDefault("queue-size", d.QueueSize)
	v.SetDefault("debug", d.DebugMode)
}

// Validate checks field constraints
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", e.Field(), e.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
