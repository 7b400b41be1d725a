package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. SIGBRIDGE_WASM_BINARY.
const EnvPrefix = "SIGBRIDGE"

// Isolation modes for the background worker.
const (
	IsolationInProcess = "inprocess"
	IsolationProcess   = "process"
)

type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	LogFile        string        `mapstructure:"log_file"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	MetricsPort    int           `mapstructure:"metrics_port"`
	Wasm           WasmConfig    `mapstructure:"wasm"`
	Channel        ChannelConfig `mapstructure:"channel"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// WasmConfig holds sandbox configuration.
type WasmConfig struct {
	// Signer binary path, optionally zstd-compressed. Empty uses the
	// embedded binary.
	Binary string `mapstructure:"binary"`
	// Directory holding a manifest.yaml. Takes precedence over Binary.
	Manifest string `mapstructure:"manifest"`
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Bound for one signing call inside the sandbox.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	// Drop the instance after a trap instead of reusing it.
	ResetOnTrap bool `mapstructure:"reset_on_trap"`
	// Re-instantiate when the binary changes on disk.
	WatchBinary bool `mapstructure:"watch_binary"`
}

// ChannelConfig holds settings for the request channel.
type ChannelConfig struct {
	// inprocess or process.
	Isolation string `mapstructure:"isolation"`
	// How long a caller waits for a response. Zero waits forever.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Executable started for process isolation. Empty means this binary.
	WorkerCommand string `mapstructure:"worker_command"`
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"log-level": "log_level",
	"log-file":  "log_file",
	"wasm":      "wasm.binary",
	"manifest":  "wasm.manifest",
	"isolation": "channel.isolation",
	"metrics":   "metrics_enabled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9090)

	// Wasm defaults
	v.SetDefault("wasm.binary", "")
	v.SetDefault("wasm.manifest", "")
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.execution_timeout", "5s")
	v.SetDefault("wasm.reset_on_trap", true)
	v.SetDefault("wasm.watch_binary", false)

	v.SetDefault("channel.isolation", IsolationInProcess)
	v.SetDefault("channel.call_timeout", "30s")
	v.SetDefault("channel.worker_command", "")
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic("config: defaults do not load: " + err.Error())
	}
	return cfg
}

// Load reads configuration from defaults, the optional file at
// configPath, SIGBRIDGE_* environment variables and any changed flags in
// flags, in increasing order of precedence.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port: %d out of range", c.MetricsPort)
	}
	if c.Wasm.MemoryPages == 0 || c.Wasm.MemoryPages > 65536 {
		return fmt.Errorf("wasm.memory_pages: %d out of range 1..65536", c.Wasm.MemoryPages)
	}
	if c.Wasm.ExecutionTimeout < 0 {
		return fmt.Errorf("wasm.execution_timeout: must not be negative")
	}
	if c.Channel.CallTimeout < 0 {
		return fmt.Errorf("channel.call_timeout: must not be negative")
	}
	switch c.Channel.Isolation {
	case IsolationInProcess, IsolationProcess:
	default:
		return fmt.Errorf("channel.isolation: unknown mode %q (must be one of: %s, %s)",
			c.Channel.Isolation, IsolationInProcess, IsolationProcess)
	}
	return nil
}
