// Package config loads wsbridge settings from defaults, an optional config file and WSBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/wsbridge/bridge"
	"github.com/guseggert/wsbridge/bus"
	"github.com/guseggert/wsbridge/static"
	"github.com/guseggert/wsbridge/worker"
	"github.com/spf13/viper"
)

const (
	DefaultStaticRoot = "./public/"
	EnvPrefix         = "WSBRIDGE"
)

type Config struct {
	// Listen is the bridge's WebSocket address.
	Listen         string   `mapstructure:"listen"`
	ReadLimit      int64    `mapstructure:"read_limit"`
	OriginPatterns []string `mapstructure:"origin_patterns"`

	// Buffer is the per-subscriber event capacity.
	Buffer int `mapstructure:"buffer"`

	// ExitWithWorker stops wsbridge when the worker's output ends instead of leaving clients connected.
	ExitWithWorker bool `mapstructure:"exit_with_worker"`
	Debug          bool `mapstructure:"debug"`

	Worker WorkerConfig `mapstructure:"worker"`
	Static StaticConfig `mapstructure:"static"`
}

type WorkerConfig struct {
	// Command is the executable followed by its arguments.
	Command []string `mapstructure:"command"`
	Dir     string   `mapstructure:"dir"`
	Env     []string `mapstructure:"env"`
}

type StaticConfig struct {
	Listen     string `mapstructure:"listen"`
	Root       string `mapstructure:"root"`
	LiveReload bool   `mapstructure:"live_reload"`
}

func Default() Config {
	return Config{
		Listen:         bridge.DefaultListenAddr,
		ReadLimit:      bridge.DefaultReadLimit,
		OriginPatterns: []string{"*"},
		Buffer:         bus.DefaultCapacity,
		Worker: WorkerConfig{
			Command: append([]string{worker.DefaultCommand.Path}, worker.DefaultCommand.Args...),
		},
		Static: StaticConfig{
			Listen:     static.DefaultListenAddr,
			Root:       DefaultStaticRoot,
			LiveReload: true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("read_limit", d.ReadLimit)
	v.SetDefault("origin_patterns", d.OriginPatterns)
	v.SetDefault("buffer", d.Buffer)
	v.SetDefault("exit_with_worker", d.ExitWithWorker)
	v.SetDefault("debug", d.Debug)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.dir", d.Worker.Dir)
	v.SetDefault("worker.env", d.Worker.Env)

	v.SetDefault("static.listen", d.Static.Listen)
	v.SetDefault("static.root", d.Static.Root)
	v.SetDefault("static.live_reload", d.Static.LiveReload)
}

// Load reads the config.
// If path is empty, a "wsbridge" config file (toml, yaml or json) is looked for in the working directory and is optional.
//
// Precedence, highest first:
//  1. environment variables (WSBRIDGE_LISTEN, WSBRIDGE_WORKER_COMMAND, WSBRIDGE_STATIC_ROOT, ...)
//  2. config file values
//  3. defaults
//
// List values taken from the environment are comma separated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wsbridge")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if path != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.Static.Listen == "" {
		return errors.New("static listen address must not be empty")
	}
	if c.Buffer < 1 {
		return fmt.Errorf("buffer must be at least 1, got %d", c.Buffer)
	}
	if c.ReadLimit < 1 {
		return fmt.Errorf("read limit must be at least 1, got %d", c.ReadLimit)
	}
	if len(c.Worker.Command) == 0 || c.Worker.Command[0] == "" {
		return errors.New("worker command must not be empty")
	}
	return nil
}

// WorkerCommand returns the worker launch description. Call Validate first.
func (c Config) WorkerCommand() worker.Command {
	return worker.Command{
		Path: c.Worker.Command[0],
		Args: c.Worker.Command[1:],
		Dir:  c.Worker.Dir,
		Env:  c.Worker.Env,
	}
}
