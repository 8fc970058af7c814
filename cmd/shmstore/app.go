package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/srediag/shmstore/internal/confloader"
	"github.com/srediag/shmstore/pkg/shm"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const (
	settingsKey = "settings"
	loaderKey   = "loader"

	envPrefix = "SHMSTORE_"
)

// settings is the command configuration as read from file and environment.
type settings struct {
	Dir               string        `koanf:"dir"`
	DefaultCapacity   uint64        `koanf:"default_capacity"`
	CompressThreshold int           `koanf:"compress_threshold"`
	CheckFreeSpace    bool          `koanf:"check_free_space"`
	LockPollInterval  time.Duration `koanf:"lock_poll_interval"`
	LogLevel          int           `koanf:"log_level"`
	Serve             struct {
		Address      string        `koanf:"address"`
		CheckTimeout time.Duration `koanf:"check_timeout"`
	} `koanf:"serve"`
}

func defaultSettings() map[string]any {
	config := shm.DefaultConfig()
	return map[string]any{
		"dir":                config.Dir,
		"default_capacity":   config.DefaultCapacity,
		"compress_threshold": config.CompressThreshold,
		"check_free_space":   config.CheckFreeSpace,
		"lock_poll_interval": config.LockPollInterval.String(),
		"log_level":          shm.LogLevelWarn,
		"serve": map[string]any{
			"address":       ":9464",
			"check_timeout": "1s",
		},
	}
}

func (s *settings) config() *shm.Config {
	return &shm.Config{
		Dir:               s.Dir,
		DefaultCapacity:   s.DefaultCapacity,
		CompressThreshold: s.CompressThreshold,
		CheckFreeSpace:    s.CheckFreeSpace,
		LockPollInterval:  s.LockPollInterval,
		LogLevel:          s.LogLevel,
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "shmstore",
		Usage:   "manage shared memory key-value storages",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{envPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "directory holding the region files",
			},
			&cli.IntFlag{
				Name:  "log-level",
				Usage: "0 trace, 1 debug, 2 info, 3 warn, 4 error, 5 silent",
			},
		},
		Before: loadSettings,
		Commands: []*cli.Command{
			createCommand(),
			destroyCommand(),
			setCommand(),
			getCommand(),
			removeCommand(),
			clearCommand(),
			keysCommand(),
			statCommand(),
			verifyCommand(),
			inspectCommand(),
			benchCommand(),
			serveCommand(),
			configCommand(),
		},
	}
}

func loadSettings(c *cli.Context) error {
	var s settings
	loader := confloader.NewLoader(
		confloader.WithEnvPrefix(envPrefix),
		confloader.WithConfigFile(c.String("config")),
		confloader.WithDefaults(defaultSettings()),
	)
	if err := loader.Load(&s); err != nil {
		return err
	}
	if c.IsSet("dir") {
		s.Dir = c.String("dir")
	}
	if c.IsSet("log-level") {
		s.LogLevel = c.Int("log-level")
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[settingsKey] = &s
	c.App.Metadata[loaderKey] = loader
	return nil
}

func settingsFrom(c *cli.Context) *settings {
	if s, ok := c.App.Metadata[settingsKey].(*settings); ok {
		return s
	}
	return &settings{}
}

// openDirectory builds a Directory from the loaded settings. mutate may
// adjust the config first.
func openDirectory(c *cli.Context, mutate ...func(*shm.Config)) (*shm.Directory, error) {
	config := settingsFrom(c).config()
	for _, m := range mutate {
		m(config)
	}
	return shm.NewDirectory(config)
}

// withStorage attaches to the storage named by the first argument and runs
// fn with it.
func withStorage(c *cli.Context, fn func(*shm.Storage) error) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("missing storage name")
	}
	d, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer d.Close()
	st, err := d.Get(c.Context, name)
	if err != nil {
		return err
	}
	return fn(st)
}
