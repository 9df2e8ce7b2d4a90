package util

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`
	Commit    string `yaml:"-"`
	DebugAST  bool   `yaml:"debugAst"`

	Log     LogConfig     `yaml:"log"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Journal JournalConfig `yaml:"journal"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error, none
	File   string `yaml:"file"`   // empty logs to stderr
	Format string `yaml:"format"` // text or json
	Color  bool   `yaml:"color"`
}

type RuntimeConfig struct {
	// MaxCallDepth bounds nested function calls; exceeding it raises StackOverflow.
	MaxCallDepth int `yaml:"maxCallDepth"`
	// QueueSize is the capacity of the scheduler job queue.
	QueueSize int `yaml:"queueSize"`
	// MinInterval is the smallest interval accepted by scheduling capabilities; shorter ones are raised to it.
	MinInterval time.Duration `yaml:"minInterval"`
}

type JournalConfig struct {
	Driver string `yaml:"driver"` // sqlite, sqlite3 or mysql; empty disables the journal
	DSN    string `yaml:"dsn"`
}

type HTTPConfig struct {
	// Host is the interface servers created with http.new listen on.
	Host string `yaml:"host"`
	// HandlerTimeout bounds how long a request waits for its handler; slower ones get 504.
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`
}

const (
	DefaultHTTPHost       = "localhost"
	DefaultHandlerTimeout = 30 * time.Second
	DefaultMaxCallDepth = 5000
	DefaultQueueSize    = 256
	DefaultMinInterval  = time.Millisecond
)

func DefaultConfiguration() Configuration {
	return Configuration{
		Version:   "dev",
		BuildDate: "unknown",
		Commit:    "unknown",
		Log: LogConfig{
			Level:  "none",
			Format: "text",
			Color:  true,
		},
		Runtime: RuntimeConfig{
			MaxCallDepth: DefaultMaxCallDepth,
			QueueSize:    DefaultQueueSize,
			MinInterval:  DefaultMinInterval,
		},
		HTTP: HTTPConfig{
			Host:           DefaultHTTPHost,
			HandlerTimeout: DefaultHandlerTimeout,
		},
	}
}

// LoadConfiguration overlays the YAML file at path onto the defaults.
func LoadConfiguration(path string) (Configuration, error) {
	config := DefaultConfiguration()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("unable to read configuration %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return config, fmt.Errorf("unable to parse configuration %s: %w", path, err)
	}

	return config, config.Validate()
}

// Validate replaces unset runtime limits with defaults and rejects nonsensical ones.
func (c *Configuration) Validate() error {
	if c.Runtime.MaxCallDepth == 0 {
		c.Runtime.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.Runtime.QueueSize == 0 {
		c.Runtime.QueueSize = DefaultQueueSize
	}
	if c.Runtime.MaxCallDepth < 0 {
		return fmt.Errorf("runtime.maxCallDepth must be positive, got %d", c.Runtime.MaxCallDepth)
	}
	if c.Runtime.QueueSize < 0 {
		return fmt.Errorf("runtime.queueSize must be positive, got %d", c.Runtime.QueueSize)
	}
	if c.Runtime.MinInterval < 0 {
		return fmt.Errorf("runtime.minInterval must not be negative, got %s", c.Runtime.MinInterval)
	}
	if c.HTTP.HandlerTimeout < 0 {
		return fmt.Errorf("http.handlerTimeout must not be negative, got %s", c.HTTP.HandlerTimeout)
	}
	switch c.Journal.Driver {
	case "", "sqlite", "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported journal driver %q", c.Journal.Driver)
	}
	return nil
}
