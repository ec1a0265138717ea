package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	envVarPrefix = "UFSTOOL"
	appName      = "ufstool"
)

// Config holds settings that apply to every command. Values come from the
// config file first, then the environment, then command-line flags.
type Config struct {
	LogLevel      string `envconfig:"LOG_LEVEL"       yaml:"logLevel"`
	LogFormat     string `envconfig:"LOG_FORMAT"      yaml:"logFormat"`
	DefaultLayout string `envconfig:"DEFAULT_LAYOUT"  yaml:"defaultLayout"`
	LazyInodeInit bool   `envconfig:"LAZY_INODE_INIT" yaml:"lazyInodeInit"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "warning",
		LogFormat:     "text",
		DefaultLayout: "floppy-1440k",
	}
}

// configFilePath returns the path in UFSTOOL_CONFIG_FILE, or the per-user
// default if that's not set.
func configFilePath() string {
	configFile := os.Getenv(envVarPrefix + "_CONFIG_FILE")
	if configFile != "" {
		return configFile
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, appName, appName+".yaml")
}

// LoadConfig reads the config file if there is one, then applies overrides from
// the environment. A missing config file is not an error.
func LoadConfig() (*Config, error) {
	c := defaultConfig()

	configFile := configFilePath()
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling config file %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &c, nil
}

// ConfigureLogging applies the logging settings to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	logrus.SetLevel(level)

	switch c.LogFormat {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q: expected \"text\" or \"json\"", c.LogFormat)
	}
	logrus.SetOutput(os.Stderr)
	return nil
}
