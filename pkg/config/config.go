// Package config resolves server settings from defaults, an optional YAML
// file, a .env file and the environment, in increasing order of precedence.
// Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the settings for the symexpr server.
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	GRPCPort       int    `yaml:"grpc_port"`
	DBPath         string `yaml:"db"`
	ExpressionsDir string `yaml:"expressions_dir"`
	Workers        int    `yaml:"workers"`
	LogLevel       string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     8787,
		GRPCPort: 8788,
		LogLevel: "info",
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty) and the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the .env file at path into the process
// environment. Variables that are already set are left alone. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SYMEXPR_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("EXPRESSIONS_DIR"); v != "" {
		c.ExpressionsDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	for key, dst := range map[string]*int{
		"PORT":      &c.Port,
		"GRPC_PORT": &c.GRPCPort,
		"WORKERS":   &c.Workers,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number, got %q", key, v)
		}
		*dst = n
	}
	return nil
}

// Validate checks ports, worker count and log level.
func (c *Config) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if err := validatePort("grpc port", c.GRPCPort); err != nil {
		return err
	}
	if c.Port == c.GRPCPort {
		return fmt.Errorf("port and grpc port must differ (both %d)", c.Port)
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// Level returns the zap level named by LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.GRPCPort))
}
