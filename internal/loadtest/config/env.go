package config

import (
	"os"

	"github.com/mstoykov/envconfig"
)

// EnvConfig holds settings that can be overridden from the environment.
// Unset variables leave the file configuration untouched.
type EnvConfig struct {
	Tick              string `envconfig:"RAMPART_TICK"`
	GracefulStop      string `envconfig:"RAMPART_GRACEFUL_STOP"`
	AbortOnFail       *bool  `envconfig:"RAMPART_ABORT_ON_FAIL"`
	AllowUndetermined *bool  `envconfig:"RAMPART_ALLOW_UNDETERMINED"`
	BaseURL           string `envconfig:"RAMPART_BASE_URL"`
	LogLevel          string `envconfig:"RAMPART_LOG_LEVEL"`
	LogFormat         string `envconfig:"RAMPART_LOG_FORMAT"`
}

// LoadEnv reads EnvConfig through lookup, or the process environment when
// lookup is nil.
func LoadEnv(lookup func(string) (string, bool)) (EnvConfig, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var env EnvConfig
	if err := envconfig.Process("", &env, lookup); err != nil {
		return EnvConfig{}, &ConfigError{Source: "environment", Err: err}
	}
	return env, nil
}

// ApplyEnv overlays set environment values on the configuration.
func (c *TestConfig) ApplyEnv(env EnvConfig) error {
	if env.Tick != "" {
		if err := c.Options.Tick.UnmarshalText([]byte(env.Tick)); err != nil {
			return &ConfigError{Source: "RAMPART_TICK", Err: err}
		}
	}
	if env.GracefulStop != "" {
		if err := c.Options.GracefulStop.UnmarshalText([]byte(env.GracefulStop)); err != nil {
			return &ConfigError{Source: "RAMPART_GRACEFUL_STOP", Err: err}
		}
	}
	if env.AbortOnFail != nil {
		c.Options.AbortOnFail = *env.AbortOnFail
	}
	if env.AllowUndetermined != nil {
		c.Options.AllowUndetermined = *env.AllowUndetermined
	}
	if env.BaseURL != "" {
		c.Settings.BaseURL = env.BaseURL
	}
	return nil
}
