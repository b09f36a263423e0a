// Package config loads the estimator configuration from the environment and
// selects the rate-limit profile.
//
// Environment variables:
//
//	REACH_ENV            profile name (development, conservative, production, aggressive)
//	REACH_API_BASE_URL   API base URL
//	REACH_API_VERSION    API version path segment
//	REACH_ACCESS_TOKEN   access token (required)
//	REACH_AD_ACCOUNT_ID  ad account the estimates are billed against
//	REDIS_URL            optional Redis for the shared cache and quota state
//	DATABASE_URL         optional PostgreSQL DSN for result persistence
//	LOG_LEVEL            debug, info, warn, error
//	LOG_PRETTY           console output instead of JSON
//	REACH_CACHE_TTL      cache entry lifetime, e.g. 24h
//	REACH_PROFILE_FILE   optional YAML file overriding profile fields
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/audience-reach/pkg/cache"
	"github.com/Sternrassler/audience-reach/pkg/client"
)

// Config is the process configuration.
type Config struct {
	Env         string
	APIBaseURL  string
	APIVersion  string
	AccessToken string
	AdAccountID string
	RedisURL    string
	DatabaseURL string
	LogLevel    string
	LogPretty   bool
	CacheTTL    time.Duration
	ProfileFile string

	// Profile is the active profile after file overrides.
	Profile Profile
}

// Load reads the configuration from the environment. Unset variables fall
// back to defaults; the result is not validated.
func Load() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("REACH_ENV", ProfileDevelopment),
		APIBaseURL:  getEnv("REACH_API_BASE_URL", client.DefaultBaseURL),
		APIVersion:  getEnv("REACH_API_VERSION", client.DefaultAPIVersion),
		AccessToken: getEnv("REACH_ACCESS_TOKEN", ""),
		AdAccountID: getEnv("REACH_AD_ACCOUNT_ID", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ProfileFile: getEnv("REACH_PROFILE_FILE", ""),
		CacheTTL:    cache.DefaultTTL,
	}

	if v := getEnv("LOG_PRETTY", ""); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_PRETTY %q: %w", v, err)
		}
		cfg.LogPretty = pretty
	}

	if v := getEnv("REACH_CACHE_TTL", ""); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REACH_CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = ttl
	}

	if err := cfg.SelectProfile(cfg.Env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SelectProfile activates the named built-in profile and applies the
// profile file on top of it.
func (c *Config) SelectProfile(name string) error {
	profile, err := ProfileByName(name)
	if err != nil {
		return err
	}
	if c.ProfileFile != "" {
		if profile, err = ApplyProfileFile(profile, c.ProfileFile); err != nil {
			return err
		}
	}
	c.Env = name
	c.Profile = profile
	return nil
}

// ApplyProfileFile overlays the fields set in a YAML file onto base. Fields
// absent from the file keep their base values.
func ApplyProfileFile(base Profile, path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile file: %w", err)
	}

	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile file: %w", err)
	}
	if p.Name == "" {
		p.Name = base.Name
	}
	return p, nil
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("REACH_ACCESS_TOKEN is required")
	}
	if c.AdAccountID == "" {
		return fmt.Errorf("REACH_AD_ACCOUNT_ID is required")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("REACH_CACHE_TTL must not be negative")
	}
	return c.Profile.Validate()
}

// ClientConfig returns the API client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.AccessToken)
	cfg.BaseURL = c.APIBaseURL
	cfg.APIVersion = c.APIVersion
	return cfg
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
