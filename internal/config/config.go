// Package config loads and validates the authkit client configuration from a
// YAML file, applying defaults for everything the file leaves unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timing knobs. These mirror the reference behavior: refresh five
// minutes ahead of expiry, re-check validity every minute, expire abandoned
// OAuth attempts after ten minutes, and bound the login window to thirty
// seconds.
const (
	DefaultRefreshBuffer     = 5 * time.Minute
	DefaultValidityInterval  = 60 * time.Second
	DefaultAttemptTTL        = 10 * time.Minute
	DefaultPopupTimeout      = 30 * time.Second
	DefaultAttemptSweepEvery = time.Hour
	DefaultRequestTimeout    = 30 * time.Second
	DefaultCallbackPort      = 48710
)

// Config describes the authkit client settings.
type Config struct {
	// BaseURL is the backend origin hosting the /auth REST surface.
	BaseURL string `yaml:"base-url" json:"base-url"`
	// AuthDir is the durable partition shared by every client process of the
	// same profile. Only the refresh credential and the cross-process
	// broadcast file live here.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`
	// ProxyURL optionally routes backend calls through a socks5/http proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`
	// CallbackPort is the local port the OAuth callback server binds to.
	CallbackPort int `yaml:"oauth-callback-port" json:"oauth-callback-port"`
	// RequestTimeoutSeconds bounds each backend HTTP call.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`
	// RefreshBufferSeconds is how far ahead of expiry a refresh fires.
	RefreshBufferSeconds int `yaml:"refresh-buffer-seconds" json:"refresh-buffer-seconds"`
	// PopupTimeoutSeconds bounds how long an OAuth login window may stay open.
	PopupTimeoutSeconds int `yaml:"oauth-popup-timeout-seconds" json:"oauth-popup-timeout-seconds"`
	// LoggingToFile switches log output to a rotating file under AuthDir/logs.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogDirMaxSizeMB caps the total size of the log directory; old rotated
	// files are deleted past the cap. Zero disables the cleanup.
	LogDirMaxSizeMB int `yaml:"log-dir-max-size-mb" json:"log-dir-max-size-mb"`
	// LogLevel selects the logrus level, defaulting to info.
	LogLevel string `yaml:"log-level" json:"log-level"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the YAML file at path. A missing file yields the defaults
// rather than an error so first runs work without any setup.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s failed: %w", path, err)
		}
	} else if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "http://localhost:8080"
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = "~/.authkit"
	}
	if c.CallbackPort <= 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = int(DefaultRequestTimeout / time.Second)
	}
	if c.RefreshBufferSeconds <= 0 {
		c.RefreshBufferSeconds = int(DefaultRefreshBuffer / time.Second)
	}
	if c.PopupTimeoutSeconds <= 0 {
		c.PopupTimeoutSeconds = int(DefaultPopupTimeout / time.Second)
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RefreshBuffer returns the refresh lead time as a duration.
func (c *Config) RefreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferSeconds) * time.Second
}

// PopupTimeout returns the OAuth window bound as a duration.
func (c *Config) PopupTimeout() time.Duration {
	return time.Duration(c.PopupTimeoutSeconds) * time.Second
}

// ResolveAuthDir expands a leading ~ and returns an absolute durable
// partition path, creating the directory when needed.
func (c *Config) ResolveAuthDir() (string, error) {
	dir := strings.TrimSpace(c.AuthDir)
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home directory failed: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("config: resolve auth-dir failed: %w", err)
	}
	if err = os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("config: create auth-dir failed: %w", err)
	}
	return abs, nil
}
