// Package config turns the layered Viper configuration into typed settings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/HerbHall/sitebackup/internal/backup"
	"github.com/HerbHall/sitebackup/internal/server"
)

// MinSecretLength is the shortest accepted JWT signing secret.
const MinSecretLength = 32

// ErrNoCredentials is returned when neither a JWT secret nor an API key hash
// is configured. The backup API has no anonymous mode.
var ErrNoCredentials = errors.New("no admin credential configured: set auth.jwt_secret or auth.api_key_hashes")

// AuthConfig is the "auth" section.
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	APIKeyHashes   []string      `mapstructure:"api_key_hashes"`
	AdminRole      string        `mapstructure:"admin_role"`
}

// DatabaseConfig is the "database" section.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the complete application configuration.
type Config struct {
	Server   server.Config   `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Auth     AuthConfig      `mapstructure:"auth"`
	Backup   backup.Settings `mapstructure:"backup"`
}

// Load decodes v. Unmarshal is used over UnmarshalKey so that environment
// overrides of nested keys apply. Backup paths are made absolute.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	c.Backup = c.Backup.WithDefaults()
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}
	return &c, nil
}

// ValidateAuth checks the settings the HTTP server depends on.
func (c *Config) ValidateAuth() error {
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeyHashes) == 0 {
		return ErrNoCredentials
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", MinSecretLength)
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be positive, got %s", c.Auth.AccessTokenTTL)
	}
	return nil
}
