package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.write_timeout", "30m")
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "")
	v.SetDefault("database.path", "./sitebackup.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_token_ttl", "15m")
	v.SetDefault("auth.api_key_hashes", []string{})
	v.SetDefault("auth.admin_role", "admin")

	v.SetDefault("backup.data_root", "./data")
	v.SetDefault("backup.store_dir", "_site_backups")
	v.SetDefault("backup.archive_ext", ".zip")
	v.SetDefault("backup.protected_paths", []string{
		".git", "node_modules", "package.json", "package-lock.json", "public", "src",
	})
	v.SetDefault("backup.confirm_token", "CONFIRM_RESTORE")
	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.max_entry_bytes", int64(10<<30))
	v.SetDefault("backup.config.primary", "./config.yaml")
	v.SetDefault("backup.config.mirrors", []string{})
	v.SetDefault("backup.config.entry_name", "config.yaml")
	v.SetDefault("backup.config.default_path", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sitebackup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sitebackup")
	}

	// Environment variable support: SB_BACKUP_DATA_ROOT=/srv/data
	v.SetEnvPrefix("SB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
