package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all runtime settings, loaded from the TOML config file with
// KEYGATE__ environment variable overrides.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	BaseURL  string `mapstructure:"baseUrl"`
	LogLevel string `mapstructure:"logLevel"`
	DataDir  string `mapstructure:"dataDir"`

	License LicenseConfig `mapstructure:"license"`
	IMAP    IMAPConfig    `mapstructure:"imap"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Watcher WatcherConfig `mapstructure:"watcher"`
}

// LicenseConfig controls key generation and activation ceilings.
type LicenseConfig struct {
	KeyPrefix      string `mapstructure:"keyPrefix"`
	MaxActivations int    `mapstructure:"maxActivations"`
	ProductName    string `mapstructure:"productName"`
}

// IMAPConfig holds the mailbox the watcher polls for order confirmations.
type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Mailbox  string `mapstructure:"mailbox"`
}

// SMTPConfig holds the outbound mail settings for license delivery.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// WatcherConfig controls the mail watcher loop.
type WatcherConfig struct {
	PollIntervalSeconds int    `mapstructure:"pollIntervalSeconds"`
	APIURL              string `mapstructure:"apiUrl"`
}

type AppConfig struct {
	Config *Config
	viper  *viper.Viper
}

func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &Config{},
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 8090)
	c.viper.SetDefault("baseUrl", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("dataDir", "")

	c.viper.SetDefault("license.keyPrefix", "LOL")
	c.viper.SetDefault("license.maxActivations", 3)
	c.viper.SetDefault("license.productName", "Land of Love")

	c.viper.SetDefault("imap.host", "")
	c.viper.SetDefault("imap.port", 993)
	c.viper.SetDefault("imap.mailbox", "INBOX")

	c.viper.SetDefault("smtp.host", "")
	c.viper.SetDefault("smtp.port", 587)

	c.viper.SetDefault("watcher.pollIntervalSeconds", 60)
	c.viper.SetDefault("watcher.apiUrl", "http://localhost:8090")
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		c.viper.SetConfigFile(configPath)
	} else {
		dir, err := DefaultConfigDir()
		if err != nil {
			return err
		}
		c.viper.AddConfigPath(dir)
		c.viper.SetConfigName("config")
	}

	// Environment overrides: KEYGATE__SMTP_HOST, KEYGATE__LOG_LEVEL, etc.
	c.viper.SetEnvPrefix("KEYGATE_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
		log.Debug().Msg("No config file found, using defaults and environment")
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// watchConfig reloads settings when the config file changes on disk. Only the
// log level takes effect without a restart.
func (c *AppConfig) watchConfig() {
	if c.viper.ConfigFileUsed() == "" {
		return
	}

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Failed to reload config")
			return
		}
		c.ApplyLogConfig()
		log.Info().Str("file", e.Name).Msg("Config reloaded")
	})
	c.viper.WatchConfig()
}

// ApplyLogConfig sets the global zerolog level from the config.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		log.Warn().Str("logLevel", c.Config.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// GetDatabasePath returns the SQLite database path: inside dataDir when
// configured, otherwise next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	if c.Config.DataDir != "" {
		return filepath.Join(c.Config.DataDir, "keygate.db")
	}
	if used := c.viper.ConfigFileUsed(); used != "" {
		return filepath.Join(filepath.Dir(used), "keygate.db")
	}
	return "./data/keygate.db"
}

// DefaultConfigDir returns the OS-specific directory for the config file.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return filepath.Join(base, "keygate"), nil
}
