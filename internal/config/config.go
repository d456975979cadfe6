package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix = "DECKSYNC"

	defaultDatabasePath     = "decksync.db"
	defaultLogLevel         = "info"
	defaultMediaConcurrency = 5
	defaultMediaRatePerMin  = 50
	defaultStoreBatchSize   = 500
	defaultTransferAttempts = 3
)

// AppConfig captures runtime configuration for the sync engine and CLI.
type AppConfig struct {
	DatabasePath     string
	MediaDir         string
	MediaEndpoint    string
	MediaConcurrency int
	MediaRatePerMin  int
	TransferAttempts int
	StoreBatchSize   int
	LogLevel         string

	HomeDeck         string
	NewNotesHomeDeck string
	SuspendNewCards  bool
	KeepDeckLayout   bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("media.dir", "")
	configViper.SetDefault("media.endpoint", "")
	configViper.SetDefault("media.concurrency", defaultMediaConcurrency)
	configViper.SetDefault("media.rate_per_minute", defaultMediaRatePerMin)
	configViper.SetDefault("media.transfer_attempts", defaultTransferAttempts)
	configViper.SetDefault("store.batch_size", defaultStoreBatchSize)
	configViper.SetDefault("import.home_deck", "")
	configViper.SetDefault("import.new_notes_home_deck", "")
	configViper.SetDefault("import.suspend_new_cards", false)
	configViper.SetDefault("import.keep_deck_layout", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:     configViper.GetString("database.path"),
		MediaDir:         configViper.GetString("media.dir"),
		MediaEndpoint:    configViper.GetString("media.endpoint"),
		MediaConcurrency: configViper.GetInt("media.concurrency"),
		MediaRatePerMin:  configViper.GetInt("media.rate_per_minute"),
		TransferAttempts: configViper.GetInt("media.transfer_attempts"),
		StoreBatchSize:   configViper.GetInt("store.batch_size"),
		LogLevel:         configViper.GetString("log.level"),
		HomeDeck:         configViper.GetString("import.home_deck"),
		NewNotesHomeDeck: configViper.GetString("import.new_notes_home_deck"),
		SuspendNewCards:  configViper.GetBool("import.suspend_new_cards"),
		KeepDeckLayout:   configViper.GetBool("import.keep_deck_layout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MediaConcurrency < 1 {
		return fmt.Errorf("media.concurrency must be positive")
	}
	if c.MediaRatePerMin < 1 {
		return fmt.Errorf("media.rate_per_minute must be positive")
	}
	if c.TransferAttempts < 1 {
		return fmt.Errorf("media.transfer_attempts must be positive")
	}
	if c.StoreBatchSize < 1 {
		return fmt.Errorf("store.batch_size must be positive")
	}
	return nil
}
