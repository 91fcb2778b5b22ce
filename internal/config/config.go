package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "TRIPLEDGER"
	defaultHTTPAddress   = "127.0.0.1:8090"
	defaultDatabasePath  = "tripledger.db"
	defaultLogLevel      = "info"
	defaultRemoteBaseURL = ""
	defaultSMTPPort      = 587
)

// AppConfig captures runtime configuration for the device agent.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	RemoteBaseURL string
	RadioEnabled  bool
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("scanner.radio_enabled", true)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		RemoteBaseURL: configViper.GetString("remote.base_url"),
		RadioEnabled:  configViper.GetBool("scanner.radio_enabled"),
		SMTPHost:      configViper.GetString("smtp.host"),
		SMTPPort:      configViper.GetInt("smtp.port"),
		SMTPUsername:  configViper.GetString("smtp.username"),
		SMTPPassword:  configViper.GetString("smtp.password"),
		SMTPFrom:      configViper.GetString("smtp.from"),
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
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	return nil
}
