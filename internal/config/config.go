package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "VAULTSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "vaultsync.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultMaxDistance     = 2
	defaultDecisionTimeout = 10 * time.Minute
)

// AppConfig captures runtime configuration for the server and CLI.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SearchMaxDistance  int
	SearchWeights      map[string]float64
	IdentityAliases    []string
	DecisionTimeout    time.Duration
	CORSAllowedOrigins []string
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("search.max_distance", defaultMaxDistance)
	configViper.SetDefault("search.weights", map[string]any{
		"name":     0.8,
		"email":    0.9,
		"username": 0.9,
	})
	configViper.SetDefault("identity.aliases", []string{"email", "gmail", "mail", "recovery_email", "recovery email"})
	configViper.SetDefault("import.decision_timeout", defaultDecisionTimeout)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	weights := make(map[string]float64)
	for name, raw := range configViper.GetStringMap("search.weights") {
		weight, err := cast.ToFloat64E(raw)
		if err != nil {
			return AppConfig{}, fmt.Errorf("search.weights.%s: %w", name, err)
		}
		weights[strings.ToLower(name)] = weight
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SearchMaxDistance:  configViper.GetInt("search.max_distance"),
		SearchWeights:      weights,
		IdentityAliases:    configViper.GetStringSlice("identity.aliases"),
		DecisionTimeout:    configViper.GetDuration("import.decision_timeout"),
		CORSAllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
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
	if c.SearchMaxDistance < 0 {
		return fmt.Errorf("search.max_distance must not be negative")
	}
	for name, weight := range c.SearchWeights {
		if weight <= 0 {
			return fmt.Errorf("search.weights.%s must be positive", name)
		}
	}
	if c.DecisionTimeout <= 0 {
		return fmt.Errorf("import.decision_timeout must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
