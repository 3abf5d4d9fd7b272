package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "LIVEQUERY"
	defaultHTTPAddress    = "0.0.0.0:1337"
	defaultDatabasePath   = "livequery.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultAppID          = "livequery"
	defaultAuthCacheTTL   = 5 * time.Second
	defaultAuthErrorTTL   = time.Second
	defaultSchemaCacheTTL = 5 * time.Second
	defaultSessionTTL     = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	AppID                string
	MasterKey            string
	ClientKey            string
	JavascriptKey        string
	RestAPIKey           string
	AllowedOrigins       []string
	AuthCacheTTL         time.Duration
	AuthCacheErrorTTL    time.Duration
	SessionSigningSecret string
	SessionTTL           time.Duration
	PubSubRedisURL       string
	SchemaCacheTTL       time.Duration
	SchemaRedisURL       string
}

// KeyPairs returns the configured connect keys by their protocol names.
func (c AppConfig) KeyPairs() map[string]string {
	return map[string]string{
		"masterKey":     c.MasterKey,
		"clientKey":     c.ClientKey,
		"javascriptKey": c.JavascriptKey,
		"restAPIKey":    c.RestAPIKey,
	}
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("app.id", defaultAppID)
	configViper.SetDefault("keys.master", "")
	configViper.SetDefault("keys.client", "")
	configViper.SetDefault("keys.javascript", "")
	configViper.SetDefault("keys.rest", "")
	configViper.SetDefault("auth.cache_ttl", defaultAuthCacheTTL)
	configViper.SetDefault("auth.cache_error_ttl", defaultAuthErrorTTL)
	configViper.SetDefault("auth.session_signing_secret", "")
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)
	configViper.SetDefault("pubsub.redis_url", "")
	configViper.SetDefault("schema.cache_ttl", defaultSchemaCacheTTL)
	configViper.SetDefault("schema.redis_url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		AppID:                configViper.GetString("app.id"),
		MasterKey:            configViper.GetString("keys.master"),
		ClientKey:            configViper.GetString("keys.client"),
		JavascriptKey:        configViper.GetString("keys.javascript"),
		RestAPIKey:           configViper.GetString("keys.rest"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		AuthCacheTTL:         configViper.GetDuration("auth.cache_ttl"),
		AuthCacheErrorTTL:    configViper.GetDuration("auth.cache_error_ttl"),
		SessionSigningSecret: configViper.GetString("auth.session_signing_secret"),
		SessionTTL:           configViper.GetDuration("auth.session_ttl"),
		PubSubRedisURL:       configViper.GetString("pubsub.redis_url"),
		SchemaCacheTTL:       configViper.GetDuration("schema.cache_ttl"),
		SchemaRedisURL:       configViper.GetString("schema.redis_url"),
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
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("app.id is required")
	}
	if c.AuthCacheTTL <= 0 {
		return fmt.Errorf("auth.cache_ttl must be positive")
	}
	if c.AuthCacheErrorTTL <= 0 {
		return fmt.Errorf("auth.cache_error_ttl must be positive")
	}
	if c.AuthCacheErrorTTL > c.AuthCacheTTL {
		return fmt.Errorf("auth.cache_error_ttl must not exceed auth.cache_ttl")
	}
	if c.SchemaCacheTTL < 0 {
		return fmt.Errorf("schema.cache_ttl must not be negative")
	}
	return nil
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
