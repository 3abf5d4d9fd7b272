package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath || cfg.AppID != defaultAppID {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AuthCacheTTL != defaultAuthCacheTTL || cfg.AuthCacheErrorTTL != defaultAuthErrorTTL {
		t.Fatalf("unexpected auth cache defaults %+v", cfg)
	}
	if cfg.SessionSigningSecret != "" || cfg.PubSubRedisURL != "" || cfg.SchemaRedisURL != "" {
		t.Fatalf("expected optional settings to be empty, got %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LIVEQUERY_APP_ID", "blog")
	t.Setenv("LIVEQUERY_KEYS_MASTER", "master-secret")
	t.Setenv("LIVEQUERY_AUTH_CACHE_ERROR_TTL", "5s")
	t.Setenv("LIVEQUERY_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("LIVEQUERY_PUBSUB_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AppID != "blog" || cfg.PubSubRedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.AuthCacheErrorTTL != 5*time.Second {
		t.Fatalf("expected 5s error ttl, got %s", cfg.AuthCacheErrorTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if keys := cfg.KeyPairs(); keys["masterKey"] != "master-secret" || keys["clientKey"] != "" {
		t.Fatalf("unexpected key pairs %v", keys)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty database path", key: "database.path", value: " "},
		{name: "empty app id", key: "app.id", value: ""},
		{name: "zero cache ttl", key: "auth.cache_ttl", value: "0s"},
		{name: "negative schema ttl", key: "schema.cache_ttl", value: "-1s"},
		{name: "error ttl above cache ttl", key: "auth.cache_error_ttl", value: "10s"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected %s to be rejected", testCase.key)
			}
		})
	}
}
