// Package config resolves the control plane's environment-variable
// configuration into a single struct, failing fast on missing required
// secrets. Grounded on the teacher's cmd/serve.go bootstrap (os.Getenv
// calls scattered through the serve command with ad hoc log.Fatal
// guards) but consolidated into one constructor so cmd/serve.go has a
// single place to read from. Unrecognized environment variables are
// ignored, matching the teacher.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting the control plane needs
// at startup.
type Config struct {
	Port        int
	NodeEnv     string
	DrainTimeout time.Duration

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ObjectStoreBucket          string
	ObjectStoreRegion          string
	ObjectStoreEndpoint        string
	ObjectStoreAccessKeyID     string
	ObjectStoreSecretAccessKey string
	ObjectStoreForcePathStyle  bool

	NodeTLSCAFile   string
	NodeTLSCertFile string
	NodeTLSKeyFile  string

	OAuthIssuerURL    string
	OAuthClientID     string
	OAuthClientSecret string

	JWTSigningSecret string
	AdminToken       string
}

// IsProduction reports whether NodeEnv selects production-style behavior
// (JSON logging, stricter defaults).
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.NodeEnv, "production")
}

// Load reads Config from the environment, returning an error that names
// every missing required secret at once rather than failing on the first.
func Load() (*Config, error) {
	c := &Config{
		Port:         envInt("PORT", 8080),
		NodeEnv:      envOrDefault("NODE_ENV", "development"),
		DrainTimeout: time.Duration(envInt("DRAIN_TIMEOUT_MS", 10_000)) * time.Millisecond,

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ObjectStoreBucket:          os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStoreRegion:          envOrDefault("OBJECT_STORE_REGION", "us-east-1"),
		ObjectStoreEndpoint:        os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreAccessKeyID:     os.Getenv("OBJECT_STORE_ACCESS_KEY_ID"),
		ObjectStoreSecretAccessKey: os.Getenv("OBJECT_STORE_SECRET_ACCESS_KEY"),
		ObjectStoreForcePathStyle:  os.Getenv("OBJECT_STORE_FORCE_PATH_STYLE") == "true",

		NodeTLSCAFile:   os.Getenv("NODE_TLS_CA_FILE"),
		NodeTLSCertFile: os.Getenv("NODE_TLS_CERT_FILE"),
		NodeTLSKeyFile:  os.Getenv("NODE_TLS_KEY_FILE"),

		OAuthIssuerURL:    os.Getenv("OAUTH_ISSUER_URL"),
		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),

		JWTSigningSecret: os.Getenv("JWT_SIGNING_SECRET"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
	}

	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.ObjectStoreBucket == "" {
		missing = append(missing, "OBJECT_STORE_BUCKET")
	}
	if c.JWTSigningSecret == "" {
		missing = append(missing, "JWT_SIGNING_SECRET")
	}
	if c.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return c, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
