package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultScopes is the scope set requested when SCOPES is not configured.
const DefaultScopes = "patient/Patient.read patient/Observation.read offline_access openid launch"

type Config struct {
	Port         string `mapstructure:"PORT"`
	Env          string `mapstructure:"ENV"`
	ClientID     string `mapstructure:"CLIENT_ID"`
	ClientSecret string `mapstructure:"CLIENT_SECRET"`
	RedirectURI  string `mapstructure:"REDIRECT_URI"`
	FHIRBase     string `mapstructure:"FHIR_BASE"`
	Scopes       string `mapstructure:"SCOPES"`
	UsePKCE      bool   `mapstructure:"USE_PKCE"`

	SessionSecret string        `mapstructure:"SESSION_SECRET"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	SessionStore  string        `mapstructure:"SESSION_STORE"`
	CookieSecure  bool          `mapstructure:"COOKIE_SECURE"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`

	HTTPTimeout    time.Duration `mapstructure:"HTTP_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	SandboxPort       string `mapstructure:"SANDBOX_PORT"`
	SandboxBaseURL    string `mapstructure:"SANDBOX_BASE_URL"`
	SandboxPatients   int    `mapstructure:"SANDBOX_PATIENTS"`
	SandboxSeed       int64  `mapstructure:"SANDBOX_SEED"`
	SandboxSigningKey string `mapstructure:"SANDBOX_SIGNING_KEY"`
}

var envKeys = []string{
	"PORT", "ENV", "CLIENT_ID", "CLIENT_SECRET", "REDIRECT_URI", "FHIR_BASE", "SCOPES", "USE_PKCE",
	"SESSION_SECRET", "SESSION_TTL", "SESSION_STORE", "COOKIE_SECURE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"HTTP_TIMEOUT", "REQUEST_TIMEOUT",
	"SANDBOX_PORT", "SANDBOX_BASE_URL", "SANDBOX_PATIENTS", "SANDBOX_SEED", "SANDBOX_SIGNING_KEY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "5001")
	v.SetDefault("ENV", "development")
	v.SetDefault("SCOPES", DefaultScopes)
	v.SetDefault("USE_PKCE", true)
	v.SetDefault("SESSION_TTL", "1h")
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SANDBOX_PORT", "8090")
	v.SetDefault("SANDBOX_BASE_URL", "http://localhost:8090")
	v.SetDefault("SANDBOX_PATIENTS", 10)
	v.SetDefault("SANDBOX_SEED", 42)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.FHIRBase = strings.TrimRight(cfg.FHIRBase, "/")
	cfg.SandboxBaseURL = strings.TrimRight(cfg.SandboxBaseURL, "/")

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsConfidential reports whether the app authenticates to the token endpoint
// with a client secret.
func (c *Config) IsConfidential() bool {
	return c.ClientSecret != ""
}

// Validate checks the settings the launch app needs. Outside development a
// SESSION_SECRET is mandatory; in development a missing secret is replaced by
// a fixed key and a warning is printed.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("REDIRECT_URI is required")
	}
	if c.FHIRBase == "" {
		return fmt.Errorf("FHIR_BASE is required")
	}

	switch c.SessionStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE is \"postgres\"")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be \"memory\" or \"postgres\", got %q", c.SessionStore)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}

	if c.SessionSecret == "" {
		if !c.IsDev() {
			return fmt.Errorf("SESSION_SECRET is required when ENV=%q", c.Env)
		}
		c.SessionSecret = "super-secret-key"
		log.Println("WARNING: SESSION_SECRET is not set; using a fixed development key.")
		log.Println("WARNING: Do NOT use this configuration outside local development.")
	}

	return nil
}

// ValidateSandbox checks the settings the sandbox FHIR server needs.
func (c *Config) ValidateSandbox() error {
	if c.SandboxPort == "" {
		return fmt.Errorf("SANDBOX_PORT is required")
	}
	if c.SandboxBaseURL == "" {
		return fmt.Errorf("SANDBOX_BASE_URL is required")
	}
	if c.SandboxPatients <= 0 {
		return fmt.Errorf("SANDBOX_PATIENTS must be positive, got %d", c.SandboxPatients)
	}
	if c.SandboxSigningKey != "" {
		if _, err := hex.DecodeString(c.SandboxSigningKey); err != nil {
			return fmt.Errorf("SANDBOX_SIGNING_KEY is not valid hex: %w", err)
		}
	}
	return nil
}

// SandboxFHIRBase is the FHIR base URL served by the sandbox.
func (c *Config) SandboxFHIRBase() string {
	return c.SandboxBaseURL + "/fhir"
}
