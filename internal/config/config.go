package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds this server's process-wide settings (spec §10 ambient
// config), grounded on the teacher's Load/Validate/IsDev/IsProduction/
// ResolvedAuthMode viper pattern with its Postgres/HIPAA fields replaced by
// the tenant-registry and dispatch-timeout fields this server needs.
type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	AuthMode            string   `mapstructure:"AUTH_MODE"`
	DefaultTenant       string   `mapstructure:"DEFAULT_TENANT"`
	TenantConfigPath    string   `mapstructure:"TENANT_CONFIG_PATH"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	HeartbeatInterval   int      `mapstructure:"HEARTBEAT_INTERVAL_SECONDS"`
	DispatchTimeoutREST int      `mapstructure:"DISPATCH_TIMEOUT_REST_SECONDS"`
	DispatchTimeoutSMTP int      `mapstructure:"DISPATCH_TIMEOUT_SMTP_SECONDS"`
	DispatchTimeoutZulip int     `mapstructure:"DISPATCH_TIMEOUT_ZULIP_SECONDS"`
	SMARTSigningKey     string   `mapstructure:"SMART_SIGNING_KEY"`
}

// Load reads process configuration from the environment (and an optional
// .env file), grounded on the teacher's Load.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("TENANT_CONFIG_PATH", "tenants.json")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 2)
	v.SetDefault("DISPATCH_TIMEOUT_REST_SECONDS", 30)
	v.SetDefault("DISPATCH_TIMEOUT_SMTP_SECONDS", 15)
	v.SetDefault("DISPATCH_TIMEOUT_ZULIP_SECONDS", 15)
	v.SetDefault("SMART_SIGNING_KEY", "")

	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("TENANT_CONFIG_PATH")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("HEARTBEAT_INTERVAL_SECONDS")
	v.BindEnv("DISPATCH_TIMEOUT_REST_SECONDS")
	v.BindEnv("DISPATCH_TIMEOUT_SMTP_SECONDS")
	v.BindEnv("DISPATCH_TIMEOUT_ZULIP_SECONDS")
	v.BindEnv("SMART_SIGNING_KEY")

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: All requests get admin access; SMART auth is not enforced.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is
// explicitly set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - Otherwise       → "standalone" (built-in SMART on FHIR server, spec §4.8)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "standalone"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "standalone" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"standalone\", got %q", mode)
	}
	if mode == "standalone" && c.IsProduction() && c.SMARTSigningKey == "" {
		return fmt.Errorf("SMART_SIGNING_KEY is required in production standalone auth mode")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive, got %d", c.HeartbeatInterval)
	}
	return nil
}
