package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// Config holds the server's runtime configuration: the graph backend
// connection, the schema the Validator loads, and the HTTP shell's own
// knobs. Field names/defaults mirror the graph-backend configuration table:
// host/port/enableSsl/username/password/poolSize/maxInProcessPerConnection
// describe the backend connection, schemaPath/fhirVersion describe the
// resource layer.
type Config struct {
	Env  string `mapstructure:"ENV"`
	Host string `mapstructure:"GRAPH_HOST"`
	Port int    `mapstructure:"GRAPH_PORT"`

	EnableSSL string `mapstructure:"GRAPH_ENABLE_SSL"`
	Username  string `mapstructure:"GRAPH_USERNAME"`
	Password  string `mapstructure:"GRAPH_PASSWORD"`
	Database  string `mapstructure:"GRAPH_DATABASE"`

	PoolSize                  int `mapstructure:"GRAPH_POOL_SIZE"`
	MaxInProcessPerConnection int `mapstructure:"GRAPH_MAX_IN_PROCESS_PER_CONNECTION"`

	SchemaPath  string `mapstructure:"SCHEMA_PATH"`
	FHIRVersion string `mapstructure:"FHIR_VERSION"`

	HTTPPort string `mapstructure:"HTTP_PORT"`
	BaseURL  string `mapstructure:"BASE_URL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeoutSeconds int `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
}

// EnableSSLBool parses the EnableSSL string as a bool, defaulting to false
// for anything unrecognized.
func (c *Config) EnableSSLBool() bool {
	return c.EnableSSL == "true" || c.EnableSSL == "1"
}

// Neo4jURI builds the bolt/neo4j connection URI from Host/Port/EnableSSL.
func (c *Config) Neo4jURI() string {
	scheme := "bolt"
	if c.EnableSSLBool() {
		scheme = "bolt+s"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Load reads configuration from environment variables (optionally seeded by
// a ".env" file), following the same viper pattern as before: defaults set,
// keys explicitly bound, then unmarshaled into the typed struct.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("GRAPH_HOST", "localhost")
	v.SetDefault("GRAPH_PORT", 8182)
	v.SetDefault("GRAPH_ENABLE_SSL", "false")
	v.SetDefault("GRAPH_USERNAME", "")
	v.SetDefault("GRAPH_PASSWORD", "")
	v.SetDefault("GRAPH_DATABASE", "neo4j")
	v.SetDefault("GRAPH_POOL_SIZE", 16)
	v.SetDefault("GRAPH_MAX_IN_PROCESS_PER_CONNECTION", 64)
	v.SetDefault("SCHEMA_PATH", "configs/fhir.schema.json")
	v.SetDefault("FHIR_VERSION", "6.0.0-ballot3")
	v.SetDefault("HTTP_PORT", "8000")
	v.SetDefault("BASE_URL", "http://localhost:8000/api/fhir/r6")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)

	for _, key := range []string{
		"ENV", "GRAPH_HOST", "GRAPH_PORT", "GRAPH_ENABLE_SSL", "GRAPH_USERNAME",
		"GRAPH_PASSWORD", "GRAPH_DATABASE", "GRAPH_POOL_SIZE",
		"GRAPH_MAX_IN_PROCESS_PER_CONNECTION", "SCHEMA_PATH", "FHIR_VERSION",
		"HTTP_PORT", "BASE_URL", "CORS_ORIGINS", "REQUEST_TIMEOUT_SECONDS",
	} {
		_ = v.BindEnv(key)
	}

	// Opportunistic: missing .env is fine, env vars/defaults still apply.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitCSV(origins)
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode (ENV=development); graph credentials are not required")
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate fails fast on configuration that would prevent the server from
// starting: a missing graph host, an invalid pool size, or an empty schema
// path.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("GRAPH_HOST must not be empty")
	}
	if c.Port <= 0 {
		return fmt.Errorf("GRAPH_PORT must be positive, got %d", c.Port)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("GRAPH_POOL_SIZE must be positive, got %d", c.PoolSize)
	}
	if c.MaxInProcessPerConnection <= 0 {
		return fmt.Errorf("GRAPH_MAX_IN_PROCESS_PER_CONNECTION must be positive, got %d", c.MaxInProcessPerConnection)
	}
	if c.SchemaPath == "" {
		return fmt.Errorf("SCHEMA_PATH must not be empty")
	}
	if c.FHIRVersion == "" {
		return fmt.Errorf("FHIR_VERSION must not be empty")
	}
	if !c.IsDev() && c.Username == "" {
		return fmt.Errorf("GRAPH_USERNAME is required outside development mode")
	}
	return nil
}
