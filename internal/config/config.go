package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Modes accepted by Config.Mode.
const (
	ModeMock = "mock"
	ModeLive = "live"
)

// Connector names understood by ConnectorLive.
const (
	ConnectorDatadog = "datadog"
	ConnectorBedrock = "bedrock"
	ConnectorNeo4j   = "neo4j"
	ConnectorMongoDB = "mongodb"
)

// Config captures the settings required to boot the incident engine.
type Config struct {
	Mode     string         `yaml:"mode"`
	Server   ServerConfig   `yaml:"server"`
	Bedrock  BedrockConfig  `yaml:"bedrock"`
	Datadog  DatadogConfig  `yaml:"datadog"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Runbooks RunbooksConfig `yaml:"runbooks"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls the HTTP, gRPC and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// BedrockConfig configures the remote reasoning connector.
type BedrockConfig struct {
	Region         string        `yaml:"region"`
	ModelID        string        `yaml:"modelID"`
	CopilotModelID string        `yaml:"copilotModelID"`
	APIKey         string        `yaml:"apiKey"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxTokens      int           `yaml:"maxTokens"`
}

// DatadogConfig configures the log-evidence connector.
type DatadogConfig struct {
	APIKey    string        `yaml:"apiKey"`
	AppKey    string        `yaml:"appKey"`
	Site      string        `yaml:"site"`
	BaseURL   string        `yaml:"baseURL"`
	Timeout   time.Duration `yaml:"timeout"`
	PageLimit int           `yaml:"pageLimit"`
}

// Neo4jConfig configures the dependency-graph connector.
type Neo4jConfig struct {
	URI      string        `yaml:"uri"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MongoDBConfig configures the runbook connector.
type MongoDBConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RunbooksConfig controls the offline runbook fixtures pack.
type RunbooksConfig struct {
	FixturesPath string `yaml:"fixturesPath"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of graph and runbook lookups.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	MaxRetries      int           `yaml:"maxRetries"`
	TLS             bool          `yaml:"tls"`
	ServiceGraphTTL time.Duration `yaml:"serviceGraphTTL"`
	RunbooksTTL     time.Duration `yaml:"runbooksTTL"`
}

// IsLive reports whether live backends may be used at all.
func (c *Config) IsLive() bool {
	return c != nil && strings.EqualFold(c.Mode, ModeLive)
}

// ConnectorLive reports whether the named backend is enabled: the engine runs in
// live mode and the backend has the credentials it needs.
func (c *Config) ConnectorLive(name string) bool {
	if !c.IsLive() {
		return false
	}
	switch name {
	case ConnectorDatadog:
		return c.Datadog.APIKey != "" && c.Datadog.AppKey != ""
	case ConnectorBedrock:
		return c.Bedrock.Region != "" && c.Bedrock.ModelID != ""
	case ConnectorNeo4j:
		return c.Neo4j.URI != "" && c.Neo4j.Password != ""
	case ConnectorMongoDB:
		return c.MongoDB.URI != ""
	default:
		return false
	}
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ARIA_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Bedrock.CopilotModelID == "" {
		cfg.Bedrock.CopilotModelID = cfg.Bedrock.ModelID
	}
	if m := strings.ToLower(cfg.Mode); m != ModeLive && m != ModeMock {
		return nil, fmt.Errorf("invalid mode %q: expected %q or %q", cfg.Mode, ModeMock, ModeLive)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Mode: ModeMock,
		Server: ServerConfig{
			Address:         ":4000",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
		},
		Bedrock: BedrockConfig{
			Region:    "us-east-1",
			ModelID:   "us.anthropic.claude-sonnet-4-6",
			Timeout:   30 * time.Second,
			MaxTokens: 1200,
		},
		Datadog: DatadogConfig{
			Site:      "datadoghq.com",
			Timeout:   10 * time.Second,
			PageLimit: 20,
		},
		Neo4j: Neo4jConfig{
			Username: "neo4j",
			Database: "neo4j",
			Timeout:  10 * time.Second,
		},
		MongoDB: MongoDBConfig{
			Database:   "aria",
			Collection: "runbooks",
			Timeout:    10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:         false,
			ServiceGraphTTL: 5 * time.Minute,
			RunbooksTTL:     10 * time.Minute,
			DialTimeout:     2 * time.Second,
			ReadTimeout:     500 * time.Millisecond,
			WriteTimeout:    500 * time.Millisecond,
			MaxRetries:      2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARIA_MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("ARIA_BACKEND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Address = ":" + strconv.Itoa(port)
		}
	}
	if v := os.Getenv("ARIA_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("ARIA_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Bedrock.Region = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Bedrock.ModelID = v
	}
	if v := os.Getenv("COPILOT_BEDROCK_MODEL"); v != "" {
		cfg.Bedrock.CopilotModelID = v
	}
	if v := os.Getenv("BEDROCK_API_KEY"); v != "" {
		cfg.Bedrock.APIKey = v
	}
	if v := os.Getenv("DATADOG_API_KEY"); v != "" {
		cfg.Datadog.APIKey = v
	}
	if v := os.Getenv("DATADOG_APP_KEY"); v != "" {
		cfg.Datadog.AppKey = v
	}
	if v := os.Getenv("DATADOG_SITE"); v != "" {
		cfg.Datadog.Site = v
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		cfg.Neo4j.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		cfg.Neo4j.Database = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.MongoDB.URI = v
	}
	if v := os.Getenv("ARIA_RUNBOOK_FIXTURES"); v != "" {
		cfg.Runbooks.FixturesPath = v
	}
	if v := os.Getenv("ARIA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARIA_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ARIA_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("ARIA_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("ARIA_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("ARIA_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("ARIA_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("ARIA_CACHE_GRAPH_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ServiceGraphTTL = d
		}
	}
	if v := os.Getenv("ARIA_CACHE_RUNBOOKS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.RunbooksTTL = d
		}
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
