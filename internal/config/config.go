// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type RedisConfig struct {
	URL             string        `yaml:"url"` // host:port
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	TTL             time.Duration `yaml:"ttl"`
	FeatureCacheTTL time.Duration `yaml:"feature_cache_ttl"`
}

type AIConfig struct {
	Provider        string `yaml:"provider"` // openai | gemini; empty picks by available key
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	DefaultModel    string `yaml:"default_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	ConcurrentLimit int    `yaml:"concurrent_limit"`  // max concurrent AI calls
	NewsTokenBudget int    `yaml:"news_token_budget"` // prompt tokens spent on news lines
}

type MarketConfig struct {
	BaseURL   string        `yaml:"base_url"` // AKShare HTTP bridge (AKTools)
	Timeout   time.Duration `yaml:"timeout"`
	NewsLimit int           `yaml:"news_limit"`
	RateLimit int           `yaml:"rate_limit"` // requests per second to the bridge, -1 disables
}

type ForecastConfig struct {
	Endpoint string        `yaml:"endpoint"` // forecasting sidecar; dev mode may leave it empty for the local backend
	Timeout  time.Duration `yaml:"timeout"`
	Horizon  int           `yaml:"horizon"`
}

// ResearchConfig points at the research-report index. An empty QdrantURL disables report retrieval.
type ResearchConfig struct {
	QdrantURL     string        `yaml:"qdrant_url"`
	QdrantAPIKey  string        `yaml:"qdrant_api_key"`
	Collection    string        `yaml:"collection"`
	TopK          int           `yaml:"top_k"`
	Timeout       time.Duration `yaml:"timeout"`
	EmbedProvider string        `yaml:"embed_provider"` // openai | gemini
	EmbedKey      string        `yaml:"embed_key"`
	EmbedBaseURL  string        `yaml:"embed_base_url"`
	EmbedModel    string        `yaml:"embed_model"` // must match the model the index was built with
	EmbedDim      int           `yaml:"embed_dim"`   // gemini only, 0 keeps the native size
}

// SearchConfig configures web search. An empty BochaKey disables it.
type SearchConfig struct {
	BochaKey      string        `yaml:"bocha_key"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxResults    int           `yaml:"max_results"`
	FreshnessDays int           `yaml:"freshness_days"` // 0 = no limit
}

type AnalysisConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	StageTimeout       time.Duration `yaml:"stage_timeout"` // 0 disables
	DefaultHistoryDays int           `yaml:"default_history_days"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
}

type APIConfig struct {
	CreateRateLimit  int           `yaml:"create_rate_limit"` // per client per window, 0 disables
	CreateRateWindow time.Duration `yaml:"create_rate_window"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Market   MarketConfig   `yaml:"market"`
	Forecast ForecastConfig `yaml:"forecast"`
	Research ResearchConfig `yaml:"research"`
	Search   SearchConfig   `yaml:"search"`
	Analysis AnalysisConfig `yaml:"analysis"`
	API      APIConfig      `yaml:"api"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies .env and environment overrides, then defaults.
// A missing file is tolerated so the service can be configured from the environment alone.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	if c.AI.OpenAIKey == "" && c.AI.GeminiKey == "" {
		return errors.New("ai.openai_key or ai.gemini_key is required")
	}
	if c.Redis.URL == "" && !c.Runtime.Dev {
		return errors.New("redis.url is required outside dev mode")
	}
	if c.Market.BaseURL == "" {
		return errors.New("market.base_url is required")
	}
	if c.Forecast.Endpoint == "" && !c.Runtime.Dev {
		return errors.New("forecast.endpoint is required outside dev mode")
	}
	switch strings.ToLower(c.AI.Provider) {
	case "", "openai", "gemini":
	default:
		return fmt.Errorf("ai.provider %q not supported", c.AI.Provider)
	}
	if c.Research.QdrantURL != "" {
		switch strings.ToLower(c.Research.EmbedProvider) {
		case "openai", "gemini":
		default:
			return fmt.Errorf("research.embed_provider %q not supported", c.Research.EmbedProvider)
		}
		if c.Research.EmbedKey == "" {
			return errors.New("research.embed_key is required when research.qdrant_url is set")
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.AI.OpenAIKey, "DEEPSEEK_API_KEY")
	setString(&cfg.AI.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.AI.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.AI.GeminiKey, "GEMINI_API_KEY")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Market.BaseURL, "AKTOOLS_URL")
	setString(&cfg.Forecast.Endpoint, "FORECAST_URL")
	setString(&cfg.Research.QdrantURL, "QDRANT_URL")
	setString(&cfg.Research.QdrantAPIKey, "QDRANT_API_KEY")
	setString(&cfg.Research.Collection, "QDRANT_COLLECTION")
	setString(&cfg.Research.EmbedKey, "EMBEDDING_API_KEY")
	setString(&cfg.Research.EmbedBaseURL, "EMBEDDING_BASE_URL")
	setString(&cfg.Search.BochaKey, "BOCHA_API_KEY")

	if host, port := os.Getenv("QDRANT_HOST"), os.Getenv("QDRANT_PORT"); host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "6333"
		}
		cfg.Research.QdrantURL = "http://" + host + ":" + port
	}

	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "6379"
		}
		cfg.Redis.URL = host + ":" + port
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL, 24*time.Hour)
	cfg.Redis.FeatureCacheTTL = normalizeTTL(cfg.Redis.FeatureCacheTTL, 12*time.Hour)

	if cfg.AI.OpenAIBaseURL == "" {
		cfg.AI.OpenAIBaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "deepseek-chat"
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 2048
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.NewsTokenBudget <= 0 {
		cfg.AI.NewsTokenBudget = 1500
	}

	if cfg.Market.Timeout <= 0 {
		cfg.Market.Timeout = 20 * time.Second
	}
	if cfg.Market.NewsLimit <= 0 {
		cfg.Market.NewsLimit = 10
	}
	if cfg.Market.RateLimit == 0 {
		cfg.Market.RateLimit = 5
	}
	if cfg.Forecast.Timeout <= 0 {
		cfg.Forecast.Timeout = 2 * time.Minute
	}
	if cfg.Forecast.Horizon <= 0 {
		cfg.Forecast.Horizon = 30
	}

	if cfg.Research.Collection == "" {
		cfg.Research.Collection = "research_reports"
	}
	if cfg.Research.TopK <= 0 {
		cfg.Research.TopK = 5
	}
	if cfg.Research.Timeout <= 0 {
		cfg.Research.Timeout = 10 * time.Second
	}
	if cfg.Research.EmbedProvider == "" {
		cfg.Research.EmbedProvider = "openai"
	}
	if cfg.Research.EmbedBaseURL == "" && strings.EqualFold(cfg.Research.EmbedProvider, "openai") {
		cfg.Research.EmbedBaseURL = "https://api.siliconflow.cn/v1"
	}
	if cfg.Search.Timeout <= 0 {
		cfg.Search.Timeout = 15 * time.Second
	}
	if cfg.Search.MaxResults <= 0 {
		cfg.Search.MaxResults = 5
	}
	if cfg.Search.FreshnessDays == 0 {
		cfg.Search.FreshnessDays = 7
	}

	if cfg.Analysis.Workers <= 0 {
		cfg.Analysis.Workers = 8
	}
	if cfg.Analysis.QueueSize <= 0 {
		cfg.Analysis.QueueSize = cfg.Analysis.Workers * 4
	}
	if cfg.Analysis.DefaultHistoryDays <= 0 {
		cfg.Analysis.DefaultHistoryDays = 365
	}
	cfg.Analysis.LockTTL = normalizeTTL(cfg.Analysis.LockTTL, 30*time.Minute)
	if cfg.API.CreateRateWindow <= 0 {
		cfg.API.CreateRateWindow = time.Minute
	}
}

func normalizeTTL(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
