package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Guide     GuideConfig
	Analytics AnalyticsConfig
	RateLimit RateLimitConfig
	Districts DistrictsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	IsDevelopment  bool
	// AdminToken guards ballot imports. Empty disables the import route.
	AdminToken     string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float32
	MaxTokens         int
	TimeoutSec        int
	RequestsPerSecond float64
	Burst             int
}

type GuideConfig struct {
	RaceConcurrency      int
	GenerationTimeoutSec int
	PersistOnDisconnect  bool
}

// GenerationTimeout bounds one full orchestrator run.
func (g GuideConfig) GenerationTimeout() time.Duration {
	return time.Duration(g.GenerationTimeoutSec) * time.Second
}

type AnalyticsConfig struct {
	MaxEvents    int
	WindowSec    int
	QueueSize    int
	QueueWorkers int
}

func (a AnalyticsConfig) Window() time.Duration {
	return time.Duration(a.WindowSec) * time.Second
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type DistrictsConfig struct {
	ResolverURL string
	CacheSize   int
	TimeoutSec  int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ballot-guide")

	v.SetEnvPrefix("BALLOT_GUIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Guide.RaceConcurrency < 1 {
		return fmt.Errorf("guide.raceConcurrency must be at least 1, got %d", c.Guide.RaceConcurrency)
	}
	if c.Analytics.MaxEvents < 1 || c.Analytics.WindowSec < 1 {
		return fmt.Errorf("analytics.maxEvents and analytics.windowSec must be positive")
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("llm.requestsPerSecond must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Streaming guide responses stay open for the whole generation run.
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.isDevelopment", false)
	v.SetDefault("server.adminToken", "")

	v.SetDefault("sqlite.path", "./data/ballots.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.maxTokens", 1200)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.requestsPerSecond", 8)
	v.SetDefault("llm.burst", 4)

	v.SetDefault("guide.raceConcurrency", 4)
	v.SetDefault("guide.generationTimeoutSec", 300)
	v.SetDefault("guide.persistOnDisconnect", true)

	v.SetDefault("analytics.maxEvents", 100)
	v.SetDefault("analytics.windowSec", 60)
	v.SetDefault("analytics.queueSize", 256)
	v.SetDefault("analytics.queueWorkers", 2)

	v.SetDefault("ratelimit.maxRequestsPerMinute", 20)

	v.SetDefault("districts.cacheSize", 1024)
	v.SetDefault("districts.timeoutSec", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
