package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Newsfeed  NewsfeedConfig  `mapstructure:"newsfeed"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
	// IngestSubject 外部生命周期事件入口，由 JetStream stream 持久化
	IngestSubject string `mapstructure:"ingest_subject"`
	Stream        string `mapstructure:"stream"`
	// Durable 各 server 实例共享的 durable consumer
	Durable    string        `mapstructure:"durable"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	NakDelay   time.Duration `mapstructure:"nak_delay"`
	// OutboundPrefix 对外广播的事件 subject 前缀
	OutboundPrefix string `mapstructure:"outbound_prefix"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// QueueConfig 任务队列参数
type QueueConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	GroupConcurrency int           `mapstructure:"group_concurrency"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	LeaseTimeout     time.Duration `mapstructure:"lease_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

type FanoutConfig struct {
	PageSize int `mapstructure:"page_size"`
	// MembershipBackend sql 或 neo4j
	MembershipBackend string `mapstructure:"membership_backend"`
	// MemberCacheTTL 成员分页 redis 缓存时长，0 关闭
	MemberCacheTTL time.Duration `mapstructure:"member_cache_ttl"`
}

// NewsfeedConfig 读 API
type NewsfeedConfig struct {
	DefaultLimit int           `mapstructure:"default_limit"`
	MaxLimit     int           `mapstructure:"max_limit"`
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	PageSize int           `mapstructure:"page_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=feedfanout port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("nats.ingest_subject", "newsfeed.ingest.>")
	v.SetDefault("nats.stream", "NEWSFEED_INGEST")
	v.SetDefault("nats.durable", "feedfanout-ingest")
	v.SetDefault("nats.max_deliver", 10)
	v.SetDefault("nats.nak_delay", 5*time.Second)
	v.SetDefault("nats.outbound_prefix", "newsfeed.events")

	v.SetDefault("queue.concurrency", 16)
	v.SetDefault("queue.group_concurrency", 1)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.job_timeout", 30*time.Second)
	v.SetDefault("queue.lease_timeout", 2*time.Minute)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)

	v.SetDefault("fanout.page_size", 500)
	v.SetDefault("fanout.membership_backend", "sql")
	v.SetDefault("fanout.member_cache_ttl", 30*time.Second)

	v.SetDefault("newsfeed.default_limit", 20)
	v.SetDefault("newsfeed.max_limit", 100)
	v.SetDefault("newsfeed.cache_size", 10000)
	v.SetDefault("newsfeed.cache_ttl", 2*time.Second)

	v.SetDefault("scheduler.interval", 30*time.Minute)
	v.SetDefault("scheduler.page_size", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.service_name", "feedfanout")
}

// Load 读取 config.yaml（可用 CONFIG_PATH 指定目录或文件）并叠加环境变量。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if p := os.Getenv("CONFIG_PATH"); p != "" {
		if strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml") {
			v.SetConfigFile(p)
		} else {
			v.AddConfigPath(p)
		}
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.GroupConcurrency <= 0 {
		return fmt.Errorf("queue.group_concurrency must be positive, got %d", c.Queue.GroupConcurrency)
	}
	if c.Queue.LeaseTimeout <= c.Queue.JobTimeout {
		return fmt.Errorf("queue.lease_timeout (%s) must exceed queue.job_timeout (%s)", c.Queue.LeaseTimeout, c.Queue.JobTimeout)
	}
	switch c.Fanout.MembershipBackend {
	case "sql", "neo4j":
	default:
		return fmt.Errorf("unknown fanout.membership_backend %q", c.Fanout.MembershipBackend)
	}
	return nil
}
