// Package config 服务配置加载: 配置文件 + OPTPRICER_* 环境变量覆盖
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"optpricer.com/pkg/logger"
)

// EnvPrefix 环境变量前缀，如 OPTPRICER_MYSQL_DSN
const EnvPrefix = "OPTPRICER"

// Config 服务配置
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logger    logger.Config   `mapstructure:"logger"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
}

// HTTPConfig HTTP 服务
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MySQLConfig 数据库
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig 缓存
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 事件总线 (可选)
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	EventTopic   string   `mapstructure:"event_topic"`
	JobTopic     string   `mapstructure:"job_topic"`
	GroupID      string   `mapstructure:"group_id"`
	RequiredAcks int      `mapstructure:"required_acks"`
	Compression  string   `mapstructure:"compression"`
}

// NATSConfig 轻量消息 (可选)
type NATSConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	EventSubject   string `mapstructure:"event_subject"`
	RequestSubject string `mapstructure:"request_subject"`
	Queue          string `mapstructure:"queue"`
}

// PricingConfig 模型默认值
type PricingConfig struct {
	Paths           int     `mapstructure:"paths"`
	Steps           int     `mapstructure:"steps"`
	Basis           string  `mapstructure:"basis"`
	Degree          int     `mapstructure:"degree"`
	BinomialSteps   int     `mapstructure:"binomial_steps"`
	ConfidenceLevel float64 `mapstructure:"confidence_level"`
	Workers         int     `mapstructure:"workers"`
	MaxPaths        int     `mapstructure:"max_paths"`
	MaxSteps        int     `mapstructure:"max_steps"`

	// Timeout 单次 HTTP 定价的截止时间，须短于 http.write_timeout，
	// 超时时仍能写出 504 响应
	Timeout time.Duration `mapstructure:"timeout"`
}

// SnowflakeConfig ID 生成
type SnowflakeConfig struct {
	NodeID int64 `mapstructure:"node_id"`
}

// Load 读取配置；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := logger.DefaultConfig()
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)

	v.SetDefault("logger.level", def.Level)
	v.SetDefault("logger.format", def.Format)
	v.SetDefault("logger.output", def.Output)
	v.SetDefault("logger.file_path", def.FilePath)
	v.SetDefault("logger.max_size", def.MaxSize)
	v.SetDefault("logger.max_backups", def.MaxBackups)
	v.SetDefault("logger.max_age", def.MaxAge)
	v.SetDefault("logger.compress", def.Compress)

	v.SetDefault("mysql.dsn", "root:123456@tcp(127.0.0.1:3306)/optpricer?charset=utf8mb4&parseTime=True&loc=Local")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("mysql.auto_migrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.event_topic", "option.valuations")
	v.SetDefault("kafka.job_topic", "option.valuation.requests")
	v.SetDefault("kafka.group_id", "optpricer")
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.compression", "snappy")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.event_subject", "option.valuations")
	v.SetDefault("nats.request_subject", "pricing.request")
	v.SetDefault("nats.queue", "pricer")

	v.SetDefault("pricing.paths", 10000)
	v.SetDefault("pricing.steps", 100)
	v.SetDefault("pricing.basis", "polynomial")
	v.SetDefault("pricing.degree", 2)
	v.SetDefault("pricing.binomial_steps", 100)
	v.SetDefault("pricing.confidence_level", 0.95)
	v.SetDefault("pricing.workers", 0)
	v.SetDefault("pricing.max_paths", 1_000_000)
	v.SetDefault("pricing.max_steps", 2000)
	v.SetDefault("pricing.timeout", 30*time.Second)

	v.SetDefault("snowflake.node_id", 1)
}

// Validate 检查配置
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn is required"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Pricing.Paths <= 0 || c.Pricing.Steps <= 0 || c.Pricing.BinomialSteps <= 0 {
		errs = append(errs, errors.New("pricing.paths, pricing.steps and pricing.binomial_steps must be > 0"))
	}
	if c.Pricing.Degree < 0 {
		errs = append(errs, errors.New("pricing.degree must be >= 0"))
	}
	if !(c.Pricing.ConfidenceLevel > 0 && c.Pricing.ConfidenceLevel < 1) {
		errs = append(errs, errors.New("pricing.confidence_level must be in (0,1)"))
	}
	if c.Pricing.Timeout < 0 {
		errs = append(errs, errors.New("pricing.timeout must be >= 0"))
	}
	if c.Pricing.Timeout > 0 && c.HTTP.WriteTimeout > 0 && c.Pricing.Timeout >= c.HTTP.WriteTimeout {
		errs = append(errs, fmt.Errorf("pricing.timeout (%s) must be shorter than http.write_timeout (%s)",
			c.Pricing.Timeout, c.HTTP.WriteTimeout))
	}
	if c.Snowflake.NodeID < 0 || c.Snowflake.NodeID > 1023 {
		errs = append(errs, errors.New("snowflake.node_id must be in [0,1023]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
