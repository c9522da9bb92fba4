// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，仅由程序入口读取并按需传递给各个组件。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Matching      MatchingConfig      `mapstructure:"matching"`
	Completion    CompletionConfig    `mapstructure:"completion"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Clinic        ClinicConfig        `mapstructure:"clinic"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。DSN 为空时不启用反馈归档表。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储学习事件队列的配置。Enabled 为 false 时使用进程内队列。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储聊天记录归档索引的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储数据导出使用的对象存储配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// GitHubConfig 存储远程模式库（issue 形式）的配置。
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
	BaseURL string `mapstructure:"base_url"`
}

// LLMConfig 存储文本生成服务的配置。
type LLMConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MatchingConfig 存储意图匹配和模式匹配的打分常量。
type MatchingConfig struct {
	ExactMatchWeight      float64 `mapstructure:"exact_match_weight"`
	KeywordWeight         float64 `mapstructure:"keyword_weight"`
	VariationWeight       float64 `mapstructure:"variation_weight"`
	DepartmentWeight      float64 `mapstructure:"department_weight"`
	IntentThreshold       float64 `mapstructure:"intent_threshold"`
	SimilarityThreshold   float64 `mapstructure:"similarity_threshold"`
	PositiveFeedbackDelta float64 `mapstructure:"positive_feedback_delta"`
	NegativeFeedbackDelta float64 `mapstructure:"negative_feedback_delta"`
	ScoreAdjustDelta      float64 `mapstructure:"score_adjust_delta"`
	NewPatternScore       float64 `mapstructure:"new_pattern_score"`
	AIPatternScore        float64 `mapstructure:"ai_pattern_score"`
}

// CompletionConfig 存储生成服务的缓存、限流和重试配置。
type CompletionConfig struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	MaxCacheSize         int           `mapstructure:"max_cache_size"`
	MaxContextTurns      int           `mapstructure:"max_context_turns"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
}

// ChatConfig 存储会话编排相关的配置。
type ChatConfig struct {
	ConversationTimeout time.Duration `mapstructure:"conversation_timeout"`
	MaxChatHistory      int           `mapstructure:"max_chat_history"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
}

// StorageConfig 存储键值存储的配置。
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	QuotaBytes int    `mapstructure:"quota_bytes"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Load 读取 YAML 文件，未在文件中出现的键使用 Default 中的默认值。
// 文件中出现的键可以用 FMC_ 前缀的环境变量覆盖，例如 FMC_GITHUB_TOKEN。
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FMC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Default 返回一份完整可用的默认配置。
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8081", Mode: "release"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		Kafka: KafkaConfig{Topic: "fmc-learning-events", GroupID: "fmc-chatbot-learning"},
		Elasticsearch: ElasticsearchConfig{
			IndexName: "fmc_chat_history",
		},
		MinIO:      MinIOConfig{BucketName: "fmc-exports"},
		GitHub:     GitHubConfig{Owner: "fmcclinic", Repo: "fmc-chatbot-learning", BaseURL: "https://api.github.com"},
		LLM:        DefaultLLM(),
		Matching:   DefaultMatching(),
		Completion: DefaultCompletion(),
		Chat:       DefaultChat(),
		Storage:    StorageConfig{Driver: "redis", QuotaBytes: 5 * 1024 * 1024},
		Clinic:     DefaultClinic(),
	}
}

func DefaultLLM() LLMConfig {
	return LLMConfig{
		BaseURL:   "https://api.openai.com/v1",
		Model:     "gpt-4o-mini",
		MaxTokens: 1024,
		Timeout:   60 * time.Second,
	}
}

// DefaultMatching 返回经验打分常量。
func DefaultMatching() MatchingConfig {
	return MatchingConfig{
		ExactMatchWeight:      5,
		KeywordWeight:         2,
		VariationWeight:       1,
		DepartmentWeight:      1.5,
		IntentThreshold:       1.5,
		SimilarityThreshold:   0.7,
		PositiveFeedbackDelta: 1,
		NegativeFeedbackDelta: -0.5,
		ScoreAdjustDelta:      0.5,
		NewPatternScore:       1,
		AIPatternScore:        2,
	}
}

func DefaultCompletion() CompletionConfig {
	return CompletionConfig{
		CacheTTL:             24 * time.Hour,
		MaxCacheSize:         1000,
		MaxContextTurns:      10,
		RateLimitPerMinute:   50,
		MaxRetries:           3,
		RetryInitialInterval: time.Second,
	}
}

func DefaultChat() ChatConfig {
	return ChatConfig{
		ConversationTimeout: 30 * time.Minute,
		MaxChatHistory:      100,
		MaintenanceSchedule: "@every 30m",
	}
}
