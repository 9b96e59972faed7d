package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	sharedConfig "sudooom.im.client/shared/config"
)

// 环境变量前缀
const envPrefix = "CHATSYNC_"

type Config struct {
	App        AppConfig                `mapstructure:"app" yaml:"app"`
	HTTP       HTTPConfig               `mapstructure:"http" yaml:"http"`
	Store      StoreConfig              `mapstructure:"store" yaml:"store"`
	Redis      sharedConfig.RedisConfig `mapstructure:"redis" yaml:"redis"`
	NATS       sharedConfig.NATSConfig  `mapstructure:"nats" yaml:"nats"`
	Firestore  FirestoreConfig          `mapstructure:"firestore" yaml:"firestore"`
	Database   DatabaseConfig           `mapstructure:"database" yaml:"database"`
	JWT        JWTConfig                `mapstructure:"jwt" yaml:"jwt"`
	Blob       BlobConfig               `mapstructure:"blob" yaml:"blob"`
	S3         S3Config                 `mapstructure:"s3" yaml:"s3"`
	Local      LocalConfig              `mapstructure:"local" yaml:"local"`
	Call       CallConfig               `mapstructure:"call" yaml:"call"`
	Retry      RetryConfig              `mapstructure:"retry" yaml:"retry"`
	WorkerPool WorkerPoolConfig         `mapstructure:"workerpool" yaml:"workerpool"`
}

type AppConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Mode     string `mapstructure:"mode" yaml:"mode"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	NodeID   int64  `mapstructure:"node_id" yaml:"node_id"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	HealthAddr     string   `mapstructure:"health_addr" yaml:"health_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// StoreConfig 远程存储后端：memory | redis | firestore
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	EmulatorHost    string `mapstructure:"emulator_host" yaml:"emulator_host"`
}

// DatabaseConfig 账号库（身份认证）
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Name            string        `mapstructure:"name" yaml:"name"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type JWTConfig struct {
	Secret        string        `mapstructure:"secret" yaml:"secret"`
	AccessExpire  time.Duration `mapstructure:"access_expire" yaml:"access_expire"`
	RefreshExpire time.Duration `mapstructure:"refresh_expire" yaml:"refresh_expire"`
}

// BlobConfig 文件存储后端：memory | local | s3
type BlobConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
	MaxSize       int64  `mapstructure:"max_size" yaml:"max_size"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID  string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

type LocalConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type CallConfig struct {
	STUNServers    []string      `mapstructure:"stun_servers" yaml:"stun_servers"`
	RingTimeout    time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	SeenBatchSize  int           `mapstructure:"seen_batch_size" yaml:"seen_batch_size"`
	VirtualCamera  bool          `mapstructure:"virtual_camera" yaml:"virtual_camera"`
	VirtualMic     bool          `mapstructure:"virtual_mic" yaml:"virtual_mic"`
	WheelInterval  time.Duration `mapstructure:"wheel_interval" yaml:"wheel_interval"`
	WheelSlotCount int           `mapstructure:"wheel_slot_count" yaml:"wheel_slot_count"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

type WorkerPoolConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		App:   AppConfig{Name: "chatsync", Mode: "release", LogLevel: "info", NodeID: 1},
		HTTP:  HTTPConfig{Addr: ":8080", HealthAddr: ":8081"},
		Store: StoreConfig{Backend: "memory"},
		Redis: sharedConfig.RedisConfig{Host: "localhost", Port: 6379, PoolSize: 20},
		NATS: sharedConfig.NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "chatsync",
			User:            "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		},
		JWT: JWTConfig{
			Secret:        "change-me",
			AccessExpire:  2 * time.Hour,
			RefreshExpire: 7 * 24 * time.Hour,
		},
		Blob:  BlobConfig{Backend: "memory", MaxSize: 10 << 20},
		S3:    S3Config{Region: "us-east-1"},
		Local: LocalConfig{Root: "data/blobs"},
		Call: CallConfig{
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			RingTimeout:    45 * time.Second,
			SeenBatchSize:  20,
			VirtualMic:     true,
			WheelInterval:  time.Second,
			WheelSlotCount: 60,
		},
		Retry: RetryConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxRetries:      5,
		},
		WorkerPool: WorkerPoolConfig{Workers: 4, QueueSize: 256},
	}
}

// Load 从指定路径加载配置，path 为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv 环境变量覆盖
func applyEnv(cfg *Config) {
	cfg.App.LogLevel = sharedConfig.GetEnv(envPrefix+"LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.Mode = sharedConfig.GetEnv(envPrefix+"MODE", cfg.App.Mode)
	cfg.HTTP.Addr = sharedConfig.GetEnv(envPrefix+"HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.HealthAddr = sharedConfig.GetEnv(envPrefix+"HEALTH_ADDR", cfg.HTTP.HealthAddr)
	cfg.Store.Backend = sharedConfig.GetEnv(envPrefix+"STORE_BACKEND", cfg.Store.Backend)
	cfg.Redis.Addr = sharedConfig.GetEnv(envPrefix+"REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = sharedConfig.GetEnv(envPrefix+"REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = sharedConfig.GetEnvInt(envPrefix+"REDIS_DB", cfg.Redis.DB)
	cfg.NATS.URL = sharedConfig.GetEnv(envPrefix+"NATS_URL", cfg.NATS.URL)
	cfg.Firestore.ProjectID = sharedConfig.GetEnv(envPrefix+"FIRESTORE_PROJECT", cfg.Firestore.ProjectID)
	cfg.Firestore.EmulatorHost = sharedConfig.GetEnv("FIRESTORE_EMULATOR_HOST", cfg.Firestore.EmulatorHost)
	cfg.Database.Enabled = sharedConfig.GetEnvBool(envPrefix+"DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = sharedConfig.GetEnv(envPrefix+"DB_HOST", cfg.Database.Host)
	cfg.Database.Port = sharedConfig.GetEnvInt(envPrefix+"DB_PORT", cfg.Database.Port)
	cfg.Database.Password = sharedConfig.GetEnv(envPrefix+"DB_PASSWORD", cfg.Database.Password)
	cfg.JWT.Secret = sharedConfig.GetEnv(envPrefix+"JWT_SECRET", cfg.JWT.Secret)
	cfg.JWT.AccessExpire = sharedConfig.GetEnvDuration(envPrefix+"JWT_ACCESS_EXPIRE", cfg.JWT.AccessExpire)
	cfg.Blob.Backend = sharedConfig.GetEnv(envPrefix+"BLOB_BACKEND", cfg.Blob.Backend)
	cfg.S3.Bucket = sharedConfig.GetEnv(envPrefix+"S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Endpoint = sharedConfig.GetEnv(envPrefix+"S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKeyID = sharedConfig.GetEnv(envPrefix+"S3_ACCESS_KEY_ID", cfg.S3.AccessKeyID)
	cfg.S3.SecretKey = sharedConfig.GetEnv(envPrefix+"S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.Call.STUNServers = sharedConfig.GetEnvSlice(envPrefix+"STUN_SERVERS", cfg.Call.STUNServers)
	cfg.Call.RingTimeout = sharedConfig.GetEnvDuration(envPrefix+"RING_TIMEOUT", cfg.Call.RingTimeout)
}

// Dump 以 YAML 输出生效配置，敏感字段打码
func Dump(cfg *Config) (string, error) {
	masked := *cfg
	masked.Redis.Password = mask(cfg.Redis.Password)
	masked.Database.Password = mask(cfg.Database.Password)
	masked.JWT.Secret = mask(cfg.JWT.Secret)
	masked.S3.SecretKey = mask(cfg.S3.SecretKey)

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 8)
}
