// ============================================================================
// licensekit 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入並驗證系統設定
//
// 載入順序（後者覆蓋前者）:
//   1. Default() 內建預設值
//   2. YAML 設定檔（預設 configs/default.yaml，不存在時略過）
//   3. 環境變數，前綴 LICENSEKIT，例如 LICENSEKIT_ENGINE_MODE=remote
//   4. validator 結構驗證
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "LICENSEKIT"

// 引擎模式
const (
	ModeMemory = "memory"
	ModeRemote = "remote"
)

// Config 完整系統設定
type Config struct {
	Product    ProductConfig    `yaml:"product" envconfig:"PRODUCT"`
	Engine     EngineConfig     `yaml:"engine" envconfig:"ENGINE"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Metrics    MetricsConfig    `yaml:"metrics" envconfig:"METRICS"`
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Activation ActivationConfig `yaml:"activation" envconfig:"ACTIVATION"`
}

// ProductConfig 引擎初始化參數
type ProductConfig struct {
	ID          string `yaml:"id" envconfig:"ID" validate:"required"`
	LicensePath string `yaml:"license_path" envconfig:"LICENSE_PATH"`
	Password    string `yaml:"password" envconfig:"PASSWORD"`
}

// EngineConfig 引擎後端
type EngineConfig struct {
	Mode        string        `yaml:"mode" envconfig:"MODE" validate:"oneof=memory remote"`
	StorePath   string        `yaml:"store_path" envconfig:"STORE_PATH" validate:"required_if=Mode memory"`
	StatePath   string        `yaml:"state_path" envconfig:"STATE_PATH"`
	RemoteAddr  string        `yaml:"remote_addr" envconfig:"REMOTE_ADDR" validate:"required_if=Mode remote"`
	CallTimeout time.Duration `yaml:"call_timeout" envconfig:"CALL_TIMEOUT" validate:"gt=0"`
	// SaveInterval serve 期間定期寫回狀態；0 表示只在結束時寫回
	SaveInterval time.Duration `yaml:"save_interval" envconfig:"SAVE_INTERVAL" validate:"gte=0"`
}

// LoggingConfig 日誌
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
}

// MetricsConfig Prometheus 指標
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// ServerConfig serve 指令使用的監聽埠
type ServerConfig struct {
	GRPCPort        int           `yaml:"grpc_port" envconfig:"GRPC_PORT" validate:"min=1,max=65535"`
	HTTPPort        int           `yaml:"http_port" envconfig:"HTTP_PORT" validate:"min=1,max=65535,nefield=GRPCPort"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// ActivationConfig 線上啟用
type ActivationConfig struct {
	// Timeout 原樣傳給引擎
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	RatePerMinute float64       `yaml:"rate_per_minute" envconfig:"RATE_PER_MINUTE" validate:"gte=0"`
	Burst         int           `yaml:"burst" envconfig:"BURST" validate:"min=1"`
}

// Default 回傳內建預設設定
func Default() Config {
	return Config{
		Product: ProductConfig{ID: "demo"},
		Engine: EngineConfig{
			Mode:         ModeMemory,
			StorePath:    "configs/store.yaml",
			StatePath:    "data/state.json",
			CallTimeout:  5 * time.Second,
			SaveInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true},
		Server: ServerConfig{
			GRPCPort:        50051,
			HTTPPort:        8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Activation: ActivationConfig{
			Timeout:       10 * time.Second,
			RatePerMinute: 6,
			Burst:         3,
		},
	}
}

// Load 依序套用預設值、設定檔與環境變數，然後驗證
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 檢查結構標籤定義的限制
func (c *Config) Validate() error {
	return validate.Struct(c)
}
