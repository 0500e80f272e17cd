// =============================================================================
// 📦 Seedance 网关配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("SEEDANCE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是网关的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Platforms 各平台的回退凭证配置
	Platforms PlatformsConfig `yaml:"platforms" env:"PLATFORMS"`

	// Browser 浏览器会话配置
	Browser BrowserConfig `yaml:"browser" env:"BROWSER"`

	// Generate 生成任务配置
	Generate GenerateConfig `yaml:"generate" env:"GENERATE"`

	// Task 任务注册表配置
	Task TaskConfig `yaml:"task" env:"TASK"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示不启动指标服务
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// PlatformsConfig 平台回退凭证
type PlatformsConfig struct {
	// Jimeng 直连模型平台
	Jimeng PlatformCredential `yaml:"jimeng" env:"JIMENG"`
	// Dreamina 代理流平台
	Dreamina PlatformCredential `yaml:"dreamina" env:"DREAMINA"`
}

// PlatformCredential 单个平台的回退凭证
type PlatformCredential struct {
	// Credential 原始凭证串，提交请求未携带凭证时使用
	Credential string `yaml:"credential" env:"CREDENTIAL"`
}

// BrowserConfig 浏览器会话配置
type BrowserConfig struct {
	// 是否无头模式
	Headless bool `yaml:"headless" env:"HEADLESS"`
	// 浏览器可执行文件路径，为空时自动探测
	ExecPath string `yaml:"exec_path" env:"EXEC_PATH"`
	// User-Agent 覆盖
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`
	// 页面导航超时
	NavTimeout time.Duration `yaml:"nav_timeout" env:"NAV_TIMEOUT"`
	// SDK 就绪等待超时
	ReadyTimeout time.Duration `yaml:"ready_timeout" env:"READY_TIMEOUT"`
	// 会话空闲回收时间
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// GenerateConfig 生成任务配置
type GenerateConfig struct {
	// 任务整体超时
	WallClock time.Duration `yaml:"wall_clock" env:"WALL_CLOCK"`
	// 提交后首次轮询前的等待
	WarmupDelay time.Duration `yaml:"warmup_delay" env:"WARMUP_DELAY"`
	// 直连流轮询起始间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 直连流轮询间隔上限
	PollMaxInterval time.Duration `yaml:"poll_max_interval" env:"POLL_MAX_INTERVAL"`
	// 代理流轮询间隔
	AgentPollInterval time.Duration `yaml:"agent_poll_interval" env:"AGENT_POLL_INTERVAL"`
}

// TaskConfig 任务注册表配置
type TaskConfig struct {
	// 任务最长保留时间
	MaxAge time.Duration `yaml:"max_age" env:"MAX_AGE"`
	// 终态被观察到后的清理延迟
	PurgeDelay time.Duration `yaml:"purge_delay" env:"PURGE_DELAY"`
	// 清扫周期
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     0,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:     true,
			NavTimeout:   45 * time.Second,
			ReadyTimeout: 30 * time.Second,
			IdleTimeout:  10 * time.Minute,
		},
		Generate: GenerateConfig{
			WallClock:         45 * time.Minute,
			WarmupDelay:       5 * time.Second,
			PollInterval:      3 * time.Second,
			PollMaxInterval:   10 * time.Second,
			AgentPollInterval: 2 * time.Second,
		},
		Task: TaskConfig{
			MaxAge:        2 * time.Hour,
			PurgeDelay:    10 * time.Second,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FallbackCredential 返回平台的回退凭证串
func (p PlatformsConfig) FallbackCredential(platformKey string) string {
	switch platformKey {
	case "jimeng":
		return p.Jimeng.Credential
	case "dreamina":
		return p.Dreamina.Credential
	default:
		return ""
	}
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SEEDANCE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Generate.WallClock <= 0 {
		errs = append(errs, "wall_clock must be positive")
	}
	if c.Generate.PollInterval <= 0 || c.Generate.PollMaxInterval < c.Generate.PollInterval {
		errs = append(errs, "poll intervals must be positive and ordered")
	}
	if c.Browser.IdleTimeout <= 0 {
		errs = append(errs, "browser idle_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
