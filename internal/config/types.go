package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// DefaultCacheName 是未显式配置 CacheName 时使用的缓存名。
const DefaultCacheName = "tronexi-cache"

// DefaultWorkerVersion 是未配置 Version 时的 worker 版本号。
const DefaultWorkerVersion = "1"

// DefaultAssets 返回默认的预缓存清单，每次调用都返回新切片。
func DefaultAssets() []string {
	return []string{
		"/",
		"/static/icons/icon-192x192.png",
		"/static/icons/icon-512x512.png",
	}
}

// GlobalConfig 描述全局运行时行为，所有 Worker 共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout     Duration `mapstructure:"InstallTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// WorkerConfig 描述一个受控 scope：对哪个 Host 生效、回源到哪里、预缓存哪些资源。
type WorkerConfig struct {
	Name         string   `mapstructure:"Name"`
	Domain       string   `mapstructure:"Domain"`
	Origin       string   `mapstructure:"Origin"`
	Proxy        string   `mapstructure:"Proxy"`
	CacheName    string   `mapstructure:"CacheName"`
	Version      string   `mapstructure:"Version"`
	Assets       []string `mapstructure:"Assets"`
	IgnoreSearch bool     `mapstructure:"IgnoreSearch"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Workers []WorkerConfig `mapstructure:"Worker"`
}

// CacheSummary 返回所有 Worker 的缓存绑定摘要，例如 tronexi:tronexi-cache@1。
func CacheSummary(workers []WorkerConfig) []string {
	if len(workers) == 0 {
		return nil
	}
	result := make([]string, len(workers))
	for i, w := range workers {
		result[i] = fmt.Sprintf("%s:%s@%s", w.Name, w.CacheName, w.Version)
	}
	return result
}
