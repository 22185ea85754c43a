package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectWorkerLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Workers {
		applyWorkerDefaults(&cfg.Workers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallTimeout", "2m")
	v.SetDefault("InstallConcurrency", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallTimeout.DurationValue() == 0 {
		g.InstallTimeout = Duration(2 * time.Minute)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Name = strings.TrimSpace(w.Name)
	if name := strings.TrimSpace(w.CacheName); name != "" {
		w.CacheName = name
	} else {
		w.CacheName = DefaultCacheName
	}
	if version := strings.TrimSpace(w.Version); version != "" {
		w.Version = version
	} else {
		w.Version = DefaultWorkerVersion
	}
	// Assets 显式写成空数组时保留空清单，仅在完全缺省时填充默认值。
	if w.Assets == nil {
		w.Assets = DefaultAssets()
	}
	for i, asset := range w.Assets {
		w.Assets[i] = strings.TrimSpace(asset)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func rejectWorkerLevelPorts(v *viper.Viper) error {
	raw := v.Get("Worker")
	workers, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range workers {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if s, ok := rawName.(string); ok && s != "" {
					name = s
				}
			}
			return newFieldError(workerField(name, "Port"), "不支持按 Worker 配置端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 忽略大小写查找键，viper 可能已将嵌套表的键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
