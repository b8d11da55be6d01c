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
	return decode(v)
}

// decode 将 viper 中的配置解码为 Config，Load 与热加载共用。
func decode(v *viper.Viper) (*Config, error) {
	if err := rejectLegacyKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

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
	v.SetDefault("StorageDriver", "fs")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("WatchConfig", false)
	v.SetDefault("MetricsNamespace", "offline_edge")
	v.SetDefault("Cache.SeedPaths", []string{"/", "/index.html", "/manifest.json"})
	v.SetDefault("Cache.ExcludedSuffixes", []string{".pdf"})
	v.SetDefault("Cache.DevMarkers", []string{"vite", "@vite"})
	v.SetDefault("Cache.MaxEntrySize", 32*1024*1024)
	v.SetDefault("Cache.RevalidateTimeout", "30s")
	v.SetDefault("Cache.RevalidateConcurrency", 32)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = "fs"
	}
	if strings.TrimSpace(g.MetricsNamespace) == "" {
		g.MetricsNamespace = "offline_edge"
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Name = strings.TrimSpace(c.Name)
	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	c.BackendDomain = strings.ToLower(strings.TrimSpace(c.BackendDomain))
	if c.RevalidateTimeout.DurationValue() == 0 {
		c.RevalidateTimeout = Duration(30 * time.Second)
	}
	if c.RevalidateConcurrency == 0 {
		c.RevalidateConcurrency = 32
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

// rejectLegacyKeys 拒绝写在顶层的缓存字段，避免误以为生效。
func rejectLegacyKeys(v *viper.Viper) error {
	for _, key := range []string{"CacheName", "Origin", "SeedPaths", "BackendDomain"} {
		if v.InConfig(key) {
			field := strings.TrimPrefix(key, "Cache")
			return newFieldError(key, "请移至 [Cache] 表并使用 "+cacheField(field))
		}
	}
	return nil
}
