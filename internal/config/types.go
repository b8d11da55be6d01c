package config

import (
	"fmt"
	"net/url"
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

// MarshalYAML 输出 Go Duration 字符串，-dump-config 使用。
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
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

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort" yaml:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel" yaml:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath" yaml:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize" yaml:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups" yaml:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress" yaml:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath" yaml:"StoragePath"`
	StorageDriver    string   `mapstructure:"StorageDriver" yaml:"StorageDriver"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout" yaml:"UpstreamTimeout"`
	WatchConfig      bool     `mapstructure:"WatchConfig" yaml:"WatchConfig"`
	MetricsNamespace string   `mapstructure:"MetricsNamespace" yaml:"MetricsNamespace"`
}

// CacheConfig 描述当前部署版本的缓存控制器。Name 每次部署都必须变化，
// 激活时会清理所有其它名称的 Bucket。
type CacheConfig struct {
	Name                  string   `mapstructure:"Name" yaml:"Name"`
	Origin                string   `mapstructure:"Origin" yaml:"Origin"`
	PublicURL             string   `mapstructure:"PublicURL" yaml:"PublicURL"`
	BackendDomain         string   `mapstructure:"BackendDomain" yaml:"BackendDomain"`
	SeedPaths             []string `mapstructure:"SeedPaths" yaml:"SeedPaths"`
	ExcludedSuffixes      []string `mapstructure:"ExcludedSuffixes" yaml:"ExcludedSuffixes"`
	DevMarkers            []string `mapstructure:"DevMarkers" yaml:"DevMarkers"`
	MaxEntrySize          int64    `mapstructure:"MaxEntrySize" yaml:"MaxEntrySize"`
	RevalidateTimeout     Duration `mapstructure:"RevalidateTimeout" yaml:"RevalidateTimeout"`
	RevalidateConcurrency int      `mapstructure:"RevalidateConcurrency" yaml:"RevalidateConcurrency"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash" yaml:",inline"`
	Cache  CacheConfig  `mapstructure:"Cache" yaml:"Cache"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c CacheConfig) OriginURL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}

// EffectivePublicURL 返回客户端访问的公共地址，未配置时退回 Origin。
func (c CacheConfig) EffectivePublicURL() *url.URL {
	raw := strings.TrimSpace(c.PublicURL)
	if raw == "" {
		raw = c.Origin
	}
	u, _ := url.Parse(raw)
	return u
}
