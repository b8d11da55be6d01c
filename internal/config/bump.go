package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultCachePrefix = "offline-edge"

var versionSuffix = regexp.MustCompile(`-v-?\d+$`)

// NextCacheName 去掉旧的 -v-<毫秒> 或 -v<数字> 后缀并追加当前时间戳，保证每次部署唯一。
func NextCacheName(current string, now time.Time) string {
	prefix := versionSuffix.ReplaceAllString(strings.TrimSpace(current), "")
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return fmt.Sprintf("%s-v-%d", prefix, now.UnixMilli())
}

// BumpCacheName 将配置文件中的 Cache.Name 改写为新的版本号并返回新名称。
// 写回通过 viper 完成，只保留文件中显式出现的键（默认值不会被写入）。
func BumpCacheName(path string, now time.Time) (string, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("读取配置失败: %w", err)
	}

	next := NextCacheName(v.GetString("Cache.Name"), now)
	v.Set("Cache.Name", next)
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("写回配置失败: %w", err)
	}
	return next, nil
}
