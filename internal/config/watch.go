package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Watch 监听配置文件，每次变更重新解析；解析失败只记录日志并保留旧配置。
// onChange 在 viper 的监听 goroutine 中串行调用。
func Watch(path string, logger *logrus.Logger, onChange func(*Config)) error {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		fields := logrus.Fields{
			"action":     "config_reload",
			"configPath": e.Name,
			"op":         e.Op.String(),
		}
		cfg, err := decode(v)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("config_reload_failed")
			return
		}
		logger.WithFields(fields).WithField("cache_name", cfg.Cache.Name).Info("config_reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
