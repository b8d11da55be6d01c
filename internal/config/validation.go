package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":      {},
	"leveldb": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("StorageDriver", "仅支持 fs|leveldb")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	return c.Cache.validate()
}

func (c *CacheConfig) validate() error {
	if c.Name == "" {
		return newFieldError(cacheField("Name"), "不能为空")
	}
	if strings.ContainsAny(c.Name, "\r\n\t") {
		return newFieldError(cacheField("Name"), "不允许包含控制字符")
	}
	if err := validateUpstream(c.Origin); err != nil {
		return fmt.Errorf("%s: %w", cacheField("Origin"), err)
	}
	if c.PublicURL != "" {
		if err := validateUpstream(c.PublicURL); err != nil {
			return fmt.Errorf("%s: %w", cacheField("PublicURL"), err)
		}
	}
	if c.BackendDomain != "" {
		if err := validateDomain(c.BackendDomain); err != nil {
			return fmt.Errorf("%s: %w", cacheField("BackendDomain"), err)
		}
	}
	for _, seed := range c.SeedPaths {
		if !strings.HasPrefix(seed, "/") {
			return newFieldError(cacheField("SeedPaths"), fmt.Sprintf("必须以 / 开头: %s", seed))
		}
	}
	if c.MaxEntrySize < 0 {
		return newFieldError(cacheField("MaxEntrySize"), "不能为负数")
	}
	if c.RevalidateTimeout.DurationValue() <= 0 {
		return newFieldError(cacheField("RevalidateTimeout"), "必须大于 0")
	}
	if c.RevalidateConcurrency <= 0 {
		return newFieldError(cacheField("RevalidateConcurrency"), "必须大于 0")
	}
	return nil
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}
