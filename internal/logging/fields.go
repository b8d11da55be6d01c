package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 bucket/来源/请求行字段，供代理请求日志复用。
func RequestFields(bucket, source, method, host, path string) logrus.Fields {
	return logrus.Fields{
		"bucket": bucket,
		"source": source,
		"method": method,
		"host":   host,
		"path":   path,
		"cached": source == "cache",
	}
}
