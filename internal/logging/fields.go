package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述一次生命周期事件所属的 Agent 版本。
func LifecycleFields(action, cacheName string, version int64) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
		"version":    version,
	}
}

// RequestFields 提供请求方法、路径与响应来源字段，供代理请求日志复用。
func RequestFields(method, path, cacheName, source string) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"cache_name": cacheName,
		"source":     source,
		"cache_hit":  source == "cache",
	}
}
