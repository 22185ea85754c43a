package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 描述一个 worker 版本及其绑定的缓存，供 install/activate 日志复用。
func WorkerFields(scope, version, cacheName string) logrus.Fields {
	return logrus.Fields{
		"scope":      scope,
		"version":    version,
		"cache_name": cacheName,
	}
}

// RequestFields 提供 scope/domain/命中状态字段，供 fetch 请求日志复用。
func RequestFields(scope, domain, version, cacheName string, cacheHit bool) logrus.Fields {
	fields := WorkerFields(scope, version, cacheName)
	fields["domain"] = domain
	fields["cache_hit"] = cacheHit
	return fields
}
