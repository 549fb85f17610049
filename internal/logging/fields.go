package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResolveFields 提供 key/命中层级字段，供解析与 HTTP 请求日志复用。
func ResolveFields(key, source string, shared bool) logrus.Fields {
	return logrus.Fields{
		"action": "resolve",
		"key":    key,
		"source": source,
		"shared": shared,
	}
}

// TierFields 描述单个层级的探测结果。
func TierFields(key, tier, outcome string) logrus.Fields {
	return logrus.Fields{
		"key":     key,
		"tier":    tier,
		"outcome": outcome,
	}
}

// CapacityFields 描述某个缓存层的容量，max_size 使用 IEC 单位便于阅读。
func CapacityFields(tier string, maxBytes int64) logrus.Fields {
	return logrus.Fields{
		"tier":           tier,
		"max_size":       humanize.IBytes(uint64(max(maxBytes, 0))),
		"max_size_bytes": maxBytes,
	}
}
