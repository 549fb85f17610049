package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedCompressions = map[string]struct{}{
	"none":   {},
	"snappy": {},
}

const supportedCompressionList = "none|snappy"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError(globalField("LogLevel"), "无法识别的日志级别")
		}
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError(globalField("CacheDir"), "不能为空")
	}
	if g.AppVersion <= 0 {
		return newFieldError(globalField("AppVersion"), "必须大于 0")
	}
	if g.DiskMaxSize <= 0 {
		return newFieldError(globalField("DiskMaxSize"), "必须大于 0")
	}
	if _, ok := supportedCompressions[g.DiskCompression]; !ok {
		return newFieldError(globalField("DiskCompression"), "仅支持 "+supportedCompressionList)
	}
	if g.JournalCompactThreshold < 0 {
		return newFieldError(globalField("JournalCompactThreshold"), "不能为负数")
	}
	if g.MemoryFraction <= 0 {
		return newFieldError(globalField("MemoryFraction"), "必须大于 0")
	}
	if g.MemoryMaxSize < 0 {
		return newFieldError(globalField("MemoryMaxSize"), "不能为负数")
	}
	if g.Workers < 0 {
		return newFieldError(globalField("Workers"), "不能为负数")
	}
	if g.PrefetchLimit < 0 {
		return newFieldError(globalField("PrefetchLimit"), "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError(globalField("MaxRetries"), "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(globalField("InitialBackoff"), "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.MaxResponseSize <= 0 {
		return newFieldError(globalField("MaxResponseSize"), "必须大于 0")
	}
	if g.Upstream != "" {
		if err := validateUpstream(g.Upstream); err != nil {
			return fmt.Errorf("%s: %w", globalField("Upstream"), err)
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
