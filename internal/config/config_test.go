package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	g := cfg.Global
	if g.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当被解析, got %d", g.ListenPort)
	}
	if !filepath.IsAbs(g.CacheDir) {
		t.Fatalf("CacheDir 应转换为绝对路径: %s", g.CacheDir)
	}
	if g.DiskMaxSize.Bytes() != 64<<20 {
		t.Fatalf("DiskMaxSize 应解析为 64MiB, got %d", g.DiskMaxSize)
	}
	if g.MemoryMaxSize.Bytes() != 1<<20 {
		t.Fatalf("MemoryMaxSize 应支持整数写法, got %d", g.MemoryMaxSize)
	}
	if g.DiskCompression != "snappy" || g.AppVersion != 3 {
		t.Fatalf("磁盘参数解析错误: %+v", g)
	}
	if g.InitialBackoff.DurationValue() != 250*time.Millisecond {
		t.Fatalf("InitialBackoff 解析错误: %s", g.InitialBackoff.DurationValue())
	}
	if g.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 纯数字应按秒解析: %s", g.UpstreamTimeout.DurationValue())
	}
	if g.MaxResponseSize.Bytes() != 32<<20 {
		t.Fatalf("MaxResponseSize 应填充默认值, got %d", g.MaxResponseSize)
	}
	if g.JournalCompactThreshold != 2000 || g.MemoryFraction != 8 || g.PrefetchLimit != 8 {
		t.Fatalf("默认值未生效: %+v", g)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.CacheDir" {
		t.Fatalf("应返回 CacheDir 字段错误, got %v", err)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*GlobalConfig)
		field  string
	}{
		{"valid", func(*GlobalConfig) {}, ""},
		{"bad log level", func(g *GlobalConfig) { g.LogLevel = "loud" }, "Global.LogLevel"},
		{"zero disk size", func(g *GlobalConfig) { g.DiskMaxSize = 0 }, "Global.DiskMaxSize"},
		{"unknown compression", func(g *GlobalConfig) { g.DiskCompression = "zstd" }, "Global.DiskCompression"},
		{"zero app version", func(g *GlobalConfig) { g.AppVersion = 0 }, "Global.AppVersion"},
		{"negative workers", func(g *GlobalConfig) { g.Workers = -1 }, "Global.Workers"},
		{"negative retries", func(g *GlobalConfig) { g.MaxRetries = -1 }, "Global.MaxRetries"},
		{"zero fraction", func(g *GlobalConfig) { g.MemoryFraction = 0 }, "Global.MemoryFraction"},
		{"zero backoff", func(g *GlobalConfig) { g.InitialBackoff = 0 }, "Global.InitialBackoff"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Global)
			err := cfg.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) || fieldErr.Field != tc.field {
				t.Fatalf("expected field error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestValidateUpstream(t *testing.T) {
	testCases := []struct {
		upstream  string
		shouldErr bool
	}{
		{"", false},
		{"https://images.example.com", false},
		{"ftp://images.example.com", true},
		{"https://", true},
	}
	for _, tc := range testCases {
		cfg := validConfig()
		cfg.Global.Upstream = tc.upstream
		err := cfg.Validate()
		if tc.shouldErr && err == nil {
			t.Fatalf("expected error for upstream %q", tc.upstream)
		}
		if !tc.shouldErr && err != nil {
			t.Fatalf("unexpected error for upstream %q: %v", tc.upstream, err)
		}
	}
}

func TestByteSizeString(t *testing.T) {
	if got := ByteSize(20 << 20).String(); got != "20 MiB" {
		t.Fatalf("unexpected format: %s", got)
	}
	var b ByteSize
	if err := b.UnmarshalText([]byte("512 KiB")); err != nil || b != 512<<10 {
		t.Fatalf("UnmarshalText 解析错误: %v %d", err, b)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			CacheDir:        "./data",
			AppVersion:      1,
			DiskMaxSize:     20 << 20,
			DiskCompression: "none",
			MemoryFraction:  8,
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
			MaxResponseSize: 1 << 20,
		},
	}
}
