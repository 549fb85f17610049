package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/artifact"
	"github.com/any-hub/tiercache/internal/config"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/pipeline"
	"github.com/any-hub/tiercache/internal/resolver"
	"github.com/any-hub/tiercache/internal/server"
	"github.com/any-hub/tiercache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	resolveKey  string
	outPath     string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.Global.CacheDir
		fields["disk_max_size"] = cfg.Global.DiskMaxSize.String()
		fields["compression"] = cfg.Global.DiskCompression
		fields["upstream"] = cfg.Global.Upstream
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘层 → 内存层 → 上游 → Resolver → HTTP/CLI。
	s, err := buildStack(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.WithError(err).Warn("cache_close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.resolveKey != "" {
		return resolveOnce(ctx, s, opts.resolveKey, opts.outPath)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["disk_tier"] = s.disk != nil
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, s, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tiercache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		resolveKey string
		outPath    string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TIERCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&resolveKey, "resolve", "", "解析单个 key 后退出")
	fs.StringVar(&outPath, "out", "", "-resolve 结果写入的文件（PNG），为空时只输出摘要")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if outPath != "" && resolveKey == "" {
		return cliOptions{}, errors.New("-out 需要与 -resolve 一起使用")
	}

	path := os.Getenv(config.EnvPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		resolveKey:  resolveKey,
		outPath:     outPath,
	}, nil
}

// resolveOnce 解析 key，在 CLI 自己的 Loop 上交付结果，写文件并打印来源层级。
func resolveOnce(ctx context.Context, s *stack, key, outPath string) int {
	reqID := uuid.NewString()
	loop := pipeline.NewLoop()
	code := 1

	s.resolver.Load(key).On(loop).Into(ctx, resolver.TargetFunc(func(a *artifact.Artifact, err error) {
		defer loop.Close()
		entry := s.logger.WithField("request_id", reqID).WithField("key", key)
		if err != nil {
			entry.WithError(err).Warn("resolve_failed")
			fmt.Fprintf(stdErr, "解析失败: %v\n", err)
			return
		}
		if outPath != "" {
			if err := writeArtifact(s.codec, a, outPath); err != nil {
				entry.WithError(err).Error("artifact_write_failed")
				fmt.Fprintf(stdErr, "写入文件失败: %v\n", err)
				return
			}
		}
		bounds := a.Image.Bounds()
		fmt.Fprintf(stdOut, "%s %dx%d %s\n", key, bounds.Dx(), bounds.Dy(), a.Format)
		code = 0
	}))
	loop.Run(ctx)
	return code
}

func writeArtifact(codec artifact.Codec, a *artifact.Artifact, path string) error {
	data, err := codec.Encode(a)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func startHTTPServer(ctx context.Context, cfg *config.Config, s *stack, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	opts := server.AppOptions{
		Logger:  logger,
		Service: s.resolver,
		Codec:   s.codec,
		Stats:   s.stats,
		MaxBody: int(cfg.Global.MaxResponseSize.Bytes()),
	}
	if s.metrics != nil {
		opts.Metrics = s.metrics.Handler()
	}
	app, err := server.NewApp(opts)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
