package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/metrics"
	"github.com/shell-cache/shell-cache/internal/server"
	"github.com/shell-cache/shell-cache/internal/server/routes"
	"github.com/shell-cache/shell-cache/internal/version"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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
		fields["generation"] = cfg.App.CacheVersion
		fields["manifest"] = len(cfg.App.Manifest)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动遵循“配置 → 缓存后端 → 运行时部署 → Fiber server”顺序，
	// 保证第一个请求到达时代际已经安装完成。
	store, err := cache.Open(ctx, cache.Options{
		Backend:       cfg.Global.StoreBackend,
		Path:          cfg.Global.StoragePath,
		RedisAddr:     cfg.Global.RedisAddr,
		RedisPassword: cfg.Global.RedisPassword,
		RedisDB:       cfg.Global.RedisDB,
		RedisPrefix:   cfg.Global.RedisPrefix,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	defer store.Close()

	rt, err := worker.New(worker.Options{
		Config:  cfg,
		Store:   store,
		Logger:  logger,
		Metrics: metrics.New(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := rt.Deploy(ctx, cfg); err != nil {
		fmt.Fprintf(stdErr, "部署缓存代际失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["generation"] = cfg.App.CacheVersion
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if cfg.Global.WatchConfig {
		if err := watchConfig(ctx, opts.configPath, rt, logger); err != nil {
			logger.WithError(err).Warn("配置热加载不可用")
		}
	}
	go rt.Run(ctx)

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// watchConfig 在配置文件变化时重新部署；CacheVersion 或清单变化会安装新代际，
// 一次性同步标签随部署更新。
func watchConfig(ctx context.Context, path string, rt *worker.Runtime, logger *logrus.Logger) error {
	return config.Watch(ctx, path, config.DefaultWatchDebounce, func(next *config.Config, err error) {
		fields := logging.BaseFields("config_reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("配置重新加载失败，保持当前部署")
			return
		}
		prev := rt.Config()
		if prev != nil && !slices.Equal(prev.Sync.Periodic, next.Sync.Periodic) {
			logger.WithFields(fields).Warn("周期同步调度变更需要重启后生效")
		}
		if err := rt.Deploy(ctx, next); err != nil {
			logger.WithFields(fields).WithError(err).Error("重新部署失败")
			return
		}
		fields["generation"] = next.App.CacheVersion
		logger.WithFields(fields).Info("配置已重新部署")
	})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shell-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELL_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELL_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *worker.Runtime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Interceptor: rt,
		ListenPort:  port,
	})
	if err != nil {
		return err
	}
	routes.RegisterClientRoutes(app, rt, logger)
	routes.RegisterEventRoutes(app, rt)
	routes.RegisterStatusRoutes(app, rt)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
