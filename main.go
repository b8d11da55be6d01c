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
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/costa-library/offline-edge/internal/cache"
	"github.com/costa-library/offline-edge/internal/config"
	"github.com/costa-library/offline-edge/internal/logging"
	"github.com/costa-library/offline-edge/internal/proxy"
	"github.com/costa-library/offline-edge/internal/server"
	"github.com/costa-library/offline-edge/internal/server/routes"
	"github.com/costa-library/offline-edge/internal/version"
	"github.com/costa-library/offline-edge/internal/worker"
)

const configEnv = "OFFLINE_EDGE_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	bumpName    bool
	dumpConfig  bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr

	// now 可在测试中替换，用于生成确定的 bucket 名称。
	now = time.Now
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

	if opts.bumpName {
		name, err := config.BumpCacheName(opts.configPath, now())
		if err != nil {
			fmt.Fprintf(stdErr, "更新缓存名称失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdOut, name)
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	if opts.dumpConfig {
		enc := yaml.NewEncoder(stdOut)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintf(stdErr, "输出配置失败: %v\n", err)
			return 1
		}
		_ = enc.Close()
		return 0
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["bucket"] = cfg.Cache.Name
		fields["origin"] = cfg.Cache.Origin
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, opts.configPath, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 存储 → 指标 → 上游 → 注册控制器 → Fiber server”顺序组装服务，
// ctx 取消后优雅退出。
func serve(ctx context.Context, configPath string, cfg *config.Config, logger *logrus.Logger) error {
	storage, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := worker.NewMetrics(registry, cfg.Global.MetricsNamespace)
	if err != nil {
		return err
	}

	fetcher, err := server.NewOriginFetcher(
		server.NewUpstreamClient(cfg),
		cfg.Cache.OriginURL(),
		cfg.Cache.EffectivePublicURL(),
	)
	if err != nil {
		return err
	}

	registration, err := server.NewRegistration(server.RegistrationOptions{
		Storage: storage,
		Fetcher: fetcher,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer registration.Close()

	// 安装失败不阻止启动：请求直通上游，等待下一次配置变更重新注册。
	_ = registration.Register(ctx, cfg.Cache)

	if cfg.Global.WatchConfig {
		err := config.Watch(configPath, logger, func(next *config.Config) {
			_ = registration.Register(ctx, next.Cache)
		})
		if err != nil {
			logger.WithFields(logging.BaseFields("config_watch", configPath)).WithError(err).Warn("config_watch_failed")
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxy.NewForwarder(proxy.NewHandler(registration, fetcher, logger), logger),
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, registration, registry)

	fields := logging.BaseFields("startup", configPath)
	fields["bucket"] = cfg.Cache.Name
	fields["origin"] = cfg.Cache.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return listen(ctx, app, cfg.Global.ListenPort, logger)
}

func listen(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("Fiber 服务停止")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		bumpName   bool
		dumpConfig bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_EDGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&bumpName, "bump-cache-name", false, "为 Cache.Name 生成新的版本后缀并写回配置文件")
	fs.BoolVar(&dumpConfig, "dump-config", false, "以 YAML 输出合并默认值后的配置")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
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
		bumpName:    bumpName,
		dumpConfig:  dumpConfig,
	}, nil
}
