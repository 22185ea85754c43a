package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tronexi/offline-hub/internal/cache"
	"github.com/tronexi/offline-hub/internal/config"
	"github.com/tronexi/offline-hub/internal/logging"
	"github.com/tronexi/offline-hub/internal/proxy"
	"github.com/tronexi/offline-hub/internal/server"
	"github.com/tronexi/offline-hub/internal/server/routes"
	"github.com/tronexi/offline-hub/internal/version"
	"github.com/tronexi/offline-hub/internal/worker"
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

// listen 在测试中可替换，避免真正占用端口。
var listen = startHTTPServer

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
		fields["workers"] = len(cfg.Workers)
		fields["caches"] = config.CacheSummary(cfg.Workers)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 回源 Client → 磁盘缓存 → scope 路由 → worker 注册与 install → Fiber server。
	// 所有 scope 共享同一个缓存实例与回源连接池。
	originClient := server.NewOriginClient(cfg)
	storage, err := cache.NewStorage(cfg.Global.StoragePath, cache.StorageOptions{
		Fetcher:     originClient,
		Concurrency: cfg.Global.InstallConcurrency,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	scopes, err := server.NewScopeRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 scope 路由失败: %v\n", err)
		return 1
	}

	workers, err := buildWorkerRegistry(cfg, scopes, storage, originClient, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "注册 worker 失败: %v\n", err)
		return 1
	}
	installAll(context.Background(), workers, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["workers"] = len(cfg.Workers)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["caches"] = config.CacheSummary(cfg.Workers)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewForwarder(proxy.NewHandler(originClient, logger, workers), logger)
	if err := listen(cfg, serverDeps{
		scopes:  scopes,
		workers: workers,
		storage: storage,
		proxy:   handler,
		logger:  logger,
	}); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildWorkerRegistry 为每个 scope 创建 Registration，脚本在每次 Update 时构造新的 worker 版本。
func buildWorkerRegistry(
	cfg *config.Config,
	scopes *server.ScopeRegistry,
	storage cache.Storage,
	originClient cache.Fetcher,
	logger *logrus.Logger,
) (*worker.Registry, error) {
	registry := worker.NewRegistry()
	for _, route := range scopes.List() {
		reg, err := worker.NewRegistration(worker.RegistrationOptions{
			Scope:          route.Config.Name,
			InstallTimeout: cfg.Global.InstallTimeout.DurationValue(),
			Logger:         logger,
			Script:         scriptFor(route, storage, originClient, logger),
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Add(reg); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func scriptFor(route server.ScopeRoute, storage cache.Storage, network cache.Fetcher, logger *logrus.Logger) worker.ScriptFunc {
	return func() (worker.Handlers, error) {
		return worker.New(worker.Options{
			Scope:        route.Config.Name,
			Version:      route.Config.Version,
			CacheName:    route.Config.CacheName,
			Origin:       route.OriginURL,
			Assets:       route.Config.Assets,
			IgnoreSearch: route.Config.IgnoreSearch,
			Storage:      storage,
			Network:      network,
			Logger:       logger,
		})
	}
}

// installAll 并发执行所有 scope 的首次安装；失败只记录日志，该 scope 以无控制者状态继续服务。
func installAll(ctx context.Context, workers *worker.Registry, logger *logrus.Logger) {
	var g errgroup.Group
	for _, reg := range workers.List() {
		g.Go(func() error {
			if err := reg.Update(ctx); err != nil {
				logger.WithFields(logrus.Fields{
					"action": "startup",
					"scope":  reg.Scope(),
				}).WithError(err).Warn("initial install failed; scope stays uncontrolled")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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

// serverDeps 是 HTTP 层需要的全部运行时组件。
type serverDeps struct {
	scopes  *server.ScopeRegistry
	workers *worker.Registry
	storage cache.Storage
	proxy   server.ProxyHandler
	logger  *logrus.Logger
}

func startHTTPServer(cfg *config.Config, deps serverDeps) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     deps.logger,
		Registry:   deps.scopes,
		Proxy:      deps.proxy,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, routes.WorkerRoutesOptions{
		Scopes:  deps.scopes,
		Workers: deps.workers,
		Storage: deps.storage,
	})

	deps.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
