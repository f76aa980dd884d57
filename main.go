package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/kp-pos/shellcache/internal/agent"
	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/config"
	"github.com/kp-pos/shellcache/internal/logging"
	"github.com/kp-pos/shellcache/internal/metrics"
	"github.com/kp-pos/shellcache/internal/proxy"
	"github.com/kp-pos/shellcache/internal/server"
	"github.com/kp-pos/shellcache/internal/server/routes"
	"github.com/kp-pos/shellcache/internal/upstream"
	"github.com/kp-pos/shellcache/internal/version"
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
		fields["cache_name"] = cfg.Agent.CacheName
		fields["app_shell"] = len(cfg.Agent.AppShell)
		fields["upstream"] = cfg.Agent.Upstream
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → 上游客户端 → Agent 注册 → Fiber server”顺序，
	// 保证所有请求共享同一个 Runtime 与缓存实例。
	store, err := cache.Open(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	metrics.Init()
	client, err := upstream.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化上游客户端失败: %v\n", err)
		return 1
	}
	rt, err := agent.NewRuntime(agent.Options{
		Storage: store,
		Fetcher: client,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Agent 失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["upstream"] = cfg.Agent.Upstream
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 源站不可达时安装失败，服务仍以直通模式启动，等待下一次注册
	_ = registerVersion(ctx, rt, cfg, logger)

	if cfg.Global.WatchConfig {
		if _, err := watchConfig(ctx, opts.configPath, rt, cfg, logger); err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	if err := startHTTPServer(ctx, cfg, rt, client, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// registerVersion 以配置中的 CacheName/AppShell 注册 Agent 版本，失败时记录日志并返回错误。
func registerVersion(ctx context.Context, rt *agent.Runtime, cfg *config.Config, logger *logrus.Logger) error {
	_, err := rt.Register(ctx, agentConfig(cfg))
	if err == nil {
		return nil
	}
	logger.WithFields(logrus.Fields{
		"action":     "register",
		"cache_name": cfg.Agent.CacheName,
	}).WithError(err).Warn("Agent 版本注册失败")
	return err
}

func agentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		CacheName: cfg.Agent.CacheName,
		AppShell:  append([]string(nil), cfg.Agent.AppShell...),
		Scope:     cfg.Agent.UpstreamURL(),
	}
}

// watchConfig 在配置文件变化时重新注册版本；上游地址与监听端口的修改需要重启生效。
func watchConfig(ctx context.Context, path string, rt *agent.Runtime, initial *config.Config, logger *logrus.Logger) (*config.Watcher, error) {
	return config.Watch(path, newReloadHandler(ctx, path, rt, initial, logger), func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).WithError(err).Error("配置重新加载失败，保留旧配置")
	})
}

// newReloadHandler 返回配置变更回调；已有控制版本且 CacheName/AppShell 未变化时跳过注册。
func newReloadHandler(ctx context.Context, path string, rt *agent.Runtime, initial *config.Config, logger *logrus.Logger) func(*config.Config, fsnotify.Event) {
	var mu sync.Mutex
	current := initial.Agent
	return func(next *config.Config, e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		fields := logging.BaseFields("config_reload", path)
		fields["event"] = e.Op.String()
		fields["cache_name"] = next.Agent.CacheName
		if next.Agent.Upstream != initial.Agent.Upstream || next.Global.ListenPort != initial.Global.ListenPort {
			logger.WithFields(fields).Warn("Upstream/ListenPort 变更需重启生效")
		}
		next.Agent.Upstream = initial.Agent.Upstream
		if rt.Controller() != nil && next.Agent.SameVersion(current) {
			logger.WithFields(fields).Info("配置已重新加载，版本未变化")
			return
		}
		logger.WithFields(fields).Info("配置已重新加载")
		if err := registerVersion(ctx, rt, next, logger); err != nil {
			return
		}
		current = next.Agent
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *agent.Runtime, client *upstream.Client, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewHandler(rt, client, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, rt, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
