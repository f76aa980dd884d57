package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/kp-pos/shellcache/internal/agent"
	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/config"
	"github.com/kp-pos/shellcache/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("SHELLCACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "shellcache") {
		t.Fatalf("version 输出应包含 shellcache 标识")
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("SHELLCACHE_CONFIG", "")

	opts, err := parseCLIFlags([]string{"--check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || !opts.checkOnly {
		t.Fatalf("默认配置路径或 check-config 解析错误: %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestAgentConfigFromFile(t *testing.T) {
	cfg, err := config.Load(configFixture(t, "valid.toml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	got := agentConfig(cfg)
	if got.CacheName != "kp-pos-cache-v5" || len(got.AppShell) != 2 {
		t.Fatalf("Agent 配置映射错误: %+v", got)
	}
	if got.Scope == nil || got.Scope.String() != "https://pos.example.com/app/" {
		t.Fatalf("作用域应取自 Upstream，得到 %v", got.Scope)
	}
}

// countingFetcher 对任意请求返回 200，并统计调用次数。
type countingFetcher struct {
	calls atomic.Int64
}

func (f *countingFetcher) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("shell:" + req.URL.Path)),
		Request:    req,
	}, nil
}

func TestReloadSkipsUnchangedVersion(t *testing.T) {
	initial, err := config.Load(configFixture(t, "valid.toml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("初始化缓存失败: %v", err)
	}
	fetcher := &countingFetcher{}
	logger := logging.NewDiscardLogger()
	rt, err := agent.NewRuntime(agent.Options{Storage: store, Fetcher: fetcher, Logger: logger})
	if err != nil {
		t.Fatalf("初始化 Agent 失败: %v", err)
	}
	ctx := context.Background()
	if err := registerVersion(ctx, rt, initial, logger); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	first := rt.Controller()
	calls := fetcher.calls.Load()

	reload := newReloadHandler(ctx, "config.toml", rt, initial, logger)
	same := *initial
	same.Global.LogLevel = "debug"
	reload(&same, fsnotify.Event{Name: "config.toml", Op: fsnotify.Write})
	if rt.Controller() != first || fetcher.calls.Load() != calls {
		t.Fatalf("版本未变化时不应重新注册")
	}

	next := *initial
	next.Agent.CacheName = "kp-pos-cache-v6"
	reload(&next, fsnotify.Event{Name: "config.toml", Op: fsnotify.Write})
	ctrl := rt.Controller()
	if ctrl == nil || ctrl.Config().CacheName != "kp-pos-cache-v6" {
		t.Fatalf("CacheName 变化应注册新版本")
	}
	if fetcher.calls.Load() == calls {
		t.Fatalf("新版本应重新安装应用外壳")
	}
}
