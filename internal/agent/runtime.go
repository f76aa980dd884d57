package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/metrics"
)

const (
	historyLimit = 8

	// DefaultMaxCachedBody 是单个响应写入缓存的正文上限，超出部分照常返回但不缓存。
	DefaultMaxCachedBody int64 = 32 << 20
)

// Options 描述 Runtime 依赖的缓存存储、网络与日志。
type Options struct {
	Storage cache.Storage
	Fetcher Fetcher
	Logger  *logrus.Logger
	// Configure 在每个新版本安装前调用，可用于替换 dispatch 表中的处理函数。
	Configure func(*Worker)
	// MaxCachedBody 为 0 时使用 DefaultMaxCachedBody。
	MaxCachedBody int64
}

// Runtime 承担宿主角色：串行化版本注册与生命周期迁移，并把 fetch 事件路由给控制版本。
type Runtime struct {
	storage   cache.Storage
	fetcher   Fetcher
	logger    *logrus.Logger
	configure func(*Worker)

	maxCachedBody int64

	// mu 串行化 Register/Update/ActivateWaiting，fetch 路径只读 controller。
	mu  sync.Mutex
	seq int64

	// viewMu 保护 waiting/history，安装进行中也能输出状态。
	viewMu  sync.Mutex
	waiting *Worker
	history []*Worker

	controller atomic.Pointer[Worker]
}

// NewRuntime 校验依赖并构建 Runtime，此时尚无控制版本。
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	maxBody := opts.MaxCachedBody
	if maxBody <= 0 {
		maxBody = DefaultMaxCachedBody
	}
	return &Runtime{
		storage:       opts.Storage,
		fetcher:       opts.Fetcher,
		logger:        opts.Logger,
		configure:     opts.Configure,
		maxCachedBody: maxBody,
	}, nil
}

// Register 注册一个版本并驱动 install → activate。与控制版本相同的配置不会重复安装。
// 安装失败时返回错误且原控制版本保持不变；激活阶段的错误会返回，但新版本仍接管请求。
func (r *Runtime) Register(ctx context.Context, cfg Config) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current := r.controller.Load(); current != nil && current.cfg.sameVersion(cfg) {
		return current, nil
	}
	return r.install(ctx, cfg)
}

// Update 以控制版本的配置强制重新安装，用于刷新应用外壳。
func (r *Runtime) Update(ctx context.Context) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.controller.Load()
	if current == nil {
		return nil, ErrNoController
	}
	return r.install(ctx, current.Config())
}

// ActivateWaiting 激活未调用 SkipWaiting 而停留在 waiting 的版本。
func (r *Runtime) ActivateWaiting(ctx context.Context) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.waitingWorker()
	if w == nil {
		return nil, nil
	}
	return w, r.activate(ctx, w)
}

func (r *Runtime) install(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.CacheName == "" {
		return nil, errors.New("cache name is required")
	}

	r.seq++
	w := newWorker(r.seq, cfg, r)
	if r.configure != nil {
		r.configure(w)
	}
	r.track(w)

	_ = w.setState(StateInstalling)
	started := time.Now()
	err := w.Dispatch(ctx, &Event{Kind: EventInstall})
	metrics.ObserveLifecycle(string(EventInstall), err)

	fields := w.fields("install")
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["app_shell"] = len(cfg.AppShell)
	if err != nil {
		_ = w.setState(StateRedundant)
		r.logger.WithFields(fields).WithError(err).Error("install_failed")
		return nil, fmt.Errorf("install %s: %w", cfg.CacheName, err)
	}
	_ = w.setState(StateWaiting)
	r.logger.WithFields(fields).Info("install_complete")

	// 新版本安装成功即取代旧版本，旧版本在新版本接管前仍继续响应请求
	if prev := r.controller.Load(); prev != nil && prev.State() == StateActive {
		_ = prev.setState(StateSuperseded)
	}
	r.viewMu.Lock()
	if r.waiting != nil && r.waiting != w {
		_ = r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	r.viewMu.Unlock()

	if !w.skipWaiting.Load() && r.controller.Load() != nil {
		return w, nil
	}
	return w, r.activate(ctx, w)
}

func (r *Runtime) activate(ctx context.Context, w *Worker) error {
	r.viewMu.Lock()
	if r.waiting == w {
		r.waiting = nil
	}
	r.viewMu.Unlock()
	prev := r.controller.Load()

	_ = w.setState(StateActivating)
	started := time.Now()
	err := w.Dispatch(ctx, &Event{Kind: EventActivate})
	metrics.ObserveLifecycle(string(EventActivate), err)

	_ = w.setState(StateActive)
	r.controller.Store(w)
	if prev != nil && prev != w && prev.State() == StateActive {
		_ = prev.setState(StateSuperseded)
	}
	metrics.SetActive(w.cfg.CacheName)

	fields := w.fields("activate")
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["claimed"] = w.Claimed()
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return fmt.Errorf("activate %s: %w", w.cfg.CacheName, err)
	}
	r.logger.WithFields(fields).Info("activate_complete")
	return nil
}

func (r *Runtime) claim(w *Worker) {
	r.controller.Store(w)
}

func (r *Runtime) waitingWorker() *Worker {
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	return r.waiting
}

func (r *Runtime) track(w *Worker) {
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	r.history = append(r.history, w)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}

// Controller 返回当前控制请求的版本，尚未激活任何版本时为 nil。
func (r *Runtime) Controller() *Worker {
	return r.controller.Load()
}

// Storage 返回 Runtime 使用的缓存存储。
func (r *Runtime) Storage() cache.Storage {
	return r.storage
}

// Fetch 把请求作为 fetch 事件派发给控制版本。
// 返回 ErrPassThrough 时调用方应直接访问网络；返回 ErrNotCached 表示离线且无缓存。
func (r *Runtime) Fetch(ctx context.Context, req *http.Request) (*FetchResult, error) {
	w := r.controller.Load()
	if w == nil {
		return nil, ErrNoController
	}
	ev := &Event{Kind: EventFetch, Request: req}
	if err := w.Dispatch(ctx, ev); err != nil {
		return nil, err
	}
	res, ok := ev.Result()
	if !ok || res == nil {
		return nil, ErrPassThrough
	}
	return res, nil
}

// WorkerInfo 是版本状态的只读快照。
type WorkerInfo struct {
	ID          int64     `json:"id"`
	CacheName   string    `json:"cache_name"`
	AppShell    []string  `json:"app_shell"`
	State       State     `json:"state"`
	Claimed     bool      `json:"claimed"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Status 汇总控制版本、等待版本、近期版本与现存缓存桶。
type Status struct {
	Controller *WorkerInfo  `json:"controller"`
	Waiting    *WorkerInfo  `json:"waiting,omitempty"`
	Versions   []WorkerInfo `json:"versions"`
	Buckets    []string     `json:"buckets"`
}

// Info 返回版本快照。
func (w *Worker) Info() WorkerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerInfo{
		ID:          w.id,
		CacheName:   w.cfg.CacheName,
		AppShell:    append([]string(nil), w.cfg.AppShell...),
		State:       w.state,
		Claimed:     w.claimed.Load(),
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
}

// Snapshot 返回 Runtime 当前状态，供诊断接口输出。
func (r *Runtime) Snapshot(ctx context.Context) (Status, error) {
	r.viewMu.Lock()
	var status Status
	if c := r.controller.Load(); c != nil {
		info := c.Info()
		status.Controller = &info
	}
	if r.waiting != nil {
		info := r.waiting.Info()
		status.Waiting = &info
	}
	for _, w := range r.history {
		status.Versions = append(status.Versions, w.Info())
	}
	r.viewMu.Unlock()

	buckets, err := r.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Buckets = buckets
	return status, nil
}
