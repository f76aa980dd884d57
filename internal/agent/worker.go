package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/logging"
	"github.com/kp-pos/shellcache/internal/metrics"
)

// Fetcher 是网络访问接口，连接失败时返回 error，其余情况返回带状态码的响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config 是单个 Agent 版本的显式配置。
type Config struct {
	// CacheName 是带版本号的缓存桶名称，同时构成激活时的白名单。
	CacheName string
	// AppShell 是安装阶段预缓存的相对路径，顺序固定。
	AppShell []string
	// Scope 是解析相对路径的基准地址。
	Scope *url.URL
}

func (c Config) sameVersion(other Config) bool {
	return c.CacheName == other.CacheName && slices.Equal(c.AppShell, other.AppShell)
}

// Worker 是一个 Agent 版本，持有自己的 dispatch 表与生命周期状态。
type Worker struct {
	id      int64
	cfg     Config
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger
	host    *Runtime

	handlers map[EventKind]Handler

	mu          sync.RWMutex
	state       State
	installedAt time.Time
	activatedAt time.Time

	skipWaiting atomic.Bool
	claimed     atomic.Bool
}

func newWorker(id int64, cfg Config, host *Runtime) *Worker {
	w := &Worker{
		id:      id,
		cfg:     cfg,
		storage: host.storage,
		fetcher: host.fetcher,
		logger:  host.logger,
		host:    host,
		state:   StateRegistering,
	}
	w.handlers = map[EventKind]Handler{
		EventInstall:  w.handleInstall,
		EventFetch:    w.handleFetch,
		EventActivate: w.handleActivate,
	}
	return w
}

// ID 返回版本序号，按注册顺序递增。
func (w *Worker) ID() int64 {
	return w.id
}

// Config 返回该版本的配置副本。
func (w *Worker) Config() Config {
	cfg := w.cfg
	cfg.AppShell = append([]string(nil), w.cfg.AppShell...)
	return cfg
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Handle 替换 dispatch 表中某类事件的处理函数，只应在安装前调用。
func (w *Worker) Handle(kind EventKind, handler Handler) {
	if handler == nil {
		delete(w.handlers, kind)
		return
	}
	w.handlers[kind] = handler
}

// Dispatch 按事件类型查表执行处理函数。
func (w *Worker) Dispatch(ctx context.Context, ev *Event) error {
	handler, ok := w.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)
	}
	return handler(ctx, ev)
}

// SkipWaiting 请求宿主在安装成功后立即激活本版本。
func (w *Worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

// ClaimClients 让本版本立即接管所有请求。
func (w *Worker) ClaimClients() {
	w.claimed.Store(true)
	w.host.claim(w)
}

// Claimed 表示本版本是否调用过 ClaimClients。
func (w *Worker) Claimed() bool {
	return w.claimed.Load()
}

func (w *Worker) setState(next State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !CanTransition(w.state, next) {
		return fmt.Errorf("invalid transition %s → %s", w.state, next)
	}
	w.state = next
	switch next {
	case StateWaiting:
		w.installedAt = time.Now().UTC()
	case StateActive:
		w.activatedAt = time.Now().UTC()
	}
	return nil
}

func (w *Worker) fields(action string) logrus.Fields {
	return logging.LifecycleFields(action, w.cfg.CacheName, w.id)
}

// handleInstall 打开当前版本的缓存桶并整体写入应用外壳，任一路径失败则全部放弃。
func (w *Worker) handleInstall(ctx context.Context, _ *Event) error {
	bucket, err := w.storage.Open(ctx, w.cfg.CacheName)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", w.cfg.CacheName, err)
	}
	w.logger.WithFields(w.fields("cache_opened")).Info("Opened cache")

	entries, err := w.fetchAll(ctx, w.cfg.AppShell)
	if err != nil {
		return err
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("store app shell: %w", err)
	}

	w.SkipWaiting()
	return nil
}

// fetchAll 并发拉取全部路径，任何网络错误或非 2xx 响应都会使整批失败。
func (w *Worker) fetchAll(ctx context.Context, paths []string) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range paths {
		g.Go(func() error {
			target, err := w.resolve(raw)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			resp, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read %s: %w", target, err)
			}
			entries[i] = cache.Entry{
				Key: cache.NewRequestKey(http.MethodGet, target.String()),
				Response: &cache.Response{
					Status: resp.StatusCode,
					Header: resp.Header.Clone(),
					Body:   body,
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// handleFetch 对 GET 请求执行网络优先策略：200 响应写入缓存，网络失败时回落缓存。
// 非 GET 请求不调用 RespondWith，交还给常规网络路径。
// 缓存桶已被新版本删除时不会重新创建，此时只走网络，回落视为未命中。
func (w *Worker) handleFetch(ctx context.Context, ev *Event) error {
	req := ev.Request
	if req == nil || req.Method != http.MethodGet {
		return nil
	}

	target, err := w.resolve(req.URL.String())
	if err != nil {
		return err
	}
	key := cache.NewRequestKey(req.Method, target.String())

	bucket, err := w.storage.Lookup(ctx, w.cfg.CacheName)
	if err != nil {
		if !errors.Is(err, cache.ErrBucketNotFound) {
			return fmt.Errorf("lookup bucket %s: %w", w.cfg.CacheName, err)
		}
		bucket = nil
	}

	outbound := req.Clone(ctx)
	outbound.URL = target
	resp, netErr := w.fetcher.Fetch(ctx, outbound)
	if netErr == nil {
		return ev.RespondWith(w.networkResult(ctx, bucket, key, resp))
	}

	if bucket == nil {
		return fmt.Errorf("%w: %s (%v)", ErrNotCached, key, netErr)
	}
	cached, err := bucket.Match(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("%w: %s (%v)", ErrNotCached, key, netErr)
		}
		return fmt.Errorf("match %s: %w", key, err)
	}
	w.logger.WithFields(w.fields("cache_fallback")).
		WithField("url", key.URL).
		WithField("network_error", netErr.Error()).
		Debug("served from cache")
	return ev.RespondWith(&FetchResult{
		Status:   cached.Status,
		Header:   cached.Header,
		Body:     io.NopCloser(bytes.NewReader(cached.Body)),
		Source:   SourceCache,
		StoredAt: cached.StoredAt,
	})
}

// networkResult 把网络响应流式交给调用方；仅状态码恰好为 200 时边读边复制，
// 正文完整读到 EOF 后写入缓存。超过 maxCachedBody 或读取中断的正文不入缓存。
func (w *Worker) networkResult(ctx context.Context, bucket cache.Bucket, key cache.RequestKey, resp *http.Response) *FetchResult {
	result := &FetchResult{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
		Source: SourceNetwork,
	}
	if resp.StatusCode != http.StatusOK || bucket == nil {
		return result
	}

	limit := w.host.maxCachedBody
	if resp.ContentLength > limit {
		return result
	}

	header := resp.Header.Clone()
	result.Body = newTeeBody(resp.Body, limit, func(body []byte) {
		stored := &cache.Response{Status: resp.StatusCode, Header: header, Body: body}
		// 客户端断开不应打断缓存写入
		if err := bucket.Put(context.WithoutCancel(ctx), key, stored); err != nil {
			w.logger.WithFields(w.fields("cache_put")).
				WithField("url", key.URL).
				WithError(err).
				Warn("cache_put_failed")
		}
	})
	return result
}

// teeBody 在调用方读取正文的同时复制一份，读到 EOF 时交给 onComplete。
type teeBody struct {
	src        io.ReadCloser
	buf        bytes.Buffer
	limit      int64
	overflow   bool
	done       bool
	onComplete func([]byte)
}

func newTeeBody(src io.ReadCloser, limit int64, onComplete func([]byte)) *teeBody {
	return &teeBody{src: src, limit: limit, onComplete: onComplete}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.overflow {
		if int64(t.buf.Len()+n) > t.limit {
			t.overflow = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !t.overflow && !t.done {
		t.done = true
		t.onComplete(t.buf.Bytes())
	}
	return n, err
}

func (t *teeBody) Close() error {
	return t.src.Close()
}

// handleActivate 并行删除白名单之外的全部缓存桶，全部完成后接管请求。
func (w *Worker) handleActivate(ctx context.Context, _ *Event) error {
	whitelist := []string{w.cfg.CacheName}

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	// 不使用 WithContext：单个删除失败不取消其余删除
	var g errgroup.Group
	for _, name := range names {
		if slices.Contains(whitelist, name) {
			continue
		}
		w.logger.WithFields(w.fields("cache_deleted")).WithField("bucket", name).Info("Deleting old cache")
		g.Go(func() error {
			if _, err := w.storage.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete bucket %s: %w", name, err)
			}
			metrics.IncBucketsDeleted()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.ClaimClients()
	return nil
}

func (w *Worker) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if w.cfg.Scope == nil {
		return nil, fmt.Errorf("relative url %q without scope", raw)
	}
	return w.cfg.Scope.ResolveReference(ref), nil
}
