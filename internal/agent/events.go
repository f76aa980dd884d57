package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// EventKind 是 dispatch 表的键。
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventFetch    EventKind = "fetch"
	EventActivate EventKind = "activate"
)

// Handler 处理一次生命周期事件；返回即代表事件的延长生命周期结束。
type Handler func(ctx context.Context, ev *Event) error

var (
	// ErrPassThrough 表示 fetch 事件未被响应，请求应直接走网络。
	ErrPassThrough = errors.New("fetch not handled by agent")
	// ErrNotCached 表示网络失败且缓存中没有对应条目。
	ErrNotCached = errors.New("network failed and no cached response")
	// ErrNoController 表示尚无任何版本完成激活。
	ErrNoController = errors.New("no active agent version")
	// ErrNoHandler 表示 dispatch 表中缺少该事件的处理函数。
	ErrNoHandler = errors.New("no handler for event")
)

// Source 标记 fetch 结果来自网络还是缓存桶。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// FetchResult 是 fetch 事件交给调用方的响应，调用方负责关闭 Body。
type FetchResult struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Source Source
	// StoredAt 仅在 Source 为 cache 时有值。
	StoredAt time.Time
}

// Event 携带事件类型与 fetch 请求；fetch 处理函数通过 RespondWith 给出响应。
type Event struct {
	Kind    EventKind
	Request *http.Request

	mu        sync.Mutex
	result    *FetchResult
	responded bool
}

// RespondWith 设置 fetch 结果，只能调用一次。
func (e *Event) RespondWith(res *FetchResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Kind != EventFetch {
		return fmt.Errorf("respondWith on %s event", e.Kind)
	}
	if e.responded {
		return errors.New("respondWith already called")
	}
	e.result = res
	e.responded = true
	return nil
}

// Result 返回 RespondWith 设置的结果；未响应时 ok 为 false。
func (e *Event) Result() (*FetchResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.responded
}
