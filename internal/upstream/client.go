// Package upstream 提供访问 Web 应用源站的共享 HTTP 客户端。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/kp-pos/shellcache/internal/config"
)

// Client 是 agent.Fetcher 的网络实现：复用长连接，并可通过出站代理访问源站。
type Client struct {
	http *http.Client
	base *url.URL
}

// NewClient 根据配置构建共享客户端，超时取自 UpstreamTimeout。
func NewClient(cfg *config.Config) (*Client, error) {
	timeout := 30 * time.Second
	var (
		base  *url.URL
		proxy *url.URL
	)
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		base = cfg.Agent.UpstreamURL()
		proxy = cfg.Agent.ProxyURL()
	}

	tr, err := newTransport(proxy)
	if err != nil {
		return nil, err
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: tr,
			// 重定向交给调用方处理，只有源站真实的 200 才会进入缓存
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		base: base,
	}, nil
}

func newTransport(proxy *url.URL) (*http.Transport, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}
	if err := configureHTTP2(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// configureHTTP2 为 Transport 注册 h2；重复注册会失败。
func configureHTTP2(tr *http.Transport) error {
	if err := http2.ConfigureTransport(tr); err != nil {
		return fmt.Errorf("configure http2 transport: %w", err)
	}
	return nil
}

// Base 返回源站根地址，即 Agent 的作用域。
func (c *Client) Base() *url.URL {
	if c == nil || c.base == nil {
		return nil
	}
	copied := *c.base
	return &copied
}

// Timeout 返回单次请求的超时时间。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Fetch 发出请求并返回源站响应；连接类错误原样返回，由调用方决定是否回落缓存。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	target := req.URL
	if !target.IsAbs() {
		if c.base == nil {
			return nil, errors.New("relative request without upstream base")
		}
		target = c.base.ResolveReference(target)
	}
	out := req.Clone(ctx)
	out.URL = target
	out.RequestURI = ""
	out.Host = out.URL.Host
	out.Header = make(http.Header, len(req.Header))
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	return c.http.Do(out)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
