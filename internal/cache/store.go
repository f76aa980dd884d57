package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理同一根目录下的全部缓存桶。
type Storage interface {
	// Open 返回指定名称的缓存桶，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Lookup 返回已存在的缓存桶，不会创建；桶不存在时返回 ErrBucketNotFound。
	Lookup(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回所有缓存桶名称，按创建顺序排列。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除缓存桶及其全部条目；桶不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Bucket 是以 RequestKey 为键的响应存储。同一键的并发写入以最后一次为准。
type Bucket interface {
	Name() string

	// Match 返回键对应的响应副本。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	// Put 写入（覆盖）单个条目。
	Put(ctx context.Context, key RequestKey, resp *Response) error

	// PutAll 批量写入；任一条目失败时不保留本批次的任何写入。
	PutAll(ctx context.Context, entries []Entry) error

	// Delete 删除单个条目；条目不存在时返回 false。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 返回桶内全部键。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一定位桶内条目（请求方法 + 绝对 URL）。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 规范化请求方法，空方法视为 GET。
func NewRequestKey(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: rawURL}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Response 是缓存的响应快照。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，写入缓存与返回调用方的对象互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

// Entry 组合键与响应，供批量写入使用。
type Entry struct {
	Key      RequestKey
	Response *Response
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketNotFound 表示缓存桶已被删除或从未创建。
	ErrBucketNotFound = errors.New("cache bucket not found")
	// ErrInvalidBucketName 表示桶名无法安全映射到存储介质。
	ErrInvalidBucketName = errors.New("invalid cache bucket name")
)

func validBucketName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func storedAt(resp *Response) time.Time {
	if resp.StoredAt.IsZero() {
		return time.Now().UTC()
	}
	return resp.StoredAt.UTC()
}
