package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	bucketMarker = ".bucket"
	metaSuffix   = ".meta"
	bodySuffix   = ".body"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，每个缓存桶对应一个子目录。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发读写交错，bucketMu 串行化桶的创建与删除。
type fileStore struct {
	basePath string

	bucketMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Key      RequestKey  `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}

	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()

	marker := filepath.Join(dir, bucketMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		created := []byte(strconv.FormatInt(time.Now().UTC().UnixNano(), 10))
		if err := writeFileAtomic(ctx, dir, marker, created); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, bucketMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
		}
		return nil, err
	}
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(filepath.Join(dir, bucketMarker))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type bucketInfo struct {
		name    string
		created int64
	}
	buckets := make([]bucketInfo, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || !validBucketName(item.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, item.Name(), bucketMarker))
		if err != nil {
			// 没有 marker 的目录不是缓存桶
			continue
		}
		created, _ := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		buckets = append(buckets, bucketInfo{name: item.Name(), created: created})
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].created != buckets[j].created {
			return buckets[i].created < buckets[j].created
		}
		return buckets[i].name < buckets[j].name
	})

	names := make([]string, len(buckets))
	for i, b := range buckets {
		names[i] = b.name
	}
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}

	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, bucketMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) bucketDir(name string) (string, error) {
	if !validBucketName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileBucket struct {
	store *fileStore
	name  string
	dir   string
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := b.store.lockEntry(b.lockKey(key))
	defer unlock()
	return b.read(key)
}

func (b *fileBucket) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if err := b.ensureExists(); err != nil {
		return err
	}
	unlock := b.store.lockEntry(b.lockKey(key))
	defer unlock()
	return b.write(ctx, key, resp)
}

// PutAll 逐条写入，失败时把已写入的条目恢复到写入前的状态。
func (b *fileBucket) PutAll(ctx context.Context, entries []Entry) error {
	if err := b.ensureExists(); err != nil {
		return err
	}

	type undo struct {
		key      RequestKey
		previous *Response
	}
	applied := make([]undo, 0, len(entries))

	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			u := applied[i]
			unlock := b.store.lockEntry(b.lockKey(u.key))
			if u.previous != nil {
				_ = b.write(context.Background(), u.key, u.previous)
			} else {
				_ = b.remove(u.key)
			}
			unlock()
		}
	}

	for _, entry := range entries {
		if entry.Response == nil {
			rollback()
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		unlock := b.store.lockEntry(b.lockKey(entry.Key))
		previous, err := b.read(entry.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			unlock()
			rollback()
			return err
		}
		if err := b.write(ctx, entry.Key, entry.Response); err != nil {
			unlock()
			rollback()
			return err
		}
		unlock()
		applied = append(applied, undo{key: entry.Key, previous: previous})
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := b.store.lockEntry(b.lockKey(key))
	defer unlock()

	if _, err := b.read(key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := b.remove(key); err != nil {
		return false, err
	}
	return true, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}

	keys := make([]RequestKey, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.dir, item.Name()))
		if err != nil {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL != keys[j].URL {
			return keys[i].URL < keys[j].URL
		}
		return keys[i].Method < keys[j].Method
	})
	return keys, nil
}

func (b *fileBucket) ensureExists() error {
	if _, err := os.Stat(filepath.Join(b.dir, bucketMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
		}
		return err
	}
	return nil
}

func (b *fileBucket) read(key RequestKey) (*Response, error) {
	base := b.entryBase(key)
	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	// 哈希碰撞时 meta 中记录的键与请求不一致
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if int64(len(body)) != meta.Size {
		return nil, fmt.Errorf("cache body size mismatch for %s", key)
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

// write 先落正文再落 meta，meta 存在即代表条目完整。
func (b *fileBucket) write(ctx context.Context, key RequestKey, resp *Response) error {
	base := b.entryBase(key)
	if err := writeFileAtomic(ctx, b.dir, base+bodySuffix, resp.Body); err != nil {
		return err
	}
	meta := entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Size:     int64(len(resp.Body)),
		StoredAt: storedAt(resp),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(ctx, b.dir, base+metaSuffix, raw)
}

func (b *fileBucket) remove(key RequestKey) error {
	base := b.entryBase(key)
	if err := os.Remove(base + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) entryBase(key RequestKey) string {
	return filepath.Join(b.dir, fmt.Sprintf("%016x", hashKey(key)))
}

func (b *fileBucket) lockKey(key RequestKey) string {
	return b.name + "::" + key.String()
}

func hashKey(key RequestKey) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key.Method)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.URL)
	return h.Sum64()
}

func writeFileAtomic(ctx context.Context, dir, target string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
