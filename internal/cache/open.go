package cache

import (
	"fmt"
	"strings"
)

// Open 按后端名称构建 Storage，整个进程复用一份实例。
func Open(backend, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "fs":
		return NewStore(basePath)
	case "sqlite":
		return NewSQLiteStore(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
