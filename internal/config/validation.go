package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 fs/sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	a := c.Agent
	if err := validateCacheName(a.CacheName); err != nil {
		return fmt.Errorf("%s: %w", agentField("CacheName"), err)
	}
	if err := validateUpstream(a.Upstream); err != nil {
		return fmt.Errorf("%s: %w", agentField("Upstream"), err)
	}
	if a.Proxy != "" {
		if err := validateUpstream(a.Proxy); err != nil {
			return fmt.Errorf("%s: %w", agentField("Proxy"), err)
		}
	}
	seen := make(map[string]struct{}, len(a.AppShell))
	for _, entry := range a.AppShell {
		if err := validateShellPath(entry); err != nil {
			return fmt.Errorf("%s: %w", agentField("AppShell"), err)
		}
		if _, dup := seen[entry]; dup {
			return newFieldError(agentField("AppShell"), "重复路径: "+entry)
		}
		seen[entry] = struct{}{}
	}

	return nil
}

func validateCacheName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\ `) {
		return errors.New("不允许包含路径分隔符或空格")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	return nil
}

// validateShellPath 只接受相对于上游的路径，绝对 URL 会绕过上游配置。
func validateShellPath(raw string) error {
	if raw == "" {
		return errors.New("路径不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return fmt.Errorf("仅支持相对路径: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
