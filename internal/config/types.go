package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
}

// AgentConfig 决定当前版本的缓存桶名称、应用外壳清单以及回源地址。
type AgentConfig struct {
	// CacheName 是带版本号的缓存桶名称，修改即触发新版本安装。
	CacheName string   `mapstructure:"CacheName"`
	AppShell  []string `mapstructure:"AppShell"`
	Upstream  string   `mapstructure:"Upstream"`
	Proxy     string   `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:",squash"`
}

// UpstreamURL 返回解析后的上游地址（假定 Validate 已经通过）。
// 路径总以 "/" 结尾，"http://host/app" 与 "http://host/app/" 指向同一个作用域，
// 否则相对路径解析时会丢掉最后一段。
func (a AgentConfig) UpstreamURL() *url.URL {
	parsed, err := url.Parse(a.Upstream)
	if err != nil {
		return nil
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if parsed.RawPath != "" && !strings.HasSuffix(parsed.RawPath, "/") {
		parsed.RawPath += "/"
	}
	return parsed
}

// ProxyURL 返回可选的出站代理地址，未配置时为 nil。
func (a AgentConfig) ProxyURL() *url.URL {
	if strings.TrimSpace(a.Proxy) == "" {
		return nil
	}
	parsed, err := url.Parse(a.Proxy)
	if err != nil {
		return nil
	}
	return parsed
}

// SameVersion 判断两份 Agent 配置是否描述同一个版本：桶名与外壳清单均一致。
func (a AgentConfig) SameVersion(other AgentConfig) bool {
	if a.CacheName != other.CacheName {
		return false
	}
	if len(a.AppShell) != len(other.AppShell) {
		return false
	}
	for i := range a.AppShell {
		if a.AppShell[i] != other.AppShell[i] {
			return false
		}
	}
	return true
}
