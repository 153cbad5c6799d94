package dns

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/siftdns/siftdns/pkg/logger"
	"github.com/siftdns/siftdns/pkg/utils"
)

// localSourcePath 解析来源地址。裸文件名归到配置目录下；
// 带主机名的 URL 视为远程，其余按本地路径处理。
func localSourcePath(source, configDir string) (string, bool) {
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		return source, false
	}
	if filepath.Base(source) == source {
		return filepath.Join(configDir, source), true
	}
	return source, true
}

// Loader 从本地文件或远程 URL 加载规则与域数据，远程数据落到缓存目录。
// 记录最近一次成功加载的时间点用于过期判断。
type Loader struct {
	source string
	path   string // 本地路径或远程 URL
	local  bool
	cache  string // 远程来源的缓存文件
	client *http.Client

	mu       sync.Mutex
	lastLoad time.Time // 本地为文件 mtime，远程为拉取时间
}

// NewLoader 创建加载器。proxyURL 为空时直连。
func NewLoader(source, configDir, proxyURL string) (*Loader, error) {
	path, local := localSourcePath(source, configDir)
	l := &Loader{
		source: source,
		path:   path,
		local:  local,
	}
	if !local {
		cacheDir := filepath.Join(configDir, "cache")
		if err := utils.EnsureDir(cacheDir); err != nil {
			return nil, fmt.Errorf("创建缓存目录失败: %w", err)
		}
		l.cache = filepath.Join(cacheDir, utils.SafeFileName(source))
		client, err := newFetchClient(proxyURL)
		if err != nil {
			return nil, err
		}
		l.client = client
	}
	return l, nil
}

// Source 返回配置的来源地址
func (l *Loader) Source() string { return l.source }

// Local 返回来源是否为本地文件
func (l *Loader) Local() bool { return l.local }

// LastLoad 返回最近一次成功加载的时间点
func (l *Loader) LastLoad() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLoad
}

// Open 打开来源数据。远程来源在 useCache 且缓存存在时直接读缓存，
// 否则拉取、必要时解开 base64 包装并写入缓存。
func (l *Loader) Open(useCache bool) (io.ReadCloser, error) {
	if l.local {
		info, err := os.Stat(l.path)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(l.path)
		if err != nil {
			return nil, err
		}
		l.setLastLoad(info.ModTime())
		return f, nil
	}

	if useCache && utils.FileExists(l.cache) {
		if info, err := os.Stat(l.cache); err == nil {
			if f, err := os.Open(l.cache); err == nil {
				l.setLastLoad(info.ModTime())
				return f, nil
			}
		}
	}

	data, err := l.fetch()
	if err != nil {
		return nil, err
	}
	if isBase64Payload(data) {
		logger.Debug("loader: %s 是 base64 包装，解码", l.source)
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err == nil {
			data = decoded
		}
	}
	if err := os.WriteFile(l.cache, data, 0o644); err != nil {
		logger.Warn("loader: 写入缓存 %s 失败: %v", l.cache, err)
	}
	l.setLastLoad(time.Now())
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (l *Loader) fetch() ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, l.path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "siftdns/1.0")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("拉取 %s 失败: HTTP %d", l.source, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (l *Loader) setLastLoad(t time.Time) {
	l.mu.Lock()
	l.lastLoad = t
	l.mu.Unlock()
}

// Stale 判断数据是否过期。本地来源看 mtime 是否变化（覆盖修改、touch
// 和回滚），远程来源看是否超过刷新间隔。
func (l *Loader) Stale(refresh time.Duration) bool {
	if l.local {
		info, err := os.Stat(l.path)
		if err != nil {
			return false
		}
		return !info.ModTime().Equal(l.LastLoad())
	}
	return time.Now().After(l.LastLoad().Add(refresh))
}

// isBase64Payload 判断数据是否为 base64 包装：除末行外每行恰好 64 个
// 字符，末行长度是 4 的倍数、以字母或数字开头且不含点。
func isBase64Payload(data []byte) bool {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	last := lines[len(lines)-1]
	if last == "" {
		return false
	}
	for _, line := range lines[:len(lines)-1] {
		if len(line) != 64 {
			return false
		}
	}
	if len(last)%4 != 0 {
		return false
	}
	c := last[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
		return false
	}
	return !strings.Contains(last, ".")
}

// newFetchClient 构造拉取用的 HTTP 客户端。HTTP 代理走 Transport 的
// Proxy，SOCKS 代理走拨号器。
func newFetchClient(proxyURL string) (*http.Client, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	if proxyURL == "" {
		return client, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("代理地址无效: %w", err)
	}
	transport := &http.Transport{}
	if u.Scheme == "http" {
		transport.Proxy = http.ProxyURL(u)
	} else {
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("构造代理拨号器失败: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.Dial = dialer.Dial
		}
	}
	client.Transport = transport
	return client, nil
}
