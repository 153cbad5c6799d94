package dns

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siftdns/siftdns/pkg/logger"
	"github.com/siftdns/siftdns/pkg/utils"
)

// UpstreamConfig 上游 DNS 服务器配置
type UpstreamConfig struct {
	Name      string `yaml:"name"`
	IP        string `yaml:"ip"`
	Port      int    `yaml:"port"`
	Timeout   int    `yaml:"timeout"`   // 秒，默认 5
	Transport string `yaml:"transport"` // udp 或 tcp，默认 udp
	Proxy     string `yaml:"proxy"`     // 代理名称，配置后强制走 TCP
}

// RuleConfig 规则组配置，按配置顺序匹配
type RuleConfig struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`     // 规则文件，本地路径或远程 URL
	Refresh   int      `yaml:"refresh"` // 秒，0 表示不刷新
	Proxy     string   `yaml:"proxy"`   // 拉取规则时使用的代理名称
	Upstreams []string `yaml:"upstreams"`
}

// ZoneConfig 本地域配置
type ZoneConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Type    string `yaml:"type"` // dns 或 hosts
	Refresh int    `yaml:"refresh"`
	Proxy   string `yaml:"proxy"`
}

// Config 服务器配置
type Config struct {
	Server struct {
		Listen       string   `yaml:"listen"`
		Protocols    []string `yaml:"protocols"`     // udp、tcp
		Search       []string `yaml:"search"`        // local、upstream
		AllowedHosts []string `yaml:"allowed_hosts"` // 为空时不限制
	} `yaml:"server"`

	Admin struct {
		Listen string `yaml:"listen"` // 为空时不启动管理接口
		Token  string `yaml:"token"`
	} `yaml:"admin"`

	// 代理名称 -> URL，如 socks5://127.0.0.1:1080
	Proxies map[string]string `yaml:"proxies"`

	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Rules     []RuleConfig     `yaml:"rules"`
	Zones     []ZoneConfig     `yaml:"zones"`

	// 被污染地址的过滤与替换
	BogusNXDomain struct {
		Addresses []string `yaml:"addresses"`
		HackIP    string   `yaml:"hack_ip"`
	} `yaml:"bogus_nxdomain"`

	// 重写为本地域查询的 SRV 服务名
	HackSRV []string `yaml:"hack_srv"`

	Cache struct {
		Enabled bool `yaml:"enabled"`
		Size    int  `yaml:"size"`
		MinTTL  int  `yaml:"min_ttl"`
	} `yaml:"cache"`

	Storage struct {
		Type string `yaml:"type"` // sqlite 或 file
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Log logger.Config `yaml:"log"`

	// 配置文件所在目录，加载时记录，用于解析相对路径
	dir string
}

// LoadConfig 加载并校验配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(abs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dir 返回配置文件所在目录
func (c *Config) Dir() string {
	if c.dir == "" {
		return "."
	}
	return c.dir
}

// GetListen 获取 DNS 监听地址
func (c *Config) GetListen() string {
	if c.Server.Listen == "" {
		return "127.0.0.1:53"
	}
	return c.Server.Listen
}

// GetProtocols 获取监听协议
func (c *Config) GetProtocols() []string {
	if len(c.Server.Protocols) == 0 {
		return []string{"udp"}
	}
	return c.Server.Protocols
}

// GetSearch 获取查询顺序
func (c *Config) GetSearch() []string {
	if len(c.Server.Search) == 0 {
		return []string{"local", "upstream"}
	}
	return c.Server.Search
}

// SearchLocal 是否查询本地域
func (c *Config) SearchLocal() bool {
	for _, s := range c.GetSearch() {
		if s == "local" {
			return true
		}
	}
	return false
}

// SearchUpstream 是否转发上游
func (c *Config) SearchUpstream() bool {
	for _, s := range c.GetSearch() {
		if s == "upstream" {
			return true
		}
	}
	return false
}

// GetHackSRV 获取需要重写的 SRV 服务名
func (c *Config) GetHackSRV() []string {
	if c.HackSRV == nil {
		return []string{"_ldap._tcp"}
	}
	return c.HackSRV
}

// GetCacheSize 获取缓存条目上限
func (c *Config) GetCacheSize() int {
	if c.Cache.Size <= 0 {
		return 4096
	}
	return c.Cache.Size
}

// GetCacheMinTTL 获取缓存最小 TTL
func (c *Config) GetCacheMinTTL() time.Duration {
	if c.Cache.MinTTL <= 0 {
		return time.Minute
	}
	return time.Duration(c.Cache.MinTTL) * time.Second
}

// GetStorageType 获取存储类型
func (c *Config) GetStorageType() string {
	if c.Storage.Type == "" {
		return "sqlite"
	}
	return c.Storage.Type
}

// GetStoragePath 获取存储文件路径
func (c *Config) GetStoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.GetStorageType() == "file" {
		return "data/siftdns.json"
	}
	return "data/siftdns.db"
}

// GetUpstreamTimeout 获取上游超时
func (u *UpstreamConfig) GetUpstreamTimeout() time.Duration {
	if u.Timeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(u.Timeout) * time.Second
}

// Addr 获取上游地址 host:port
func (u *UpstreamConfig) Addr() string {
	port := u.Port
	if port == 0 {
		port = 53
	}
	return fmt.Sprintf("%s:%d", u.IP, port)
}

// Validate 校验配置，引用错误和缺失的本地资源在启动时即失败
func (c *Config) Validate() error {
	for _, p := range c.GetProtocols() {
		if p != "udp" && p != "tcp" {
			return fmt.Errorf("不支持的监听协议: %s", p)
		}
	}
	for _, s := range c.GetSearch() {
		if s != "local" && s != "upstream" {
			return fmt.Errorf("不支持的查询来源: %s", s)
		}
	}

	for name, raw := range c.Proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("代理 %s 地址无效: %w", name, err)
		}
		switch u.Scheme {
		case "socks5", "socks4", "http":
		default:
			return fmt.Errorf("代理 %s 使用了不支持的协议: %s", name, u.Scheme)
		}
	}

	names := map[string]bool{}
	for i := range c.Upstreams {
		up := &c.Upstreams[i]
		if up.Name == "" {
			return fmt.Errorf("上游 #%d 缺少名称", i)
		}
		if names[up.Name] {
			return fmt.Errorf("上游名称重复: %s", up.Name)
		}
		names[up.Name] = true
		if !utils.IsValidIP(up.IP) {
			return fmt.Errorf("上游 %s 的地址无效: %s", up.Name, up.IP)
		}
		if up.Port != 0 && !utils.IsValidPort(up.Port) {
			return fmt.Errorf("上游 %s 的端口无效: %d", up.Name, up.Port)
		}
		switch up.Transport {
		case "", "udp", "tcp":
		default:
			return fmt.Errorf("上游 %s 使用了不支持的传输方式: %s", up.Name, up.Transport)
		}
		if up.Proxy != "" {
			if _, ok := c.Proxies[up.Proxy]; !ok {
				return fmt.Errorf("上游 %s 引用了未定义的代理: %s", up.Name, up.Proxy)
			}
		}
	}

	ruleNames := map[string]bool{}
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("规则组 #%d 缺少名称", i)
		}
		if ruleNames[r.Name] {
			return fmt.Errorf("规则组名称重复: %s", r.Name)
		}
		ruleNames[r.Name] = true
		if r.URL == "" {
			return fmt.Errorf("规则组 %s 缺少规则来源", r.Name)
		}
		if len(r.Upstreams) == 0 {
			return fmt.Errorf("规则组 %s 没有配置上游", r.Name)
		}
		for _, ref := range r.Upstreams {
			if !names[ref] {
				return fmt.Errorf("规则组 %s 引用了未定义的上游: %s", r.Name, ref)
			}
		}
		if r.Proxy != "" {
			if _, ok := c.Proxies[r.Proxy]; !ok {
				return fmt.Errorf("规则组 %s 引用了未定义的代理: %s", r.Name, r.Proxy)
			}
		}
		if err := c.checkLocalSource(r.URL); err != nil {
			return fmt.Errorf("规则组 %s: %w", r.Name, err)
		}
	}

	zoneNames := map[string]bool{}
	for i := range c.Zones {
		z := &c.Zones[i]
		if z.Name == "" {
			return fmt.Errorf("本地域 #%d 缺少名称", i)
		}
		if zoneNames[z.Name] {
			return fmt.Errorf("本地域名称重复: %s", z.Name)
		}
		zoneNames[z.Name] = true
		if z.URL == "" {
			return fmt.Errorf("本地域 %s 缺少数据来源", z.Name)
		}
		switch z.Type {
		case "", "dns", "hosts":
		default:
			return fmt.Errorf("本地域 %s 使用了不支持的类型: %s", z.Name, z.Type)
		}
		if z.Proxy != "" {
			if _, ok := c.Proxies[z.Proxy]; !ok {
				return fmt.Errorf("本地域 %s 引用了未定义的代理: %s", z.Name, z.Proxy)
			}
		}
		if err := c.checkLocalSource(z.URL); err != nil {
			return fmt.Errorf("本地域 %s: %w", z.Name, err)
		}
	}

	for _, addr := range c.BogusNXDomain.Addresses {
		if !utils.IsValidIP(addr) {
			return fmt.Errorf("bogus_nxdomain 中的地址无效: %s", addr)
		}
	}
	if c.BogusNXDomain.HackIP != "" && !utils.IsValidIP(c.BogusNXDomain.HackIP) {
		return fmt.Errorf("hack_ip 无效: %s", c.BogusNXDomain.HackIP)
	}

	if _, err := CompileAllowedHosts(c.Server.AllowedHosts); err != nil {
		return err
	}

	switch c.GetStorageType() {
	case "sqlite", "file":
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Storage.Type)
	}
	return nil
}

// checkLocalSource 本地来源文件必须存在
func (c *Config) checkLocalSource(source string) error {
	path, local := localSourcePath(source, c.Dir())
	if local && !utils.FileExists(path) {
		return fmt.Errorf("本地资源不存在: %s", path)
	}
	return nil
}
