package dns

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tevino/abool"

	"github.com/siftdns/siftdns/pkg/logger"
)

// ruleSet 一次编译产出的完整快照，发布后只读
type ruleSet struct {
	black map[string]struct{}
	white map[string]struct{}
}

func newRuleSet() *ruleSet {
	return &ruleSet{
		black: make(map[string]struct{}),
		white: make(map[string]struct{}),
	}
}

// FilterList 把 adblock 格式的规则文本编译成黑白名单后缀集合，
// 用于判断域名该不该进这个规则组。刷新整体替换快照，读方永远
// 看到完整的新表或旧表。
type FilterList struct {
	name    string
	loader  *Loader
	refresh time.Duration

	mu       sync.RWMutex
	rules    *ruleSet
	updating *abool.AtomicBool
}

// NewFilterList 创建规则分类器，refresh 为 0 时不刷新
func NewFilterList(name string, loader *Loader, refresh time.Duration) *FilterList {
	return &FilterList{
		name:     name,
		loader:   loader,
		refresh:  refresh,
		rules:    newRuleSet(),
		updating: abool.New(),
	}
}

// Name 返回规则组名称
func (f *FilterList) Name() string { return f.name }

// Loader 返回规则来源加载器
func (f *FilterList) Loader() *Loader { return f.loader }

// Compile 重新编译规则并整体替换当前快照，从不做合并
func (f *FilterList) Compile(r io.Reader) error {
	rs, err := compileRules(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.rules = rs
	f.mu.Unlock()
	return nil
}

// compileRules 逐行解析 adblock 规则。`!` 和 `[` 开头是注释，`@@`
// 前缀进白名单。每行依次去掉协议和路径、丢弃 IP 字面量和不含点的
// 条目、按第一个 `*` 拆分（前半含点取前半，否则取后半）、去掉开头
// 的 `||` 与 `.`，最后转小写入集合。
func compileRules(r io.Reader) (*ruleSet, error) {
	rs := newRuleSet()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
			continue
		}
		target := rs.black
		if strings.HasPrefix(line, "@@") {
			target = rs.white
			line = strings.TrimLeft(line, "@")
		}
		if i := strings.LastIndex(line, "://"); i >= 0 {
			line = line[i+3:]
		}
		if i := strings.IndexByte(line, '/'); i >= 0 {
			line = line[:i]
		}
		if allDigits(lastDotLabel(line)) {
			continue
		}
		if !strings.Contains(line, ".") {
			continue
		}
		if i := strings.IndexByte(line, '*'); i >= 0 {
			if before := line[:i]; strings.Contains(before, ".") {
				line = before
			} else {
				line = line[i+1:]
			}
		}
		line = strings.TrimLeft(line, "|")
		line = strings.TrimLeft(line, ".")
		if line == "" {
			continue
		}
		target[strings.ToLower(line)] = struct{}{}
	}
	return rs, sc.Err()
}

func lastDotLabel(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// matchSuffix 纯字符后缀比较，`*` 匹配一切。不检查点边界：
// ads.example.com 会同时命中 x.ads.example.com 和 badads.example.com
func matchSuffix(set map[string]struct{}, host string) bool {
	for d := range set {
		if d == "*" || strings.HasSuffix(host, d) {
			return true
		}
	}
	return false
}

// Blocked 判断域名是否命中本组：有黑名单后缀匹配且无白名单后缀匹配
func (f *FilterList) Blocked(host string) bool {
	host = strings.ToLower(host)
	f.mu.RLock()
	rs := f.rules
	f.mu.RUnlock()
	return !matchSuffix(rs.white, host) && matchSuffix(rs.black, host)
}

// Load 从来源加载并编译，启动路径同步调用
func (f *FilterList) Load(useCache bool) error {
	rc, err := f.loader.Open(useCache)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := f.Compile(rc); err != nil {
		return err
	}
	black, white := f.Counts()
	logger.Info("规则组 %s 加载完成: 黑名单 %d 条, 白名单 %d 条", f.name, black, white)
	return nil
}

// Refresh 后台刷新。同一时刻至多一次；失败时保留旧快照。
// 刷新路径绕过缓存，强制重新拉取。
func (f *FilterList) Refresh() {
	if !f.updating.SetToIf(false, true) {
		return
	}
	defer f.updating.UnSet()

	rc, err := f.loader.Open(false)
	if err != nil {
		logger.Error("规则组 %s 刷新失败: %v", f.name, err)
		return
	}
	defer rc.Close()
	if err := f.Compile(rc); err != nil {
		logger.Error("规则组 %s 编译失败: %v", f.name, err)
		return
	}
	refreshCounter.WithLabelValues("rule", f.name).Inc()
	black, white := f.Counts()
	logger.Info("规则组 %s 刷新完成: 黑名单 %d 条, 白名单 %d 条", f.name, black, white)
}

// Stale 判断规则是否过期，正在刷新或 refresh 为 0 时恒为否
func (f *FilterList) Stale() bool {
	if f.updating.IsSet() || f.refresh <= 0 {
		return false
	}
	return f.loader.Stale(f.refresh)
}

// Updating 返回是否有刷新正在进行
func (f *FilterList) Updating() bool { return f.updating.IsSet() }

// Counts 返回黑白名单条目数
func (f *FilterList) Counts() (black, white int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rules.black), len(f.rules.white)
}
