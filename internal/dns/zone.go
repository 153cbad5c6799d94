package dns

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/tevino/abool"

	"github.com/siftdns/siftdns/pkg/logger"
	"github.com/siftdns/siftdns/pkg/utils"
)

// 本地域应答固定 TTL 五分钟
const zoneTTL = 300

// Zone 本地权威域。两种实现：结构化域（LocalZone）和 hosts 域
// （HostsZone），刷新契约与 FilterList 一致。
type Zone interface {
	Name() string
	Kind() string
	Apex() string
	Owns(qname string) bool
	Resolve(qname string, qtype uint16) []dns.RR
	Load(useCache bool) error
	Refresh()
	Stale() bool
	Updating() bool
	RecordCount() int
	Loader() *Loader
}

type recordKey struct {
	name  string // 相对名，@ 表示顶点
	qtype uint16
}

// zoneData 一次加载产出的完整快照
type zoneData struct {
	records map[recordKey][]dns.RR
	// 反向解析名（in-addr.arpa / ip6.arpa）到 PTR 记录
	reverse map[string][]dns.RR
}

func newZoneData() *zoneData {
	return &zoneData{
		records: make(map[recordKey][]dns.RR),
		reverse: make(map[string][]dns.RR),
	}
}

func (d *zoneData) count() int {
	n := 0
	for _, rrs := range d.records {
		n += len(rrs)
	}
	for _, rrs := range d.reverse {
		n += len(rrs)
	}
	return n
}

// soaDocument 域文档中的 SOA 元数据
type soaDocument struct {
	MName   string `json:"mname"`
	RName   string `json:"rname"`
	Serial  uint32 `json:"serial"`
	Refresh uint32 `json:"refresh"`
	Retry   uint32 `json:"retry"`
	Expire  uint32 `json:"expire"`
	Minimum uint32 `json:"minimum"`
}

// zoneDocument 结构化域的 JSON 文档：记录类型 -> 名称 -> 值列表。
// PTR 一节以地址为键。
type zoneDocument struct {
	NS    []string            `json:"NS"`
	MX    []string            `json:"MX"`
	SOA   *soaDocument        `json:"SOA"`
	A     map[string][]string `json:"A"`
	AAAA  map[string][]string `json:"AAAA"`
	CNAME map[string][]string `json:"CNAME"`
	TXT   map[string][]string `json:"TXT"`
	SRV   map[string][]string `json:"SRV"`
	PTR   map[string][]string `json:"PTR"`
}

// LocalZone 结构化本地域，从 JSON 文档加载
type LocalZone struct {
	name    string
	origin  string // FQDN，小写，带结尾点
	loader  *Loader
	refresh time.Duration

	mu       sync.RWMutex
	data     *zoneData
	updating *abool.AtomicBool
}

// NewLocalZone 创建结构化本地域
func NewLocalZone(name string, loader *Loader, refresh time.Duration) *LocalZone {
	return &LocalZone{
		name:     name,
		origin:   dns.Fqdn(strings.ToLower(name)),
		loader:   loader,
		refresh:  refresh,
		data:     newZoneData(),
		updating: abool.New(),
	}
}

// Name 返回域名称
func (z *LocalZone) Name() string { return z.name }

// Kind 返回域类型
func (z *LocalZone) Kind() string { return "dns" }

// Apex 返回域顶点 FQDN
func (z *LocalZone) Apex() string { return z.origin }

// Loader 返回数据来源加载器
func (z *LocalZone) Loader() *Loader { return z.loader }

// Owns 判断 qname 是否归本域权威应答：等于顶点、是顶点的点边界
// 子域名，或是本域配置的反向解析名
func (z *LocalZone) Owns(qname string) bool {
	qname = strings.ToLower(qname)
	if qname == z.origin || strings.HasSuffix(qname, "."+z.origin) {
		return true
	}
	z.mu.RLock()
	_, ok := z.data.reverse[qname]
	z.mu.RUnlock()
	return ok
}

// relative 计算相对于顶点的名称，顶点本身记作 @
func (z *LocalZone) relative(qname string) (string, bool) {
	qname = strings.ToLower(qname)
	if qname == z.origin {
		return "@", true
	}
	if strings.HasSuffix(qname, "."+z.origin) {
		return qname[:len(qname)-len(z.origin)-1], true
	}
	return "", false
}

// Resolve 返回 qname+qtype 的应答记录。直查不中且请求的不是 CNAME
// 时退回该名下的 CNAME 记录，只退一跳，从不追链。
func (z *LocalZone) Resolve(qname string, qtype uint16) []dns.RR {
	z.mu.RLock()
	data := z.data
	z.mu.RUnlock()

	lower := strings.ToLower(qname)
	if rrs, ok := data.reverse[lower]; ok {
		if qtype == dns.TypePTR {
			return copyWithName(rrs, qname)
		}
		return nil
	}

	rel, ok := z.relative(qname)
	if !ok {
		return nil
	}
	rrs := data.records[recordKey{rel, qtype}]
	if len(rrs) == 0 && qtype != dns.TypeCNAME {
		rrs = data.records[recordKey{rel, dns.TypeCNAME}]
	}
	return copyWithName(rrs, qname)
}

// Load 从来源加载域文档并整体替换快照
func (z *LocalZone) Load(useCache bool) error {
	rc, err := z.loader.Open(useCache)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := z.parse(rc)
	if err != nil {
		return err
	}
	z.mu.Lock()
	z.data = data
	z.mu.Unlock()
	logger.Info("本地域 %s 加载完成: %d 条记录", z.name, data.count())
	return nil
}

// Refresh 后台刷新，失败时保留旧快照
func (z *LocalZone) Refresh() {
	if !z.updating.SetToIf(false, true) {
		return
	}
	defer z.updating.UnSet()
	if err := z.Load(false); err != nil {
		logger.Error("本地域 %s 刷新失败: %v", z.name, err)
		return
	}
	refreshCounter.WithLabelValues("zone", z.name).Inc()
}

// Stale 判断域数据是否过期
func (z *LocalZone) Stale() bool {
	if z.updating.IsSet() || z.refresh <= 0 {
		return false
	}
	return z.loader.Stale(z.refresh)
}

// Updating 返回是否有刷新正在进行
func (z *LocalZone) Updating() bool { return z.updating.IsSet() }

// RecordCount 返回记录总数
func (z *LocalZone) RecordCount() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.data.count()
}

func (z *LocalZone) parse(r io.Reader) (*zoneData, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc := &zoneDocument{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("解析域文档失败: %w", err)
	}

	data := newZoneData()
	add := func(rel string, qtype uint16, rr dns.RR, err error) {
		if err != nil {
			logger.Warn("本地域 %s 跳过无效记录 %s: %v", z.name, rel, err)
			return
		}
		key := recordKey{strings.ToLower(rel), qtype}
		data.records[key] = append(data.records[key], rr)
	}

	for name, values := range doc.A {
		for _, v := range values {
			rr, err := z.buildAddr(name, v, false)
			add(name, dns.TypeA, rr, err)
		}
	}
	for name, values := range doc.AAAA {
		for _, v := range values {
			rr, err := z.buildAddr(name, v, true)
			add(name, dns.TypeAAAA, rr, err)
		}
	}
	for name, values := range doc.CNAME {
		for _, v := range values {
			add(name, dns.TypeCNAME, &dns.CNAME{
				Hdr:    z.header(name, dns.TypeCNAME),
				Target: z.absolute(v),
			}, nil)
		}
	}
	for name, values := range doc.TXT {
		for _, v := range values {
			add(name, dns.TypeTXT, &dns.TXT{
				Hdr: z.header(name, dns.TypeTXT),
				Txt: []string{v},
			}, nil)
		}
	}
	for name, values := range doc.SRV {
		for _, v := range values {
			rr, err := z.buildSRV(name, v)
			add(name, dns.TypeSRV, rr, err)
		}
	}
	for addr, values := range doc.PTR {
		rev, err := dns.ReverseAddr(addr)
		if err != nil {
			logger.Warn("本地域 %s 跳过无效 PTR 地址 %s: %v", z.name, addr, err)
			continue
		}
		rev = strings.ToLower(rev)
		for _, v := range values {
			data.reverse[rev] = append(data.reverse[rev], &dns.PTR{
				Hdr: dns.RR_Header{Name: rev, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: zoneTTL},
				Ptr: z.absolute(v),
			})
		}
	}

	// NS、MX、SOA 由域元数据在顶点合成
	for _, ns := range doc.NS {
		add("@", dns.TypeNS, &dns.NS{
			Hdr: z.header("@", dns.TypeNS),
			Ns:  z.absolute(ns),
		}, nil)
	}
	for _, mx := range doc.MX {
		add("@", dns.TypeMX, &dns.MX{
			Hdr:        z.header("@", dns.TypeMX),
			Preference: 10,
			Mx:         z.absolute(mx),
		}, nil)
	}
	if soa := doc.SOA; soa != nil {
		// rname 是邮箱写法，@ 换成点
		rname := strings.Replace(soa.RName, "@", ".", 1)
		add("@", dns.TypeSOA, &dns.SOA{
			Hdr:     z.header("@", dns.TypeSOA),
			Ns:      z.absolute(soa.MName),
			Mbox:    z.absolute(rname),
			Serial:  soa.Serial,
			Refresh: soa.Refresh,
			Retry:   soa.Retry,
			Expire:  soa.Expire,
			Minttl:  soa.Minimum,
		}, nil)
	}
	return data, nil
}

func (z *LocalZone) header(rel string, qtype uint16) dns.RR_Header {
	return dns.RR_Header{
		Name:   z.absolute(rel),
		Rrtype: qtype,
		Class:  dns.ClassINET,
		Ttl:    zoneTTL,
	}
}

// absolute 把相对名补全成 FQDN，@ 解析为顶点
func (z *LocalZone) absolute(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "@" || name == "" {
		return z.origin
	}
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "." + z.origin
}

func (z *LocalZone) buildAddr(rel, value string, v6 bool) (dns.RR, error) {
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("地址无效: %s", value)
	}
	if v6 {
		if ip.To4() != nil && !strings.Contains(value, ":") {
			return nil, fmt.Errorf("不是 IPv6 地址: %s", value)
		}
		return &dns.AAAA{Hdr: z.header(rel, dns.TypeAAAA), AAAA: ip}, nil
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("不是 IPv4 地址: %s", value)
	}
	return &dns.A{Hdr: z.header(rel, dns.TypeA), A: ip.To4()}, nil
}

// buildSRV 解析 "priority weight port target" 形式的 SRV 值
func (z *LocalZone) buildSRV(rel, value string) (dns.RR, error) {
	fields := strings.Fields(value)
	if len(fields) != 4 {
		return nil, fmt.Errorf("SRV 值格式错误: %s", value)
	}
	prio, err1 := strconv.ParseUint(fields[0], 10, 16)
	weight, err2 := strconv.ParseUint(fields[1], 10, 16)
	port, err3 := strconv.ParseUint(fields[2], 10, 16)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("SRV 值格式错误: %s", value)
	}
	return &dns.SRV{
		Hdr:      z.header(rel, dns.TypeSRV),
		Priority: uint16(prio),
		Weight:   uint16(weight),
		Port:     uint16(port),
		Target:   z.absolute(fields[3]),
	}, nil
}

// HostsZone 由 hosts 格式的 (地址, 名称) 对构成的退化域，
// 合成 A/AAAA 与反向 PTR，名称按精确匹配归属
type HostsZone struct {
	name    string
	loader  *Loader
	refresh time.Duration

	mu       sync.RWMutex
	data     *zoneData
	updating *abool.AtomicBool
}

// NewHostsZone 创建 hosts 域
func NewHostsZone(name string, loader *Loader, refresh time.Duration) *HostsZone {
	return &HostsZone{
		name:     name,
		loader:   loader,
		refresh:  refresh,
		data:     newZoneData(),
		updating: abool.New(),
	}
}

// Name 返回域名称
func (z *HostsZone) Name() string { return z.name }

// Kind 返回域类型
func (z *HostsZone) Kind() string { return "hosts" }

// Apex 返回域顶点 FQDN
func (z *HostsZone) Apex() string { return dns.Fqdn(strings.ToLower(z.name)) }

// Loader 返回数据来源加载器
func (z *HostsZone) Loader() *Loader { return z.loader }

// Owns hosts 域只认自己载有的名称和反向解析名
func (z *HostsZone) Owns(qname string) bool {
	lower := strings.ToLower(qname)
	z.mu.RLock()
	defer z.mu.RUnlock()
	if _, ok := z.data.reverse[lower]; ok {
		return true
	}
	_, okA := z.data.records[recordKey{lower, dns.TypeA}]
	_, okAAAA := z.data.records[recordKey{lower, dns.TypeAAAA}]
	return okA || okAAAA
}

// Resolve 返回 hosts 条目合成的记录
func (z *HostsZone) Resolve(qname string, qtype uint16) []dns.RR {
	z.mu.RLock()
	data := z.data
	z.mu.RUnlock()

	lower := strings.ToLower(qname)
	if rrs, ok := data.reverse[lower]; ok {
		if qtype == dns.TypePTR {
			return copyWithName(rrs, qname)
		}
		return nil
	}
	return copyWithName(data.records[recordKey{lower, qtype}], qname)
}

// Load 解析 hosts 格式并整体替换快照
func (z *HostsZone) Load(useCache bool) error {
	rc, err := z.loader.Open(useCache)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := z.parse(rc)
	if err != nil {
		return err
	}
	z.mu.Lock()
	z.data = data
	z.mu.Unlock()
	logger.Info("hosts 域 %s 加载完成: %d 条记录", z.name, data.count())
	return nil
}

// Refresh 后台刷新，失败时保留旧快照
func (z *HostsZone) Refresh() {
	if !z.updating.SetToIf(false, true) {
		return
	}
	defer z.updating.UnSet()
	if err := z.Load(false); err != nil {
		logger.Error("hosts 域 %s 刷新失败: %v", z.name, err)
		return
	}
	refreshCounter.WithLabelValues("zone", z.name).Inc()
}

// Stale 判断数据是否过期
func (z *HostsZone) Stale() bool {
	if z.updating.IsSet() || z.refresh <= 0 {
		return false
	}
	return z.loader.Stale(z.refresh)
}

// Updating 返回是否有刷新正在进行
func (z *HostsZone) Updating() bool { return z.updating.IsSet() }

// RecordCount 返回记录总数
func (z *HostsZone) RecordCount() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.data.count()
}

func (z *HostsZone) parse(r io.Reader) (*zoneData, error) {
	data := newZoneData()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := fields[0]
		ip := net.ParseIP(addr)
		if ip == nil {
			logger.Warn("hosts 域 %s 跳过无效地址: %s", z.name, addr)
			continue
		}
		v6 := utils.Network.IsIPv6(addr)
		for _, host := range fields[1:] {
			fqdn := dns.Fqdn(strings.ToLower(host))
			if v6 {
				key := recordKey{fqdn, dns.TypeAAAA}
				data.records[key] = append(data.records[key], &dns.AAAA{
					Hdr:  dns.RR_Header{Name: fqdn, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: zoneTTL},
					AAAA: ip,
				})
			} else {
				key := recordKey{fqdn, dns.TypeA}
				data.records[key] = append(data.records[key], &dns.A{
					Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: zoneTTL},
					A:   ip.To4(),
				})
			}
			if rev, err := dns.ReverseAddr(addr); err == nil {
				rev = strings.ToLower(rev)
				data.reverse[rev] = append(data.reverse[rev], &dns.PTR{
					Hdr: dns.RR_Header{Name: rev, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: zoneTTL},
					Ptr: fqdn,
				})
			}
		}
	}
	return data, sc.Err()
}

// RewriteSRV 服务发现重写：查询名的前两个标签命中配置的服务名时，
// 返回改到域顶点下的新查询名
func RewriteSRV(qname string, services []string, apex string) (string, bool) {
	labels := dns.SplitDomainName(qname)
	if len(labels) < 2 {
		return "", false
	}
	svc := strings.ToLower(labels[0] + "." + labels[1])
	for _, s := range services {
		if strings.ToLower(s) == svc {
			return svc + "." + apex, true
		}
	}
	return "", false
}

// copyWithName 复制记录并把所有者名换成原始查询名
func copyWithName(rrs []dns.RR, qname string) []dns.RR {
	if len(rrs) == 0 {
		return nil
	}
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		cp := dns.Copy(rr)
		cp.Header().Name = qname
		out = append(out, cp)
	}
	return out
}
