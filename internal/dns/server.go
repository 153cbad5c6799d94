package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/siftdns/siftdns/pkg/logger"
)

var (
	queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftdns_queries_total",
			Help: "Total DNS queries by outcome",
		},
		[]string{"outcome"},
	)
	ruleMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftdns_rule_matches_total",
			Help: "Queries matched per rule group",
		},
		[]string{"rule"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siftdns_upstream_request_duration_seconds",
			Help:    "DNS upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)
	upstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftdns_upstream_failures_total",
			Help: "Total DNS upstream request failures",
		},
		[]string{"upstream"},
	)
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siftdns_cache_hits_total",
			Help: "Total response cache hits",
		},
	)
	refreshCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftdns_refresh_total",
			Help: "Completed background refreshes by source kind",
		},
		[]string{"kind", "name"},
	)
	priorityGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siftdns_upstream_priority",
			Help: "Current upstream priority score",
		},
		[]string{"upstream"},
	)
)

func init() {
	prometheus.MustRegister(queryCounter, ruleMatches, upstreamLatency,
		upstreamFailures, cacheHits, refreshCounter, priorityGauge)
}

// Server 解析引擎。持有访问名单、规则组、本地域、上游池、清洗器
// 和缓存，可以被任意多个传输协程并发调用。
type Server struct {
	cfg *Config

	access    *AccessList
	upstreams []*UpstreamServer
	groups    []*RuleGroup
	zones     []Zone
	sanitizer *Sanitizer
	cache     *ResponseCache
	store     Storage
	queryLog  *QueryLog

	refreshables []refreshable
	startTime    time.Time

	mu      sync.Mutex
	servers []*dns.Server
}

// NewServer 按配置组装解析引擎。本地数据源加载失败直接报错；
// 远程数据源失败只告警，从空快照起步等后台刷新补上。
func NewServer(cfg *Config) (*Server, error) {
	access, err := CompileAllowedHosts(cfg.Server.AllowedHosts)
	if err != nil {
		return nil, err
	}

	store, err := NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		access:    access,
		sanitizer: NewSanitizer(cfg.BogusNXDomain.Addresses, cfg.BogusNXDomain.HackIP),
		store:     store,
		queryLog:  NewQueryLog(store),
		startTime: time.Now(),
	}
	if cfg.Cache.Enabled {
		s.cache = NewResponseCache(cfg.GetCacheSize(), cfg.GetCacheMinTTL())
	}

	byName := make(map[string]*UpstreamServer, len(cfg.Upstreams))
	for _, uc := range cfg.Upstreams {
		u, err := NewUpstreamServer(uc, cfg.Proxies)
		if err != nil {
			return nil, err
		}
		s.upstreams = append(s.upstreams, u)
		byName[uc.Name] = u
		priorityGauge.WithLabelValues(u.Name()).Set(0)
	}

	for _, rc := range cfg.Rules {
		ldr, err := NewLoader(rc.URL, cfg.Dir(), cfg.Proxies[rc.Proxy])
		if err != nil {
			return nil, fmt.Errorf("规则组 %s: %w", rc.Name, err)
		}
		filter := NewFilterList(rc.Name, ldr, time.Duration(rc.Refresh)*time.Second)
		if err := filter.Load(true); err != nil {
			if ldr.Local() {
				return nil, fmt.Errorf("加载规则组 %s 失败: %w", rc.Name, err)
			}
			logger.Warn("规则组 %s 首次加载失败，等待后台重试: %v", rc.Name, err)
		}
		pool := make([]*UpstreamServer, 0, len(rc.Upstreams))
		for _, name := range rc.Upstreams {
			pool = append(pool, byName[name])
		}
		s.groups = append(s.groups, NewRuleGroup(rc.Name, filter, pool))
		s.refreshables = append(s.refreshables, filter)
	}

	for _, zc := range cfg.Zones {
		ldr, err := NewLoader(zc.URL, cfg.Dir(), cfg.Proxies[zc.Proxy])
		if err != nil {
			return nil, fmt.Errorf("本地域 %s: %w", zc.Name, err)
		}
		var zone Zone
		if zc.Type == "hosts" {
			zone = NewHostsZone(zc.Name, ldr, time.Duration(zc.Refresh)*time.Second)
		} else {
			zone = NewLocalZone(zc.Name, ldr, time.Duration(zc.Refresh)*time.Second)
		}
		if err := zone.Load(true); err != nil {
			if ldr.Local() {
				return nil, fmt.Errorf("加载本地域 %s 失败: %w", zc.Name, err)
			}
			logger.Warn("本地域 %s 首次加载失败，等待后台重试: %v", zc.Name, err)
		}
		s.zones = append(s.zones, zone)
		s.refreshables = append(s.refreshables, zone)
	}

	return s, nil
}

// ServeUDP 在给定连接上跑 UDP 服务，阻塞到服务结束
func (s *Server) ServeUDP(conn net.PacketConn) {
	srv := &dns.Server{Handler: dns.HandlerFunc(s.handle), PacketConn: conn}
	s.track(srv)
	if err := srv.ActivateAndServe(); err != nil {
		logger.Error("UDP 服务退出: %v", err)
	}
}

// ServeTCP 在给定监听器上跑 TCP 服务，阻塞到服务结束
func (s *Server) ServeTCP(ln net.Listener) {
	srv := &dns.Server{Handler: dns.HandlerFunc(s.handle), Listener: ln}
	s.track(srv)
	if err := srv.ActivateAndServe(); err != nil {
		logger.Error("TCP 服务退出: %v", err)
	}
}

func (s *Server) track(srv *dns.Server) {
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
}

// Shutdown 停掉监听器和上游工作协程，写出剩余查询日志
func (s *Server) Shutdown() {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	for _, srv := range servers {
		_ = srv.Shutdown()
	}
	for _, u := range s.upstreams {
		u.Close()
	}
	s.queryLog.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
}

// handle 单条查询的完整处理：访问控制、本地域、缓存、规则分流、
// 上游转发、应答清洗。除了本地命中和成功转发，其余情况一律不回
// 包，靠客户端自己重试。
func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("处理查询时发生 panic: %v", rec)
		}
	}()

	client := ipFromAddr(w.RemoteAddr())
	if !s.access.Allowed(client) {
		logger.Warn("拒绝来自 %s 的查询", w.RemoteAddr())
		queryCounter.WithLabelValues("denied").Inc()
		s.queryLog.Add(QueryLogEntry{
			Time:    time.Now(),
			Client:  client.String(),
			Outcome: "denied",
		})
		return
	}
	if len(r.Question) == 0 {
		return
	}

	start := time.Now()
	q := r.Question[0]
	host := strings.TrimSuffix(q.Name, ".")
	qtype := dns.TypeToString[q.Qtype]

	entry := QueryLogEntry{
		Time:    start,
		Client:  client.String(),
		Name:    host,
		Type:    qtype,
		Outcome: "dropped",
	}
	defer func() {
		entry.Latency = time.Since(start).Milliseconds()
		s.queryLog.Add(entry)
		sweepRefresh(s.refreshables)
	}()

	if s.cfg.SearchLocal() {
		if reply, ok := s.resolveLocal(r, q); ok {
			logger.Info("查询 %s(%s) 命中本地域", host, qtype)
			queryCounter.WithLabelValues("local").Inc()
			entry.Outcome = "local"
			entry.Rcode = dns.RcodeToString[reply.Rcode]
			entry.Answers = len(reply.Answer)
			_ = w.WriteMsg(reply)
			return
		}
	}

	if !s.cfg.SearchUpstream() {
		queryCounter.WithLabelValues("dropped").Inc()
		return
	}

	if resp := s.cache.Get(q); resp != nil {
		resp.Id = r.Id
		resp.Question = r.Question
		cacheHits.Inc()
		queryCounter.WithLabelValues("cached").Inc()
		entry.Outcome = "cached"
		entry.Rcode = dns.RcodeToString[resp.Rcode]
		entry.Answers = len(resp.Answer)
		_ = w.WriteMsg(resp)
		return
	}

	for _, g := range s.groups {
		if !g.Filter().Blocked(host) {
			continue
		}
		// 只认第一个命中的规则组
		logger.Info("查询 %s(%s) 命中规则组 %s", host, qtype, g.Name())
		ruleMatches.WithLabelValues(g.Name()).Inc()
		entry.Rule = g.Name()

		srv, replyCh := g.Dispatch(r)
		if srv == nil {
			break
		}
		entry.Upstream = srv.Name()

		resp := <-replyCh
		if resp == nil {
			srv.Adjust(false)
			break
		}
		if stripped := s.sanitizer.Clean(resp); stripped > 0 {
			logger.Warn("查询 %s 的应答剔除了 %d 条污染记录", host, stripped)
		}
		srv.Adjust(true)
		resp.Id = r.Id
		s.cache.Put(q, resp)

		queryCounter.WithLabelValues("forwarded").Inc()
		entry.Outcome = "forwarded"
		entry.Rcode = dns.RcodeToString[resp.Rcode]
		entry.Answers = len(resp.Answer)
		_ = w.WriteMsg(resp)
		return
	}

	queryCounter.WithLabelValues("dropped").Inc()
}

// resolveLocal 在本地域中解析。返回的布尔值表示查询名归本地权威
// 管辖，此时不论有无记录都以权威应答收尾，绝不再转发。
func (s *Server) resolveLocal(r *dns.Msg, q dns.Question) (*dns.Msg, bool) {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Authoritative = true
	reply.RecursionAvailable = true

	services := s.cfg.GetHackSRV()
	qname := q.Name
	lookup := qname

	isLocal := false
	for _, zone := range s.zones {
		if len(services) > 0 && q.Qtype == dns.TypeSRV && !zone.Owns(lookup) {
			if rewritten, ok := RewriteSRV(qname, services, zone.Apex()); ok {
				logger.Warn("SRV 查询 %s 改写为 %s", qname, rewritten)
				lookup = rewritten
			}
		}
		if !zone.Owns(lookup) {
			continue
		}
		isLocal = true
		rrs := zone.Resolve(lookup, q.Qtype)
		// 应答始终绑定原始查询名，改写过的 SRV 查询也一样
		for _, rr := range rrs {
			rr.Header().Name = qname
		}
		reply.Answer = append(reply.Answer, rrs...)
		if len(reply.Answer) > 0 {
			break
		}
	}
	return reply, isLocal
}

// Config 返回服务器配置
func (s *Server) Config() *Config { return s.cfg }

// Groups 返回全部规则组，按配置顺序
func (s *Server) Groups() []*RuleGroup { return s.groups }

// Zones 返回全部本地域，按配置顺序
func (s *Server) Zones() []Zone { return s.zones }

// Upstreams 返回全部上游，按配置顺序
func (s *Server) Upstreams() []*UpstreamServer { return s.upstreams }

// QueryLog 返回查询日志
func (s *Server) QueryLog() *QueryLog { return s.queryLog }

// Store 返回持久化后端
func (s *Server) Store() Storage { return s.store }

// CacheLen 返回应答缓存条数
func (s *Server) CacheLen() int { return s.cache.Len() }

// StartTime 返回进程启动时间
func (s *Server) StartTime() time.Time { return s.startTime }

// ForceRefresh 全部规则和本地域后台刷新一遍
func (s *Server) ForceRefresh() {
	logger.Info("触发全量刷新: %d 个数据源", len(s.refreshables))
	forceRefresh(s.refreshables)
}

// ForceRefreshName 按名称后台刷新单个规则组或本地域，
// 返回名称是否存在
func (s *Server) ForceRefreshName(name string) bool {
	for _, g := range s.groups {
		if g.Name() == name {
			logger.Info("触发规则组 %s 刷新", name)
			go g.Filter().Refresh()
			return true
		}
	}
	for _, z := range s.zones {
		if z.Name() == name {
			logger.Info("触发本地域 %s 刷新", name)
			go z.Refresh()
			return true
		}
	}
	return false
}
