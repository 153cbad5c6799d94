package dns

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"

	"github.com/siftdns/siftdns/pkg/logger"
)

// 优先级调整参数：成功加五、失败减十（已经归零后每次只减一），
// 始终保持在 [0,100] 区间内
const (
	priorityMax     = 100
	priorityReward  = 5
	priorityPenalty = 10
)

// exchangeRequest 一次排队的转发请求。工作协程成功时把应答写入
// reply 并关闭；失败时直接关闭，接收方读到 nil。
type exchangeRequest struct {
	msg   *dns.Msg
	reply chan *dns.Msg
}

// exchanger 上游转发策略，在配置阶段就固定下来
type exchanger interface {
	exchange(m *dns.Msg) (*dns.Msg, time.Duration, error)
}

// directExchanger 直连转发，UDP 或 TCP
type directExchanger struct {
	client *dns.Client
	addr   string
}

func (e *directExchanger) exchange(m *dns.Msg) (*dns.Msg, time.Duration, error) {
	return e.client.Exchange(m, e.addr)
}

// proxyExchanger 经代理的 TCP 转发，长度前缀帧由 dns.Conn 负责
type proxyExchanger struct {
	dialer  proxy.Dialer
	addr    string
	timeout time.Duration
}

func (e *proxyExchanger) exchange(m *dns.Msg) (*dns.Msg, time.Duration, error) {
	start := time.Now()
	raw, err := e.dialer.Dial("tcp", e.addr)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("代理连接失败: %w", err)
	}
	defer raw.Close()
	if err := raw.SetDeadline(time.Now().Add(e.timeout)); err != nil {
		return nil, time.Since(start), err
	}
	conn := &dns.Conn{Conn: raw}
	if err := conn.WriteMsg(m); err != nil {
		return nil, time.Since(start), err
	}
	resp, err := conn.ReadMsg()
	if err != nil {
		return nil, time.Since(start), err
	}
	return resp, time.Since(start), nil
}

// UpstreamServer 单个上游解析器。持有一条无界 FIFO 队列和唯一的
// 工作协程，保证对同一端点任意时刻至多一个在途请求；不同上游
// 之间完全并行。
type UpstreamServer struct {
	name      string
	addr      string
	transport string // udp、tcp 或 proxy:<名称>
	timeout   time.Duration
	ex        exchanger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*exchangeRequest
	closed bool

	prioMu   sync.Mutex
	priority int
}

// NewUpstreamServer 按配置创建上游并启动工作协程。
// 配置了代理的上游强制走代理 TCP，其余按 transport 直连。
func NewUpstreamServer(cfg UpstreamConfig, proxies map[string]string) (*UpstreamServer, error) {
	u := &UpstreamServer{
		name:    cfg.Name,
		addr:    cfg.Addr(),
		timeout: cfg.GetUpstreamTimeout(),
	}
	u.cond = sync.NewCond(&u.mu)

	if cfg.Proxy != "" {
		proxyURL, ok := proxies[cfg.Proxy]
		if !ok {
			return nil, fmt.Errorf("上游 %s 引用了未定义的代理: %s", cfg.Name, cfg.Proxy)
		}
		dialer, err := dialerFromProxy(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("上游 %s 创建代理失败: %w", cfg.Name, err)
		}
		u.transport = "proxy:" + cfg.Proxy
		u.ex = &proxyExchanger{dialer: dialer, addr: u.addr, timeout: u.timeout}
	} else {
		network := cfg.Transport
		if network == "" {
			network = "udp"
		}
		u.transport = network
		u.ex = &directExchanger{
			client: &dns.Client{Net: network, Timeout: u.timeout},
			addr:   u.addr,
		}
	}

	go u.worker()
	return u, nil
}

// Name 返回上游名称
func (u *UpstreamServer) Name() string { return u.name }

// Addr 返回上游地址
func (u *UpstreamServer) Addr() string { return u.addr }

// Transport 返回转发方式
func (u *UpstreamServer) Transport() string { return u.transport }

// Priority 返回当前优先级
func (u *UpstreamServer) Priority() int {
	u.prioMu.Lock()
	defer u.prioMu.Unlock()
	return u.priority
}

// Adjust 按转发结果调整优先级并返回新值
func (u *UpstreamServer) Adjust(success bool) int {
	u.prioMu.Lock()
	defer u.prioMu.Unlock()
	if success {
		u.priority += priorityReward
		if u.priority > priorityMax {
			u.priority = priorityMax
		}
	} else {
		if u.priority > 0 {
			u.priority -= priorityPenalty
		} else {
			u.priority--
		}
		if u.priority < 0 {
			u.priority = 0
		}
	}
	priorityGauge.WithLabelValues(u.name).Set(float64(u.priority))
	return u.priority
}

// Enqueue 非阻塞入队。上游已关闭时返回 false，队列无界所以
// 永远不会因为上游阻塞而拖住调用方。
func (u *UpstreamServer) Enqueue(req *exchangeRequest) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false
	}
	u.queue = append(u.queue, req)
	u.cond.Signal()
	return true
}

// QueueLen 返回当前排队深度
func (u *UpstreamServer) QueueLen() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}

// Close 停止工作协程，排队中的请求全部按失败处理
func (u *UpstreamServer) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	pending := u.queue
	u.queue = nil
	u.cond.Broadcast()
	u.mu.Unlock()

	for _, req := range pending {
		close(req.reply)
	}
}

func (u *UpstreamServer) dequeue() (*exchangeRequest, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for len(u.queue) == 0 && !u.closed {
		u.cond.Wait()
	}
	if len(u.queue) == 0 {
		return nil, false
	}
	req := u.queue[0]
	u.queue = u.queue[1:]
	return req, true
}

// worker 串行消费队列：取出请求、按固定策略转发、交付或丢弃
func (u *UpstreamServer) worker() {
	for {
		req, ok := u.dequeue()
		if !ok {
			return
		}
		resp, rtt, err := u.ex.exchange(req.msg)
		upstreamLatency.WithLabelValues(u.name).Observe(rtt.Seconds())
		if err != nil || resp == nil {
			logger.Error("上游 %s(%s) 转发失败: %v", u.name, u.addr, err)
			upstreamFailures.WithLabelValues(u.name).Inc()
			close(req.reply)
			continue
		}
		req.reply <- resp
		close(req.reply)
	}
}

// RuleGroup 规则组：一个分类器绑定一组上游。上游可被多个规则组
// 共享，组内按配置顺序保存。
type RuleGroup struct {
	name   string
	filter *FilterList
	pool   []*UpstreamServer
}

// NewRuleGroup 创建规则组
func NewRuleGroup(name string, filter *FilterList, pool []*UpstreamServer) *RuleGroup {
	return &RuleGroup{name: name, filter: filter, pool: pool}
}

// Name 返回规则组名称
func (g *RuleGroup) Name() string { return g.name }

// Filter 返回规则组的分类器
func (g *RuleGroup) Filter() *FilterList { return g.filter }

// Pool 返回规则组的上游列表
func (g *RuleGroup) Pool() []*UpstreamServer { return g.pool }

// Select 取优先级最高的上游，优先级相同时配置靠前的胜出
func (g *RuleGroup) Select() *UpstreamServer {
	var best *UpstreamServer
	for _, s := range g.pool {
		if best == nil || s.Priority() > best.Priority() {
			best = s
		}
	}
	return best
}

// Dispatch 选择上游并入队，返回选中的上游和应答通道。
// 入队失败时返回已关闭的通道，调用方读到 nil 按丢弃处理。
func (g *RuleGroup) Dispatch(msg *dns.Msg) (*UpstreamServer, <-chan *dns.Msg) {
	srv := g.Select()
	if srv == nil {
		return nil, nil
	}
	reply := make(chan *dns.Msg, 1)
	if !srv.Enqueue(&exchangeRequest{msg: msg, reply: reply}) {
		close(reply)
	}
	return srv, reply
}
