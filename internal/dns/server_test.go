package dns

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftdns/siftdns/pkg/logger"
)

func TestMain(m *testing.M) {
	// 压掉测试期间的日志输出
	_ = logger.Init(logger.Config{Level: "fatal"})
	os.Exit(m.Run())
}

// mockResponseWriter 捕获写出的应答
type mockResponseWriter struct {
	remote net.Addr
	msg    *dns.Msg
}

func (w *mockResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}
}

func (w *mockResponseWriter) RemoteAddr() net.Addr {
	if w.remote != nil {
		return w.remote
	}
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5353}
}

func (w *mockResponseWriter) WriteMsg(m *dns.Msg) error { w.msg = m; return nil }

func (w *mockResponseWriter) Write(b []byte) (int, error) { return len(b), nil }

func (w *mockResponseWriter) Close() error { return nil }

func (w *mockResponseWriter) TsigStatus() error { return nil }

func (w *mockResponseWriter) TsigTimersOnly(bool) {}

func (w *mockResponseWriter) Hijack() {}

// closedPort 返回一个刚被释放的端口，对它的查询必然失败
func closedPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

// newTestServer 组装测试服务器。配置目录里预置一份规则文件和
// 本地域文档，上游和规则组由各用例按需补充。
func newTestServer(t *testing.T, mutate func(dir string, cfg *Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "adblock.txt", "ads.example.com\n")
	writeTestFile(t, dir, "default.txt", "*.*\n")
	writeTestFile(t, dir, "home.lan.json", zoneDoc)

	cfg := &Config{dir: dir}
	cfg.Storage.Type = "file"
	cfg.Storage.Path = "queries.json"
	cfg.Zones = []ZoneConfig{{Name: "home.lan", URL: "home.lan.json"}}
	if mutate != nil {
		mutate(dir, cfg)
	}
	require.NoError(t, cfg.Validate())

	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func question(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func handleQuery(s *Server, m *dns.Msg) *dns.Msg {
	w := &mockResponseWriter{}
	s.handle(w, m)
	return w.msg
}

func TestServerResolveLocal(t *testing.T) {
	s := newTestServer(t, nil)

	msg := handleQuery(s, question("home.lan.", dns.TypeA))
	require.NotNil(t, msg)
	assert.True(t, msg.Authoritative)
	assert.Equal(t, dns.RcodeSuccess, msg.Rcode)
	require.Len(t, msg.Answer, 1)
	a, ok := msg.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "home.lan.", a.Hdr.Name)
	assert.Equal(t, "127.0.0.1", a.A.String())

	// 归本域管辖但没有记录：空权威应答，不转发
	msg = handleQuery(s, question("nonexistent.home.lan.", dns.TypeA))
	require.NotNil(t, msg)
	assert.True(t, msg.Authoritative)
	assert.Empty(t, msg.Answer)
	assert.Equal(t, dns.RcodeSuccess, msg.Rcode)

	// 域外名称且没有上游可转发：不回包
	msg = handleQuery(s, question("external.example.com.", dns.TypeA))
	assert.Nil(t, msg)

	entries := s.QueryLog().Entries(3)
	require.Len(t, entries, 3)
	assert.Equal(t, "dropped", entries[0].Outcome)
	assert.Equal(t, "local", entries[1].Outcome)
	assert.Equal(t, "local", entries[2].Outcome)
}

func TestServerReverseLookup(t *testing.T) {
	s := newTestServer(t, nil)

	msg := handleQuery(s, question("2.0.0.127.in-addr.arpa.", dns.TypePTR))
	require.NotNil(t, msg)
	require.Len(t, msg.Answer, 1)
	ptr, ok := msg.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "home.lan.", ptr.Ptr)
}

func TestServerSRVRewrite(t *testing.T) {
	s := newTestServer(t, nil)

	// 命中服务名的 SRV 查询改到本地域下，应答绑回原始查询名
	msg := handleQuery(s, question("_ldap._tcp.corp.example.com.", dns.TypeSRV))
	require.NotNil(t, msg)
	require.Len(t, msg.Answer, 1)
	srv, ok := msg.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, "_ldap._tcp.corp.example.com.", srv.Hdr.Name)
	assert.Equal(t, "ldap.home.lan.", srv.Target)
	assert.Equal(t, uint16(389), srv.Port)

	// 不在重写名单里的服务不受影响
	msg = handleQuery(s, question("_http._tcp.corp.example.com.", dns.TypeSRV))
	assert.Nil(t, msg)
}

func TestServerForwarded(t *testing.T) {
	port := newStubUpstream(t, "10.0.0.9")
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port, Timeout: 2}}
		cfg.Rules = []RuleConfig{{Name: "default", URL: "default.txt", Upstreams: []string{"stub"}}}
	})

	q := question("example.org.", dns.TypeA)
	msg := handleQuery(s, q)
	require.NotNil(t, msg)
	assert.Equal(t, q.Id, msg.Id)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "10.0.0.9", msg.Answer[0].(*dns.A).A.String())

	// 成功应答抬升上游优先级
	assert.Equal(t, 5, s.Upstreams()[0].Priority())

	entries := s.QueryLog().Entries(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "forwarded", entries[0].Outcome)
	assert.Equal(t, "default", entries[0].Rule)
	assert.Equal(t, "stub", entries[0].Upstream)
	assert.Equal(t, 1, entries[0].Answers)
}

func TestServerRuleRouting(t *testing.T) {
	blockPort := newStubUpstream(t, "10.9.9.9")
	cleanPort := newStubUpstream(t, "10.0.0.9")
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Upstreams = []UpstreamConfig{
			{Name: "filtered", IP: "127.0.0.1", Port: blockPort, Timeout: 2},
			{Name: "clean", IP: "127.0.0.1", Port: cleanPort, Timeout: 2},
		}
		cfg.Rules = []RuleConfig{
			{Name: "adblock", URL: "adblock.txt", Upstreams: []string{"filtered"}},
			{Name: "default", URL: "default.txt", Upstreams: []string{"clean"}},
		}
	})

	testCases := []struct {
		name string
		host string
		want string
	}{
		{"命中规则走规则组上游", "ads.example.com.", "10.9.9.9"},
		{"子域名同样命中", "x.ads.example.com.", "10.9.9.9"},
		{"后缀匹配不看点边界", "badads.example.com.", "10.9.9.9"},
		{"其余走默认组", "clean.example.org.", "10.0.0.9"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := handleQuery(s, question(tc.host, dns.TypeA))
			require.NotNil(t, msg)
			require.Len(t, msg.Answer, 1)
			assert.Equal(t, tc.want, msg.Answer[0].(*dns.A).A.String())
		})
	}
}

func TestServerCached(t *testing.T) {
	port := newStubUpstream(t, "10.0.0.9")
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Cache.Enabled = true
		cfg.Cache.Size = 16
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port, Timeout: 2}}
		cfg.Rules = []RuleConfig{{Name: "default", URL: "default.txt", Upstreams: []string{"stub"}}}
	})

	first := handleQuery(s, question("example.org.", dns.TypeA))
	require.NotNil(t, first)
	assert.Equal(t, 1, s.CacheLen())

	q2 := question("example.org.", dns.TypeA)
	second := handleQuery(s, q2)
	require.NotNil(t, second)
	assert.Equal(t, q2.Id, second.Id)
	require.Len(t, second.Answer, 1)
	assert.Equal(t, "10.0.0.9", second.Answer[0].(*dns.A).A.String())

	entries := s.QueryLog().Entries(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "cached", entries[0].Outcome)
	assert.Equal(t, "forwarded", entries[1].Outcome)
}

func TestServerDenied(t *testing.T) {
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Server.AllowedHosts = []string{"10.0.0.0/8"}
	})

	w := &mockResponseWriter{}
	s.handle(w, question("home.lan.", dns.TypeA))
	assert.Nil(t, w.msg)

	entries := s.QueryLog().Entries(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].Outcome)
	assert.Equal(t, "127.0.0.1", entries[0].Client)
}

func TestServerEmptyQuestion(t *testing.T) {
	s := newTestServer(t, nil)

	w := &mockResponseWriter{}
	s.handle(w, new(dns.Msg))
	assert.Nil(t, w.msg)
	assert.Zero(t, s.QueryLog().Size())
}

func TestServerUpstreamFailover(t *testing.T) {
	failPort := closedPort(t)
	goodPort := newStubUpstream(t, "10.0.0.9")
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Upstreams = []UpstreamConfig{
			{Name: "flaky", IP: "127.0.0.1", Port: failPort, Timeout: 1},
			{Name: "steady", IP: "127.0.0.1", Port: goodPort, Timeout: 2},
		}
		cfg.Rules = []RuleConfig{{Name: "default", URL: "default.txt", Upstreams: []string{"flaky", "steady"}}}
	})

	flaky, steady := s.Upstreams()[0], s.Upstreams()[1]
	for i := 0; i < 3; i++ {
		flaky.Adjust(true)
	}
	for i := 0; i < 2; i++ {
		steady.Adjust(true)
	}
	require.Equal(t, 15, flaky.Priority())
	require.Equal(t, 10, steady.Priority())

	// 优先级最高的上游失败：本次查询丢弃，优先级被压低
	msg := handleQuery(s, question("example.org.", dns.TypeA))
	assert.Nil(t, msg)
	assert.Equal(t, 5, flaky.Priority())

	entries := s.QueryLog().Entries(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "dropped", entries[0].Outcome)
	assert.Equal(t, "flaky", entries[0].Upstream)

	// 客户端重试时换成了健康的上游
	msg = handleQuery(s, question("example.org.", dns.TypeA))
	require.NotNil(t, msg)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "10.0.0.9", msg.Answer[0].(*dns.A).A.String())
	assert.Equal(t, 15, steady.Priority())
}

func TestServerSanitizesUpstreamReply(t *testing.T) {
	port := newStubUpstream(t, "1.2.3.4")
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.BogusNXDomain.Addresses = []string{"1.2.3.4"}
		cfg.BogusNXDomain.HackIP = "5.6.7.8"
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port, Timeout: 2}}
		cfg.Rules = []RuleConfig{{Name: "default", URL: "default.txt", Upstreams: []string{"stub"}}}
	})

	msg := handleQuery(s, question("hijacked.example.com.", dns.TypeA))
	require.NotNil(t, msg)
	require.Len(t, msg.Answer, 1)
	a, ok := msg.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "hijacked.example.com.", a.Hdr.Name)
	assert.Equal(t, "5.6.7.8", a.A.String())
}

func TestServerSearchModes(t *testing.T) {
	port := newStubUpstream(t, "10.0.0.9")

	// 只查本地：本地命中照常，其余一律丢弃
	localOnly := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Server.Search = []string{"local"}
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port, Timeout: 2}}
		cfg.Rules = []RuleConfig{{Name: "default", URL: "default.txt", Upstreams: []string{"stub"}}}
	})
	msg := handleQuery(localOnly, question("home.lan.", dns.TypeA))
	require.NotNil(t, msg)
	assert.Nil(t, handleQuery(localOnly, question("example.org.", dns.TypeA)))

	// 只查上游：本地域名称也交给上游
	upstreamOnly := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Server.Search = []string{"upstream"}
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port, Timeout: 2}}
		cfg.Rules = []RuleConfig{{Name: "default", URL: "default.txt", Upstreams: []string{"stub"}}}
	})
	msg = handleQuery(upstreamOnly, question("home.lan.", dns.TypeA))
	require.NotNil(t, msg)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "10.0.0.9", msg.Answer[0].(*dns.A).A.String())
	assert.False(t, msg.Authoritative)
}

func TestServerLazyRefreshOnQuery(t *testing.T) {
	port := newStubUpstream(t, "10.0.0.9")
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port, Timeout: 2}}
		cfg.Rules = []RuleConfig{{Name: "adblock", URL: "adblock.txt", Refresh: 1, Upstreams: []string{"stub"}}}
	})
	filter := s.Groups()[0].Filter()
	require.False(t, filter.Blocked("fresh.example.net"))

	rulePath := filepath.Join(s.Config().Dir(), "adblock.txt")
	require.NoError(t, os.WriteFile(rulePath, []byte("ads.example.com\nfresh.example.net\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(rulePath, old, old))

	// 查询顺带把过期的规则组派去后台刷新
	handleQuery(s, question("ads.example.com.", dns.TypeA))
	assert.Eventually(t, func() bool {
		return filter.Blocked("fresh.example.net")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerForceRefresh(t *testing.T) {
	port := closedPort(t)
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port}}
		cfg.Rules = []RuleConfig{{Name: "adblock", URL: "adblock.txt", Upstreams: []string{"stub"}}}
	})
	filter := s.Groups()[0].Filter()
	require.False(t, filter.Blocked("fresh.example.net"))

	rulePath := filepath.Join(s.Config().Dir(), "adblock.txt")
	require.NoError(t, os.WriteFile(rulePath, []byte("fresh.example.net\n"), 0o644))

	// 刷新间隔为零不会自动过期，但强制刷新照样生效
	require.False(t, filter.Stale())
	s.ForceRefresh()
	assert.Eventually(t, func() bool {
		return filter.Blocked("fresh.example.net")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewServerLocalZoneFailure(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "home.lan.json", "{broken")

	cfg := &Config{dir: dir}
	cfg.Storage.Type = "file"
	cfg.Storage.Path = "queries.json"
	cfg.Zones = []ZoneConfig{{Name: "home.lan", URL: "home.lan.json"}}

	_, err := NewServer(cfg)
	assert.Error(t, err)
}

func TestNewServerRemoteRuleFailureSoft(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(http.NotFound))
	backend.Close()

	port := closedPort(t)
	s := newTestServer(t, func(dir string, cfg *Config) {
		cfg.Upstreams = []UpstreamConfig{{Name: "stub", IP: "127.0.0.1", Port: port}}
		cfg.Rules = []RuleConfig{{Name: "remote", URL: backend.URL + "/rules.txt", Upstreams: []string{"stub"}}}
	})

	// 远程来源首次拉取失败只告警，规则组从空快照起步
	black, white := s.Groups()[0].Filter().Counts()
	assert.Zero(t, black)
	assert.Zero(t, white)
	assert.False(t, s.Groups()[0].Filter().Blocked("example.org"))
}

func TestServeUDP(t *testing.T) {
	s := newTestServer(t, nil)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeUDP(conn)

	c := &dns.Client{Timeout: 2 * time.Second}
	in, _, err := c.Exchange(question("home.lan.", dns.TypeA), conn.LocalAddr().String())
	require.NoError(t, err)
	require.Len(t, in.Answer, 1)
	assert.Equal(t, "127.0.0.1", in.Answer[0].(*dns.A).A.String())
}

func TestServeTCP(t *testing.T) {
	s := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeTCP(ln)

	c := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	in, _, err := c.Exchange(question("home.lan.", dns.TypeA), ln.Addr().String())
	require.NoError(t, err)
	require.Len(t, in.Answer, 1)
	assert.Equal(t, "127.0.0.1", in.Answer[0].(*dns.A).A.String())
}
