package dns

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedMsg(t *testing.T, name string, answers ...string) *dns.Msg {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.Response = true
	for _, s := range answers {
		msg.Answer = append(msg.Answer, newAnswer(t, s))
	}
	return msg
}

func TestResponseCacheHitMiss(t *testing.T) {
	c := NewResponseCache(16, time.Minute)
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	assert.Nil(t, c.Get(q))

	c.Put(q, cachedMsg(t, "example.com.", "example.com. 300 IN A 1.1.1.1"))
	got := c.Get(q)
	require.NotNil(t, got)
	require.Len(t, got.Answer, 1)
	assert.Equal(t, "1.1.1.1", got.Answer[0].(*dns.A).A.String())
	assert.Equal(t, 1, c.Len())

	// 键不区分大小写
	upper := dns.Question{Name: "EXAMPLE.COM.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.NotNil(t, c.Get(upper))

	// 同名不同类型是另一个条目
	aaaa := dns.Question{Name: "example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}
	assert.Nil(t, c.Get(aaaa))
}

func TestResponseCacheCopies(t *testing.T) {
	c := NewResponseCache(16, time.Minute)
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	c.Put(q, cachedMsg(t, "example.com.", "example.com. 300 IN A 1.1.1.1"))

	first := c.Get(q)
	require.NotNil(t, first)
	first.Answer[0].(*dns.A).A = net.ParseIP("9.9.9.9")

	second := c.Get(q)
	require.NotNil(t, second)
	assert.Equal(t, "1.1.1.1", second.Answer[0].(*dns.A).A.String())
}

func TestResponseCachePutFilters(t *testing.T) {
	c := NewResponseCache(16, time.Minute)
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	c.Put(q, nil)
	assert.Equal(t, 0, c.Len())

	// 无应答不缓存
	c.Put(q, cachedMsg(t, "example.com."))
	assert.Equal(t, 0, c.Len())

	// 失败响应不缓存
	failed := cachedMsg(t, "example.com.", "example.com. 300 IN A 1.1.1.1")
	failed.Rcode = dns.RcodeServerFailure
	c.Put(q, failed)
	assert.Equal(t, 0, c.Len())
}

func TestResponseCacheEviction(t *testing.T) {
	c := NewResponseCache(2, time.Minute)
	for _, name := range []string{"a.example.com.", "b.example.com.", "c.example.com."} {
		q := dns.Question{Name: name, Qtype: dns.TypeA, Qclass: dns.ClassINET}
		c.Put(q, cachedMsg(t, name, name+" 300 IN A 1.1.1.1"))
	}
	assert.Equal(t, 2, c.Len())
}

func TestResponseCacheDisabled(t *testing.T) {
	assert.Nil(t, NewResponseCache(0, time.Minute))

	var c *ResponseCache
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	c.Put(q, cachedMsg(t, "example.com.", "example.com. 300 IN A 1.1.1.1"))
	assert.Nil(t, c.Get(q))
	assert.Equal(t, 0, c.Len())
}

func TestAdjustTTL(t *testing.T) {
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT

	rrs := []dns.RR{
		newAnswer(t, "example.com. 300 IN A 1.1.1.1"),
		newAnswer(t, "example.com. 5 IN A 2.2.2.2"),
		opt,
	}
	adjustTTL(rrs, 10)

	assert.Equal(t, uint32(290), rrs[0].Header().Ttl)
	// 已过期的条目保底 1 秒
	assert.Equal(t, uint32(1), rrs[1].Header().Ttl)
	// OPT 伪记录的 TTL 是扩展标志位，不扣减
	assert.Equal(t, uint32(0), rrs[2].Header().Ttl)
}

func TestMinAnswerTTL(t *testing.T) {
	assert.Equal(t, uint32(0), minAnswerTTL(nil))

	rrs := []dns.RR{
		newAnswer(t, "example.com. 300 IN A 1.1.1.1"),
		newAnswer(t, "example.com. 60 IN A 2.2.2.2"),
		newAnswer(t, "example.com. 120 IN A 3.3.3.3"),
	}
	assert.Equal(t, uint32(60), minAnswerTTL(rrs))
}
