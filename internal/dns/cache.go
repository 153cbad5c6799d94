package dns

import (
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// cachedResponse 缓存条目，记录入缓存时间用于扣减 TTL
type cachedResponse struct {
	msg      *dns.Msg
	storedAt time.Time
}

// ResponseCache 应答缓存。键为 查询名|类型，LRU 淘汰，过期时间
// 取应答里最小的 TTL，不低于配置的下限。
type ResponseCache struct {
	cache  gcache.Cache
	minTTL time.Duration
}

// NewResponseCache 创建应答缓存，size 小于等于零时禁用
func NewResponseCache(size int, minTTL time.Duration) *ResponseCache {
	if size <= 0 {
		return nil
	}
	return &ResponseCache{
		cache:  gcache.New(size).LRU().Build(),
		minTTL: minTTL,
	}
}

func cacheKey(q dns.Question) string {
	return strings.ToLower(q.Name) + "|" + dns.TypeToString[q.Qtype]
}

// Get 查缓存。命中时返回扣减过 TTL 的副本，未命中返回 nil。
func (c *ResponseCache) Get(q dns.Question) *dns.Msg {
	if c == nil {
		return nil
	}
	v, err := c.cache.Get(cacheKey(q))
	if err != nil {
		return nil
	}
	entry, ok := v.(*cachedResponse)
	if !ok {
		return nil
	}
	elapsed := uint32(time.Since(entry.storedAt).Seconds())
	resp := entry.msg.Copy()
	adjustTTL(resp.Answer, elapsed)
	adjustTTL(resp.Ns, elapsed)
	adjustTTL(resp.Extra, elapsed)
	return resp
}

// Put 存入一条成功且带应答的响应
func (c *ResponseCache) Put(q dns.Question, msg *dns.Msg) {
	if c == nil || msg == nil {
		return
	}
	if msg.Rcode != dns.RcodeSuccess || len(msg.Answer) == 0 {
		return
	}
	ttl := time.Duration(minAnswerTTL(msg.Answer)) * time.Second
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	_ = c.cache.SetWithExpire(cacheKey(q), &cachedResponse{
		msg:      msg.Copy(),
		storedAt: time.Now(),
	}, ttl)
}

// Len 返回缓存条数
func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len(true)
}

func minAnswerTTL(rrs []dns.RR) uint32 {
	min := uint32(0)
	for i, rr := range rrs {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

// adjustTTL 按缓存驻留时间扣减 TTL，最低保留 1 秒
func adjustTTL(rrs []dns.RR, elapsed uint32) {
	for _, rr := range rrs {
		hdr := rr.Header()
		if hdr.Rrtype == dns.TypeOPT {
			continue
		}
		if hdr.Ttl > elapsed {
			hdr.Ttl -= elapsed
		} else {
			hdr.Ttl = 1
		}
	}
}
