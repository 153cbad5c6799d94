package dns

import (
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/siftdns/siftdns/pkg/utils"
)

// Sanitizer 污染应答清洗器。上游有时对被屏蔽的域名返回固定的
// 假地址，命中名单的地址记录会被剔除；配置了改写地址时再补一条
// 指向改写地址的记录。
type Sanitizer struct {
	bogus  map[string]struct{}
	hackIP net.IP
	hackV6 bool
}

// NewSanitizer 创建清洗器，地址统一成规范写法再比较
func NewSanitizer(addresses []string, hackIP string) *Sanitizer {
	s := &Sanitizer{bogus: make(map[string]struct{}, len(addresses))}
	for _, addr := range addresses {
		if ip := net.ParseIP(strings.TrimSpace(addr)); ip != nil {
			s.bogus[ip.String()] = struct{}{}
		}
	}
	if hackIP != "" {
		s.hackIP = net.ParseIP(hackIP)
		s.hackV6 = utils.Network.IsIPv6(hackIP)
	}
	return s
}

// Clean 剔除应答中命中名单的 A/AAAA 记录，返回剔除条数。
// 有记录被剔除且配置了改写地址时，补一条绑定原查询名的记录。
func (s *Sanitizer) Clean(msg *dns.Msg) int {
	if s == nil || len(s.bogus) == 0 || msg == nil {
		return 0
	}
	kept := make([]dns.RR, 0, len(msg.Answer))
	stripped := 0
	for _, rr := range msg.Answer {
		var addr string
		switch v := rr.(type) {
		case *dns.A:
			addr = v.A.String()
		case *dns.AAAA:
			addr = v.AAAA.String()
		}
		if addr != "" {
			if _, bad := s.bogus[addr]; bad {
				stripped++
				continue
			}
		}
		kept = append(kept, rr)
	}
	if stripped == 0 {
		return 0
	}
	msg.Answer = kept

	if s.hackIP != nil && len(msg.Question) > 0 {
		qname := msg.Question[0].Name
		hdr := dns.RR_Header{Name: qname, Class: dns.ClassINET, Ttl: zoneTTL}
		if s.hackV6 {
			hdr.Rrtype = dns.TypeAAAA
			msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: hdr, AAAA: s.hackIP})
		} else {
			hdr.Rrtype = dns.TypeA
			msg.Answer = append(msg.Answer, &dns.A{Hdr: hdr, A: s.hackIP.To4()})
		}
	}
	return stripped
}
