package dns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnswer(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestSanitizerClean(t *testing.T) {
	s := NewSanitizer([]string{"1.2.3.4"}, "5.6.7.8")

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{newAnswer(t, "example.com. 300 IN A 1.2.3.4")}

	assert.Equal(t, 1, s.Clean(msg))
	require.Len(t, msg.Answer, 1)
	a, ok := msg.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "5.6.7.8", a.A.String())
	assert.Equal(t, "example.com.", a.Hdr.Name)
	assert.Equal(t, uint32(zoneTTL), a.Hdr.Ttl)
}

func TestSanitizerKeepsCleanRecords(t *testing.T) {
	s := NewSanitizer([]string{"1.2.3.4"}, "5.6.7.8")

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{
		newAnswer(t, "example.com. 300 IN CNAME cdn.example.net."),
		newAnswer(t, "cdn.example.net. 300 IN A 1.2.3.4"),
		newAnswer(t, "cdn.example.net. 300 IN A 9.9.9.9"),
	}

	assert.Equal(t, 1, s.Clean(msg))
	// CNAME 和干净地址保留原有顺序，补回的记录排在最后
	require.Len(t, msg.Answer, 3)
	assert.Equal(t, "9.9.9.9", msg.Answer[1].(*dns.A).A.String())
	last := msg.Answer[2].(*dns.A)
	assert.Equal(t, "5.6.7.8", last.A.String())
	assert.Equal(t, "example.com.", last.Hdr.Name)
}

func TestSanitizerNoHit(t *testing.T) {
	s := NewSanitizer([]string{"1.2.3.4"}, "5.6.7.8")

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{newAnswer(t, "example.com. 300 IN A 9.9.9.9")}

	assert.Equal(t, 0, s.Clean(msg))
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "9.9.9.9", msg.Answer[0].(*dns.A).A.String())
}

func TestSanitizerIPv6(t *testing.T) {
	s := NewSanitizer([]string{"2001:DB8:0::BAD"}, "fd00::2")

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeAAAA)
	msg.Answer = []dns.RR{newAnswer(t, "example.com. 300 IN AAAA 2001:db8::bad")}

	// 地址按规范写法比较，改写地址带冒号时补 AAAA
	assert.Equal(t, 1, s.Clean(msg))
	require.Len(t, msg.Answer, 1)
	aaaa, ok := msg.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "fd00::2", aaaa.AAAA.String())
}

func TestSanitizerNoHackIP(t *testing.T) {
	s := NewSanitizer([]string{"1.2.3.4"}, "")

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{newAnswer(t, "example.com. 300 IN A 1.2.3.4")}

	assert.Equal(t, 1, s.Clean(msg))
	assert.Empty(t, msg.Answer)
}

func TestSanitizerDisabled(t *testing.T) {
	var s *Sanitizer
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	assert.Equal(t, 0, s.Clean(msg))

	empty := NewSanitizer(nil, "5.6.7.8")
	msg.Answer = []dns.RR{newAnswer(t, "example.com. 300 IN A 1.2.3.4")}
	assert.Equal(t, 0, empty.Clean(msg))
	assert.Len(t, msg.Answer, 1)
}
