package dns

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// octetRule 单个点分段的匹配规则：通配、区间或字面值
type octetRule struct {
	any    bool
	lo, hi uint8
}

// globPattern 带通配或区间段的 IPv4 模式，如 192.168.*.* 或
// 192.168.2.10-100
type globPattern [4]octetRule

func (p globPattern) match(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for i, r := range p {
		if r.any {
			continue
		}
		if ip4[i] < r.lo || ip4[i] > r.hi {
			return false
		}
	}
	return true
}

// AccessList 客户端访问名单。空名单放行所有来源。
type AccessList struct {
	exact    map[string]struct{}
	nets     []*net.IPNet
	patterns []globPattern
}

// CompileAllowedHosts 把配置里的访问名单编译成匹配器。
// 支持四种写法：IP 字面值、CIDR、段通配（192.168.*.*）、
// 段区间（192.168.2.10-100）。
func CompileAllowedHosts(entries []string) (*AccessList, error) {
	a := &AccessList{exact: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		switch {
		case strings.Contains(entry, "/"):
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("allowed_hosts 条目无效: %s", entry)
			}
			a.nets = append(a.nets, ipnet)
		case strings.Contains(entry, "*") || strings.Contains(entry, "-"):
			p, err := parseGlobPattern(entry)
			if err != nil {
				return nil, fmt.Errorf("allowed_hosts 条目无效: %s", entry)
			}
			a.patterns = append(a.patterns, p)
		default:
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("allowed_hosts 条目无效: %s", entry)
			}
			a.exact[ip.String()] = struct{}{}
		}
	}
	return a, nil
}

func parseGlobPattern(entry string) (globPattern, error) {
	var p globPattern
	parts := strings.Split(entry, ".")
	if len(parts) != 4 {
		return p, fmt.Errorf("不是点分四段: %s", entry)
	}
	for i, part := range parts {
		switch {
		case part == "*":
			p[i] = octetRule{any: true}
		case strings.Contains(part, "-"):
			lo, hi, ok := strings.Cut(part, "-")
			if !ok {
				return p, fmt.Errorf("区间无效: %s", part)
			}
			loV, err1 := strconv.Atoi(lo)
			hiV, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || loV < 0 || hiV > 255 || loV > hiV {
				return p, fmt.Errorf("区间无效: %s", part)
			}
			p[i] = octetRule{lo: uint8(loV), hi: uint8(hiV)}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < 0 || v > 255 {
				return p, fmt.Errorf("段值无效: %s", part)
			}
			p[i] = octetRule{lo: uint8(v), hi: uint8(v)}
		}
	}
	return p, nil
}

// Empty 判断名单是否为空
func (a *AccessList) Empty() bool {
	return a == nil || len(a.exact) == 0 && len(a.nets) == 0 && len(a.patterns) == 0
}

// Allowed 判断来源 IP 是否放行。名单为空时一律放行。
func (a *AccessList) Allowed(ip net.IP) bool {
	if a.Empty() {
		return true
	}
	if ip == nil {
		return false
	}
	if _, ok := a.exact[ip.String()]; ok {
		return true
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	for _, p := range a.patterns {
		if p.match(ip) {
			return true
		}
	}
	return false
}

// ipFromAddr 从连接地址里取出客户端 IP
func ipFromAddr(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.UDPAddr:
		return v.IP
	case *net.TCPAddr:
		return v.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}
