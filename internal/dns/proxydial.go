package dns

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"
)

// x/net/proxy 自带 socks5，socks4 和 http CONNECT 在这里注册，
// 之后统一经 proxy.FromURL 构造拨号器。
func init() {
	proxy.RegisterDialerType("socks4", newSOCKS4Dialer)
	proxy.RegisterDialerType("http", newHTTPConnectDialer)
}

// dialerFromProxy 按配置的代理 URL 构造拨号器，空串表示直连
func dialerFromProxy(proxyURL string) (proxy.Dialer, error) {
	if proxyURL == "" {
		return proxy.Direct, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("代理地址无效: %w", err)
	}
	return proxy.FromURL(u, proxy.Direct)
}

// socks4Dialer 实现 SOCKS4/4a CONNECT，非 IPv4 目标走 4a 的域名扩展
type socks4Dialer struct {
	addr    string
	forward proxy.Dialer
}

func newSOCKS4Dialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("socks4 代理缺少地址")
	}
	return &socks4Dialer{addr: u.Host, forward: forward}, nil
}

func (d *socks4Dialer) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4 仅支持 TCP")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xffff {
		return nil, fmt.Errorf("目标端口无效: %s", portStr)
	}

	conn, err := d.forward.Dial("tcp", d.addr)
	if err != nil {
		return nil, err
	}

	req := []byte{4, 1, byte(port >> 8), byte(port)}
	ip4 := net.ParseIP(host).To4()
	if ip4 != nil {
		req = append(req, ip4...)
		req = append(req, 0)
	} else {
		// SOCKS4a：占位地址 0.0.0.1，域名跟在 userid 之后
		req = append(req, 0, 0, 0, 1, 0)
		req = append(req, host...)
		req = append(req, 0)
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 连接被拒绝: 0x%02x", resp[1])
	}
	return conn, nil
}

// httpConnectDialer 通过 HTTP CONNECT 建立隧道
type httpConnectDialer struct {
	addr    string
	forward proxy.Dialer
}

func newHTTPConnectDialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("http 代理缺少地址")
	}
	return &httpConnectDialer{addr: u.Host, forward: forward}, nil
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("http 隧道仅支持 TCP")
	}
	conn, err := d.forward.Dial("tcp", d.addr)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.Contains(status, " 200") {
		conn.Close()
		return nil, fmt.Errorf("http 隧道建立失败: %s", strings.TrimSpace(status))
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	// 隧道建立前服务端不会再发数据，buffered 一般为空；不为空时也要交给调用方
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn 把握手时多读的字节还给调用方
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
