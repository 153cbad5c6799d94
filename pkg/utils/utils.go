package utils

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// StringUtils 字符串工具函数
type StringUtils struct{}

// SafeFileName 把 URL 或路径的末段转成安全的文件名
func (s *StringUtils) SafeFileName(str string) string {
	if i := strings.LastIndexByte(str, '/'); i >= 0 {
		str = str[i+1:]
	}
	if i := strings.IndexAny(str, "?#"); i >= 0 {
		str = str[:i]
	}
	if str == "" {
		return "_"
	}
	return str
}

// NetworkUtils 网络工具函数
type NetworkUtils struct{}

// IsValidIP 检查是否为有效的 IP 地址
func (n *NetworkUtils) IsValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// IsValidPort 检查是否为有效的端口号
func (n *NetworkUtils) IsValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// IsIPv6 检查地址是否为 IPv6
func (n *NetworkUtils) IsIPv6(ip string) bool {
	return strings.Contains(ip, ":")
}

// FileUtils 文件工具函数
type FileUtils struct{}

// EnsureDir 确保目录存在
func (f *FileUtils) EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// FileExists 检查文件是否存在
func (f *FileUtils) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TimeUtils 时间工具函数
type TimeUtils struct{}

// FormatDuration 把时长格式化成人类可读形式
func (t *TimeUtils) FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}

// 全局工具实例
var (
	String  = &StringUtils{}
	Network = &NetworkUtils{}
	File    = &FileUtils{}
	Time    = &TimeUtils{}
)

// SafeFileName 把 URL 或路径的末段转成安全的文件名
func SafeFileName(str string) string {
	return String.SafeFileName(str)
}

// IsValidIP 检查是否为有效的 IP 地址
func IsValidIP(ip string) bool {
	return Network.IsValidIP(ip)
}

// IsValidPort 检查是否为有效的端口号
func IsValidPort(port int) bool {
	return Network.IsValidPort(port)
}

// EnsureDir 确保目录存在
func EnsureDir(path string) error {
	return File.EnsureDir(path)
}

// FileExists 检查文件是否存在
func FileExists(path string) bool {
	return File.FileExists(path)
}

// FormatDuration 把时长格式化成人类可读形式
func FormatDuration(d time.Duration) string {
	return Time.FormatDuration(d)
}
