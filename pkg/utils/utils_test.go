package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeFileName(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"https://example.com/lists/adblock.txt", "adblock.txt"},
		{"https://example.com/list.txt?v=2#frag", "list.txt"},
		{"adblock.txt", "adblock.txt"},
		{"/var/lib/siftdns/adblock.txt", "adblock.txt"},
		{"https://example.com/", "_"},
		{"", "_"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, SafeFileName(tc.in))
		})
	}
}

func TestIsValidIP(t *testing.T) {
	assert.True(t, IsValidIP("192.168.1.1"))
	assert.True(t, IsValidIP("::1"))
	assert.True(t, IsValidIP("2001:db8::1"))
	assert.False(t, IsValidIP("999.1.1.1"))
	assert.False(t, IsValidIP("example.com"))
	assert.False(t, IsValidIP(""))
}

func TestIsValidPort(t *testing.T) {
	assert.True(t, IsValidPort(1))
	assert.True(t, IsValidPort(53))
	assert.True(t, IsValidPort(65535))
	assert.False(t, IsValidPort(0))
	assert.False(t, IsValidPort(-1))
	assert.False(t, IsValidPort(65536))
}

func TestIsIPv6(t *testing.T) {
	assert.True(t, Network.IsIPv6("::1"))
	assert.True(t, Network.IsIPv6("2001:db8::1"))
	assert.False(t, Network.IsIPv6("192.168.1.1"))
}

func TestEnsureDirAndFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, FileExists(dir))

	// 重复创建不报错
	require.NoError(t, EnsureDir(dir))

	path := filepath.Join(dir, "x.txt")
	assert.False(t, FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, FileExists(path))
}

func TestFormatDuration(t *testing.T) {
	testCases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
		{26*time.Hour + 30*time.Minute, "1d2h"},
	}
	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatDuration(tc.in))
		})
	}
}
