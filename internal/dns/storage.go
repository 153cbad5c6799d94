package dns

import (
	"fmt"
	"path/filepath"
	"time"
)

// Storage 查询日志持久化后端
type Storage interface {
	// AppendQueries 批量追加日志
	AppendQueries(entries []QueryLogEntry) error
	// LoadRecent 按时间倒序读取最近 limit 条日志
	LoadRecent(limit int) ([]QueryLogEntry, error)
	// Cleanup 清除早于保留期的日志
	Cleanup(retention time.Duration) error
	Close() error
}

// NewStorage 根据配置创建存储后端
func NewStorage(config *Config) (Storage, error) {
	path := config.GetStoragePath()
	if !filepath.IsAbs(path) {
		path = filepath.Join(config.Dir(), path)
	}
	switch config.GetStorageType() {
	case "sqlite":
		return NewSQLiteStore(path)
	case "file":
		return NewFileStore(path)
	}
	return nil, fmt.Errorf("不支持的存储类型: %s", config.Storage.Type)
}
