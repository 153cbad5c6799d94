package dns

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// 文件后端最多保留的日志条数
const fileStoreCap = 10000

// FileStore 查询日志的 JSON 文件后端，写入走临时文件加原子
// 重命名，进程崩溃不会留下半个文件
type FileStore struct {
	path string
	mu   sync.Mutex

	entries []QueryLogEntry
}

type fileStoreDocument struct {
	Timestamp int64           `json:"timestamp"`
	Entries   []QueryLogEntry `json:"entries"`
}

// NewFileStore 打开文件存储，已有数据会被载入内存
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	fs := &FileStore{path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取数据文件失败: %w", err)
	}
	var doc fileStoreDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("解析数据文件失败: %w", err)
	}
	fs.entries = doc.Entries
	return nil
}

// AppendQueries 追加日志并重写快照文件
func (fs *FileStore) AppendQueries(entries []QueryLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.entries = append(fs.entries, entries...)
	if len(fs.entries) > fileStoreCap {
		fs.entries = fs.entries[len(fs.entries)-fileStoreCap:]
	}
	return fs.save()
}

// save 写临时文件再原子重命名
func (fs *FileStore) save() error {
	tempFile := fs.path + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(fileStoreDocument{
		Timestamp: time.Now().Unix(),
		Entries:   fs.entries,
	}); err != nil {
		file.Close()
		return fmt.Errorf("编码数据失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tempFile, fs.path); err != nil {
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	return nil
}

// LoadRecent 按时间倒序返回最近的日志
func (fs *FileStore) LoadRecent(limit int) ([]QueryLogEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	size := len(fs.entries)
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]QueryLogEntry, 0, limit)
	for i := size - 1; i >= size-limit; i-- {
		out = append(out, fs.entries[i])
	}
	return out, nil
}

// Cleanup 丢弃早于保留期的日志
func (fs *FileStore) Cleanup(retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kept := fs.entries[:0]
	for _, e := range fs.entries {
		if e.Time.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(fs.entries) {
		return nil
	}
	fs.entries = kept
	return fs.save()
}

// Close 文件后端每次写入都已落盘，无需额外处理
func (fs *FileStore) Close() error { return nil }
