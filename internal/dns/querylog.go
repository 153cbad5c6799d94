package dns

import (
	"sync"
	"time"

	"github.com/siftdns/siftdns/pkg/logger"
)

// 内存查询日志环形缓冲容量
const queryLogCap = 1000

// 批量落盘间隔
const queryLogFlushInterval = 30 * time.Second

// QueryLogEntry 单条查询日志
type QueryLogEntry struct {
	Time     time.Time `json:"time"`
	Client   string    `json:"client"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Outcome  string    `json:"outcome"` // local、cached、forwarded、dropped、denied
	Rule     string    `json:"rule,omitempty"`
	Upstream string    `json:"upstream,omitempty"`
	Rcode    string    `json:"rcode,omitempty"`
	Latency  int64     `json:"latency_ms"`
	Answers  int       `json:"answers"`
}

// QueryLog 查询日志。内存里是固定容量的环形缓冲，配了存储后端
// 时由定时器批量落盘。
type QueryLog struct {
	mu      sync.RWMutex
	ring    []QueryLogEntry
	pos     int
	full    bool
	pending []QueryLogEntry

	store    Storage
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewQueryLog 创建查询日志，store 为 nil 时只保留内存环形缓冲
func NewQueryLog(store Storage) *QueryLog {
	l := &QueryLog{
		ring:  make([]QueryLogEntry, queryLogCap),
		store: store,
	}
	if store != nil {
		l.ticker = time.NewTicker(queryLogFlushInterval)
		l.stopChan = make(chan struct{})
		go l.flushLoop()
	}
	return l
}

// Add 记录一条查询
func (l *QueryLog) Add(e QueryLogEntry) {
	l.mu.Lock()
	l.ring[l.pos] = e
	l.pos++
	if l.pos == len(l.ring) {
		l.pos = 0
		l.full = true
	}
	if l.store != nil {
		l.pending = append(l.pending, e)
	}
	l.mu.Unlock()
}

// Entries 按时间倒序返回最近 limit 条日志
func (l *QueryLog) Entries(limit int) []QueryLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.pos
	if l.full {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]QueryLogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := l.pos - 1 - i
		if idx < 0 {
			idx += len(l.ring)
		}
		out = append(out, l.ring[idx])
	}
	return out
}

// Size 返回内存里的日志条数
func (l *QueryLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.ring)
	}
	return l.pos
}

func (l *QueryLog) flushLoop() {
	for {
		select {
		case <-l.ticker.C:
			l.flush()
		case <-l.stopChan:
			return
		}
	}
}

func (l *QueryLog) flush() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := l.store.AppendQueries(batch); err != nil {
		logger.Error("查询日志落盘失败: %v", err)
	}
}

// Close 停止落盘定时器并写出剩余日志
func (l *QueryLog) Close() {
	if l.store == nil {
		return
	}
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.stopChan)
		l.flush()
	})
}
