package dns

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/siftdns/siftdns/pkg/logger"
)

// 查询日志默认保留七天，随写入周期性清理
const sqliteRetention = 7 * 24 * time.Hour

// SQLiteStore 查询日志的 SQLite 后端，WAL 模式
type SQLiteStore struct {
	db    *sql.DB
	mutex sync.Mutex

	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewSQLiteStore 打开（必要时建库）SQLite 存储
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY")
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	s := &SQLiteStore{
		db:            db,
		cleanupTicker: time.NewTicker(time.Hour),
		stopChan:      make(chan struct{}),
	}
	if err := s.initDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	go s.cleanupLoop()
	return s, nil
}

func (s *SQLiteStore) initDatabase() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS query_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			client_ip TEXT,
			name TEXT NOT NULL,
			query_type TEXT,
			outcome TEXT NOT NULL,
			rule TEXT,
			upstream TEXT,
			response_code TEXT,
			latency_ms INTEGER NOT NULL,
			answers INTEGER DEFAULT 0,
			created_at INTEGER DEFAULT (strftime('%s', 'now'))
		)`,
		"CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON query_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_logs_name ON query_logs(name)",
		"CREATE INDEX IF NOT EXISTS idx_logs_outcome ON query_logs(outcome)",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("执行初始化语句失败: %w", err)
		}
	}
	return nil
}

// AppendQueries 在一个事务里批量写入日志
func (s *SQLiteStore) AppendQueries(entries []QueryLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO query_logs
		(timestamp, client_ip, name, query_type, outcome, rule, upstream, response_code, latency_ms, answers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(
			e.Time.Unix(),
			e.Client,
			e.Name,
			e.Type,
			e.Outcome,
			e.Rule,
			e.Upstream,
			e.Rcode,
			e.Latency,
			e.Answers,
		); err != nil {
			logger.Warn("插入查询日志失败: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// LoadRecent 按时间倒序读取最近的日志
func (s *SQLiteStore) LoadRecent(limit int) ([]QueryLogEntry, error) {
	if limit <= 0 {
		limit = queryLogCap
	}
	rows, err := s.db.Query(`
		SELECT timestamp, client_ip, name, query_type, outcome, rule, upstream, response_code, latency_ms, answers
		FROM query_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	out := make([]QueryLogEntry, 0, limit)
	for rows.Next() {
		var e QueryLogEntry
		var ts int64
		if err := rows.Scan(&ts, &e.Client, &e.Name, &e.Type, &e.Outcome, &e.Rule, &e.Upstream, &e.Rcode, &e.Latency, &e.Answers); err != nil {
			return nil, fmt.Errorf("读取日志行失败: %w", err)
		}
		e.Time = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup 删除早于保留期的日志
func (s *SQLiteStore) Cleanup(retention time.Duration) error {
	if retention <= 0 {
		retention = sqliteRetention
	}
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.Exec("DELETE FROM query_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return fmt.Errorf("清理日志失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Info("清理过期查询日志 %d 条", n)
	}
	return nil
}

func (s *SQLiteStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			if err := s.Cleanup(sqliteRetention); err != nil {
				logger.Error("周期清理失败: %v", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// Close 停止后台清理并关闭数据库
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopChan)
	})
	return s.db.Close()
}
