package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String 返回日志级别的字符串表示
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析日志级别字符串，未知值回退到 INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "info", "":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Config 日志配置
type Config struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`     // 为空时输出到 stderr
	MaxSize int    `yaml:"max_size"` // 单位 MB，超过后轮转
}

// Logger 日志记录器
type Logger struct {
	mu      sync.Mutex
	level   Level
	output  io.Writer
	file    *os.File
	maxSize int64
}

// New 创建日志记录器
func New(cfg Config) (*Logger, error) {
	l := &Logger{
		level:   ParseLevel(cfg.Level),
		output:  os.Stderr,
		maxSize: int64(cfg.MaxSize) * 1024 * 1024,
	}
	if l.maxSize <= 0 {
		l.maxSize = 100 * 1024 * 1024
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		l.file = f
		l.output = f
	}
	return l, nil
}

// rotate 重命名当前日志文件并重新打开，由 log 持锁调用
func (l *Logger) rotate() {
	name := l.file.Name()
	l.file.Close()
	os.Rename(name, name+"."+time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// 轮转失败时退回 stderr，日志不能丢
		l.file = nil
		l.output = os.Stderr
		return
	}
	l.file = f
	l.output = f
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
			l.rotate()
		}
	}
	fmt.Fprintf(l.output, "[%s] %s %s\n", ts, level, msg)
}

// Debug 记录调试日志
func (l *Logger) Debug(format string, args ...interface{}) { l.log(DEBUG, format, args...) }

// Info 记录信息日志
func (l *Logger) Info(format string, args ...interface{}) { l.log(INFO, format, args...) }

// Warn 记录警告日志
func (l *Logger) Warn(format string, args ...interface{}) { l.log(WARN, format, args...) }

// Error 记录错误日志
func (l *Logger) Error(format string, args ...interface{}) { l.log(ERROR, format, args...) }

// Fatal 记录致命错误日志并退出
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
	os.Exit(1)
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Close 关闭日志文件
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// 包级默认记录器，Init 之前输出到 stderr
var std = &Logger{level: INFO, output: os.Stderr, maxSize: 100 * 1024 * 1024}

// Init 按配置重建默认记录器
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	std = l
	return nil
}

// Default 返回默认记录器
func Default() *Logger { return std }

// Debug 使用默认记录器记录调试日志
func Debug(format string, args ...interface{}) { std.log(DEBUG, format, args...) }

// Info 使用默认记录器记录信息日志
func Info(format string, args ...interface{}) { std.log(INFO, format, args...) }

// Warn 使用默认记录器记录警告日志
func Warn(format string, args ...interface{}) { std.log(WARN, format, args...) }

// Error 使用默认记录器记录错误日志
func Error(format string, args ...interface{}) { std.log(ERROR, format, args...) }

// Fatal 使用默认记录器记录致命错误并退出
func Fatal(format string, args ...interface{}) { std.Fatal(format, args...) }
