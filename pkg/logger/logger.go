// 文件: pkg/logger/logger.go
// 结构化日志 (logrus)
//
// - JSON 格式，字段名 timestamp / level / message
// - component 字段区分模块: logger.WithComponent("predictor")
// - 输出到文件时用 lumberjack 按大小滚动

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields logrus.Fields 的别名
type Fields map[string]interface{}

// Log 包装 logrus.Logger
type Log struct {
	*logrus.Logger
}

// Entry 包装 logrus.Entry
type Entry struct {
	*logrus.Entry
}

// Options 日志配置
type Options struct {
	Level      string `yaml:"level"`        // debug / info / warn / error
	Format     string `yaml:"format"`       // json / text
	Output     string `yaml:"output"`       // stdout / stderr / 文件路径
	MaxSizeMB  int    `yaml:"max_size_mb"`  // 单个文件大小上限
	MaxAgeDays int    `yaml:"max_age_days"` // 文件保留天数
}

// New 创建日志实例
func New(opts Options) (*Log, error) {
	l := logrus.New()
	l.SetReportCaller(true)

	level := strings.ToLower(opts.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	l.SetLevel(lvl)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	switch opts.Format {
	case "json", "":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	switch opts.Output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		l.SetOutput(&lumberjack.Logger{
			Filename: opts.Output,
			MaxSize:  maxSize,
			MaxAge:   opts.MaxAgeDays,
			Compress: true,
		})
	}

	return &Log{Logger: l}, nil
}

// Nop 丢弃所有输出，测试用
func Nop() *Log {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Log{Logger: l}
}

// WithComponent 带 component 字段的日志
func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{Entry: e.Entry.WithField(key, value)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// Close 关闭文件输出 (stdout/stderr 时什么也不做)
func (l *Log) Close() error {
	if c, ok := l.Out.(io.Closer); ok && l.Out != os.Stdout && l.Out != os.Stderr {
		return c.Close()
	}
	return nil
}
