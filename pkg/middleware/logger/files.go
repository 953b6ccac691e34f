package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the minimum level for the application logger ("debug", "info", ...).
type Level string

func ensureLogDir() string {
	dir := "log"
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func NewLog(n string) *zap.Logger { return NewLogAt(n, zap.InfoLevel) }

// NewLogAt tees JSON logs to log/<n> (rotated) and stdout at lvl.
func NewLogAt(n string, lvl zapcore.Level) *zap.Logger {
	_ = ensureLogDir()

	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = zapcore.OmitKey

	console := zapcore.Lock(os.Stdout)

	var logPath string
	if runtime.GOOS == "windows" {
		logPath = filepath.Join("log", n)
	} else {
		logPath = fmt.Sprintf("%s/%s", "log", n)
	}

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, lvl),
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg), console, lvl),
	)
	return zap.New(core)
}

// ParseLevel maps a manifest level to zap, defaulting to info.
func ParseLevel(l Level) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(string(l)))
	if err != nil {
		return zap.InfoLevel
	}
	return lvl
}

// package-level singleton for access logs, created on first use.
var (
	accessOnce       sync.Once
	httpAccessLogger *zap.Logger
)

// SetAccessLogger lets tests/CLIs override the access logger (optional).
func SetAccessLogger(l *zap.Logger) {
	if l != nil {
		httpAccessLogger = l
	}
}

func accessLogger() *zap.Logger {
	accessOnce.Do(func() {
		if httpAccessLogger == nil {
			httpAccessLogger = NewLog("http-access.log")
		}
	})
	return httpAccessLogger
}
