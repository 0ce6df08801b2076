package utils

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogxManager hands out one zap logger per component. With a base path each
// component writes info.log, error.log and debug.log under its own
// directory; without one everything goes to stderr.
type LogxManager struct {
	basePath string
	level    zapcore.Level
	loggers  map[string]*zap.Logger
	files    []*os.File
	mu       sync.RWMutex
}

func NewLogxManager(base string, level string) *LogxManager {
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		lv = zapcore.InfoLevel
	}
	m := &LogxManager{basePath: base, level: lv, loggers: make(map[string]*zap.Logger)}

	if m.basePath != "" {
		if err := os.MkdirAll(m.basePath, 0744); err != nil {
			log.Printf("failed to create base log dir %s: %v", m.basePath, err)
		}
	}
	return m
}

// Logger returns the logger for component, creating it on first use.
func (m *LogxManager) Logger(component string) *zap.Logger {
	m.mu.RLock()
	if lg, ok := m.loggers[component]; ok {
		m.mu.RUnlock()
		return lg
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lg, ok := m.loggers[component]; ok {
		return lg
	}

	var lg *zap.Logger
	if m.basePath == "" {
		lg = m.consoleLogger()
	} else {
		lg = m.fileLogger(component)
	}
	lg = lg.Named(component)
	m.loggers[component] = lg
	return lg
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func (m *LogxManager) consoleLogger() *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), m.level)
	return zap.New(core)
}

func (m *LogxManager) fileLogger(component string) *zap.Logger {
	dir := filepath.Join(m.basePath, component)
	if err := os.MkdirAll(dir, 0744); err != nil {
		log.Printf("failed to create log dir %s: %v", dir, err)
	}

	encoder := zapcore.NewConsoleEncoder(encoderConfig())

	infoOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "info.log")))
	errorOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "error.log")))
	dbgOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "debug.log")))

	floor := m.level
	infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= floor && (l == zapcore.InfoLevel || l == zapcore.WarnLevel)
	})
	errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= floor && l >= zapcore.ErrorLevel })
	dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= floor && l == zapcore.DebugLevel })

	tee := zapcore.NewTee(
		zapcore.NewCore(encoder, infoOut, infoLv),
		zapcore.NewCore(encoder, errorOut, errLv),
		zapcore.NewCore(encoder, dbgOut, dbgLv),
	)
	return zap.New(tee)
}

// openLogFile is called with m.mu held.
func (m *LogxManager) openLogFile(path string) *os.File {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return os.Stderr
	}
	m.files = append(m.files, f)
	return f
}

// Close flushes every logger and closes the files opened for them.
func (m *LogxManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lg := range m.loggers {
		_ = lg.Sync()
	}
	for _, f := range m.files {
		if err := f.Close(); err != nil {
			log.Printf("failed to close log file %s: %v", f.Name(), err)
		}
	}
	m.files = nil
}
