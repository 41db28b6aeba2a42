// Package logging provides categorized structured logging for attacklens.
// Every subsystem logs under its own category so that operators can raise or
// lower verbosity per concern. The package is a thin veneer over zap: a
// category maps to a named child logger sharing one core.
//
// Before Initialize is called every logger is a silent no-op, which keeps
// library code and tests free of logging setup.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config, shutdown
	CategoryWorkflow Category = "workflow" // Workflow engine scheduling, retries
	CategoryCatalog  Category = "catalog"  // MITRE catalog fetch/parse/cache
	CategoryMatching Category = "matching" // Matchers, fusion, scoring
	CategoryIngest   Category = "ingest"   // Document fetch, extraction, chunking
	CategoryReport   Category = "report"   // Report assembly
	CategoryStore    Category = "store"    // SQLite persistence
	CategoryAPI      Category = "api"      // HTTP surface
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*Logger)
)

// Logger is a category-scoped printf-style logger.
type Logger struct {
	sugar *zap.SugaredLogger // nil means no-op
}

// Initialize sets up the shared zap core. Level is one of debug, info, warn,
// error. If file is non-empty, logs are appended there instead of stderr.
// Safe to call more than once; the last call wins.
func Initialize(level, file string) error {
	var zl zapcore.Level
	switch level {
	case "debug":
		zl = zapcore.DebugLevel
	case "", "info":
		zl = zapcore.InfoLevel
	case "warn", "warning":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	sink := zapcore.Lock(os.Stderr)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zl)

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(core)
	loggers = make(map[Category]*Logger)
	return nil
}

// Get returns (or creates) the logger for a category. Returns a no-op logger
// when Initialize has not been called.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	if r == nil {
		return &Logger{}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{sugar: r.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Convenience functions for quick logging without fetching a logger first.

// Boot logs to the boot category.
func Boot(format string, args ...any) { Get(CategoryBoot).Info(format, args...) }

// BootError logs an error to the boot category.
func BootError(format string, args ...any) { Get(CategoryBoot).Error(format, args...) }

// Workflow logs to the workflow category.
func Workflow(format string, args ...any) { Get(CategoryWorkflow).Info(format, args...) }

// WorkflowDebug logs debug to the workflow category.
func WorkflowDebug(format string, args ...any) { Get(CategoryWorkflow).Debug(format, args...) }

// WorkflowError logs an error to the workflow category.
func WorkflowError(format string, args ...any) { Get(CategoryWorkflow).Error(format, args...) }

// Catalog logs to the catalog category.
func Catalog(format string, args ...any) { Get(CategoryCatalog).Info(format, args...) }

// CatalogWarn logs a warning to the catalog category.
func CatalogWarn(format string, args ...any) { Get(CategoryCatalog).Warn(format, args...) }

// CatalogError logs an error to the catalog category.
func CatalogError(format string, args ...any) { Get(CategoryCatalog).Error(format, args...) }

// Matching logs to the matching category.
func Matching(format string, args ...any) { Get(CategoryMatching).Info(format, args...) }

// MatchingDebug logs debug to the matching category.
func MatchingDebug(format string, args ...any) { Get(CategoryMatching).Debug(format, args...) }

// Ingest logs to the ingest category.
func Ingest(format string, args ...any) { Get(CategoryIngest).Info(format, args...) }

// IngestWarn logs a warning to the ingest category.
func IngestWarn(format string, args ...any) { Get(CategoryIngest).Warn(format, args...) }

// Report logs to the report category.
func Report(format string, args ...any) { Get(CategoryReport).Info(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// StoreWarn logs a warning to the store category.
func StoreWarn(format string, args ...any) { Get(CategoryStore).Warn(format, args...) }

// API logs to the api category.
func API(format string, args ...any) { Get(CategoryAPI).Info(format, args...) }

// APIError logs an error to the api category.
func APIError(format string, args ...any) { Get(CategoryAPI).Error(format, args...) }
