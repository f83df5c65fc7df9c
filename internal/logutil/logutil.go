package logutil

import (
	"fmt"
	"sync"

	"github.com/evdnx/golog"
)

var (
	sharedLogger     *golog.Logger
	sharedLoggerOnce sync.Once
	sharedLoggerErr  error
	sharedLoggerMu   sync.RWMutex
)

// Default returns a lazily constructed shared logger.
func Default() *golog.Logger {
	sharedLoggerOnce.Do(func() {
		l, err := golog.NewLogger(
			golog.WithStdOutProvider(golog.ConsoleEncoder),
			golog.WithLevel(golog.InfoLevel),
		)
		sharedLoggerMu.Lock()
		if sharedLogger == nil {
			sharedLogger, sharedLoggerErr = l, err
		}
		sharedLoggerMu.Unlock()
	})

	sharedLoggerMu.RLock()
	defer sharedLoggerMu.RUnlock()
	if sharedLoggerErr != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", sharedLoggerErr))
	}

	return sharedLogger
}

// SetDefault replaces the shared logger. Components constructed afterwards use it.
func SetDefault(l *golog.Logger) {
	if l == nil {
		return
	}
	sharedLoggerMu.Lock()
	sharedLogger, sharedLoggerErr = l, nil
	sharedLoggerMu.Unlock()
}

// New builds a console logger at the named level (debug, info, warn, error).
func New(level string) (*golog.Logger, error) {
	lvl := golog.InfoLevel
	switch level {
	case "debug":
		lvl = golog.DebugLevel
	case "warn":
		lvl = golog.WarnLevel
	case "error":
		lvl = golog.ErrorLevel
	}
	return golog.NewLogger(
		golog.WithStdOutProvider(golog.ConsoleEncoder),
		golog.WithLevel(lvl),
	)
}
