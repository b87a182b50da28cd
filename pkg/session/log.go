package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// defaultLogger is the process-wide logging sink used by sessions that don't
// have one configured explicitly. Per the single-writer-many-reader
// discipline called for by the design (global mutable state must be set once
// before concurrent use), it is guarded by a RWMutex and expected to be set,
// if at all, before any Create call.
var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = zerolog.Nop()
)

// SetDefaultLogger replaces the process-wide default logger used by sessions
// created without an explicit Config.Logger. Call this once at startup,
// before creating any sessions.
func SetDefaultLogger(l zerolog.Logger) {
	defaultLoggerMu.Lock()
	defaultLogger = l
	defaultLoggerMu.Unlock()
}

func getDefaultLogger() zerolog.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}
