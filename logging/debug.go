package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose per-subsystem debug output to a dedicated file.
// It is meant for troubleshooting backend reachability, dropped motor
// streams and publisher connection failures.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Subsystem filters (empty = log all)
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Subsystems lists the names accepted by SetFilter.
var Subsystems = []string{
	"backend",
	"stream",
	"poller",
	"engine",
	"api",
	"auth",
	"mqtt",
	"valkey",
	"kafka",
	"push",
	"tui",
	"debug",
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}
	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to a comma-separated list of subsystems.
// An empty filter or "all" logs everything. Matching is case-insensitive.
// Selecting "backend" also selects "stream", which is the motor stream
// reader inside the backend client.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	filter = strings.TrimSpace(strings.ToLower(filter))
	if filter == "" || filter == "all" {
		return
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		l.filters[p] = true
		if p == "backend" {
			l.filters["stream"] = true
		}
	}

	if len(l.filters) > 0 {
		names := make([]string, 0, len(l.filters))
		for p := range l.filters {
			names = append(names, p)
		}
		sort.Strings(names)
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for: %s\n", timestamp, strings.Join(names, ", "))
	}
}

// Enabled reports whether messages of subsystem would be written.
func (l *DebugLogger) Enabled(subsystem string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.shouldLog(subsystem)
}

// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	s := strings.ToLower(subsystem)
	return l.filters[s] || s == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(subsystem) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, subsystem, fmt.Sprintf(format, args...))
}

// LogConnect logs a connection attempt.
func (l *DebugLogger) LogConnect(subsystem, address string) {
	l.Log(subsystem, "CONNECT to %s", address)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(subsystem, address string, err error) {
	l.Log(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection.
func (l *DebugLogger) LogDisconnect(subsystem, address, reason string) {
	l.Log(subsystem, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(subsystem, context string, err error) {
	l.Log(subsystem, "ERROR in %s: %v", context, err)
}

// Close writes a footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)
	return l.file.Close()
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(subsystem, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(subsystem, address)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(subsystem, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(subsystem, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(subsystem, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(subsystem, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(subsystem, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(subsystem, context, err)
	}
}
