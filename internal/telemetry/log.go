// Package telemetry is the engine's diagnostic logger: a mutex-guarded
// file sink, not a structured logging framework. The engine runs on a
// single logical executor with a ≤2ms latency target (spec §5), so
// logging here must never block on anything heavier than a file write,
// and must never be mistaken for the error-propagation path — per §7,
// runtime failures are handled internally and only ever surfaced here.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	file    *os.File
	mu      sync.Mutex
	enabled bool
	dir     string
)

// Enable starts logging to <configDir>/engine.log. Safe to call more
// than once; only the first call opens the file.
func Enable(configDir string) error {
	mu.Lock()
	defer mu.Unlock()

	if enabled {
		return nil
	}

	dir = configDir
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config", "stagehand")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	logPath := filepath.Join(dir, "engine.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	file = f
	enabled = true

	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(file, "[%s] %-10s %s\n", ts, "telemetry", "=== engine logging started ===")
	file.Sync()

	return nil
}

// Disable stops logging and closes the file.
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}
	enabled = false
}

// Benign logs a §7 benign failure: missing target, unmatched event,
// absent output port, parse failure. Never blocks the caller on a
// closed sink.
func Benign(category, format string, args ...any) {
	Log("benign:"+category, format, args...)
}

// Recoverable logs a §7 recoverable condition, e.g. scheduler queue
// saturation and the resulting drop of a non-release event.
func Recoverable(category, format string, args ...any) {
	Log("recoverable:"+category, format, args...)
}

// Fatal logs a §7 fatal condition that triggered Panic.
func Fatal(category, format string, args ...any) {
	Log("fatal:"+category, format, args...)
}

// Log writes a category-tagged line. A no-op when logging is disabled,
// so call sites never need to guard on Enable having run.
func Log(category, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()

	if !enabled || file == nil {
		return
	}

	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(file, "[%s] %-10s %s\n", ts, category, msg)
	file.Sync()
}

// counters backs LogEvery's sampling.
var counters = make(map[string]int)
var countersMu sync.Mutex

// LogEvery logs only every n-th call for a given category — use this
// for high-frequency paths like per-tick scheduler diagnostics.
func LogEvery(n int, category, format string, args ...any) {
	countersMu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	countersMu.Unlock()

	if n <= 0 {
		n = 1
	}
	if count%n == 0 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}
