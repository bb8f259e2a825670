package debug

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (plan summary, run outcome)
	LevelLive    = 2 // Live info (phase changes, retries)
	LevelVerbose = 3 // Verbose (blend timings, per-axis positions)
	LevelTrace   = 4 // Trace (GPIO, controller commands)
)

// Logger is a leveled logger handed to every component at construction.
// A nil *Logger is valid and prints nothing.
type Logger struct {
	level  int
	logger *log.Logger
}

// New creates a logger writing to w at the given level (0-4).
// 0 = no output
// 1 = important info (plan summary, run outcome)
// 2 = live info (phase changes, load retries)
// 3 = verbose (blend timings, positions, samples)
// 4 = trace (GPIO, controller commands)
func New(w io.Writer, debugLevel int) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		level:  debugLevel,
		logger: log.New(w, "[pvtgo] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LevelOff)
}

// SetOutput redirects output, e.g. to an SSE broadcaster.
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.logger.SetOutput(w)
}

// Level returns the current debug level.
func (l *Logger) Level() int {
	if l == nil {
		return LevelOff
	}
	return l.level
}

// IsEnabled returns true if debug level is >= the requested level.
func (l *Logger) IsEnabled(minLevel int) bool {
	return l.Level() >= minLevel && minLevel > LevelOff
}

func (l *Logger) printf(minLevel int, format string, args ...interface{}) {
	if !l.IsEnabled(minLevel) {
		return
	}
	l.logger.Printf(format, args...)
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func (l *Logger) Info(format string, args ...interface{}) {
	l.printf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints an important summary (level 1).
func (l *Logger) Summary(title string) {
	l.printf(LevelInfo, "═══════════════════════════════════════")
	l.printf(LevelInfo, "  %s", title)
	l.printf(LevelInfo, "═══════════════════════════════════════")
}

// Value prints a named value in formatted form (level 1).
func (l *Logger) Value(name string, value interface{}) {
	l.printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// Error prints a debug error (level 1+).
func (l *Logger) Error(err error) {
	l.printf(LevelInfo, "[ERROR] %v", err)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func (l *Logger) Live(format string, args ...interface{}) {
	l.printf(LevelLive, "[LIVE] "+format, args...)
}

// Phase prints a coordinated-run phase change (level 2).
func (l *Logger) Phase(runID, phase string) {
	l.printf(LevelLive, "[LIVE] run %s: %s", runID, phase)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func (l *Logger) Verbose(format string, args ...interface{}) {
	l.printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// Printf is an alias for Verbose.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func (l *Logger) PrintStruct(name string, v interface{}) {
	l.printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func (l *Logger) Section(name string) {
	l.printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	l.printf(LevelVerbose, "  %s", name)
	l.printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func (l *Logger) Step(num int, description string) {
	l.printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func (l *Logger) Trace(format string, args ...interface{}) {
	l.printf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func (l *Logger) GPIO(operation string, pin int, value interface{}) {
	l.printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// Command prints a controller command and its reply (level 4).
func (l *Logger) Command(cmd, reply string) {
	l.printf(LevelTrace, "[CMD] %q -> %q", cmd, reply)
}

// Fmt returns a formatted string only if debug is enabled
// (to avoid unnecessary allocations).
func (l *Logger) Fmt(format string, args ...interface{}) string {
	if l.Level() > LevelOff {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
