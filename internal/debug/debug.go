package debug

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (startup, settings, errors)
	LevelLive    = 2 // Live info (spindle commands, program blocks)
	LevelVerbose = 3 // Verbose (duty resolution, segments, sync waits)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Level tag colors. fatih/color turns itself off when stdout is not a terminal.
var (
	colorInfo    = color.New(color.FgCyan)
	colorLive    = color.New(color.FgGreen)
	colorVerbose = color.New(color.FgBlue)
	colorTrace   = color.New(color.FgMagenta)
	colorError   = color.New(color.FgRed, color.Bold)
)

func tag(c *color.Color, name string) string {
	return c.Sprint("[" + name + "]")
}

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (startup, settings, errors)
// 2 = live info (spindle state changes, program blocks)
// 3 = verbose (duty computation, motion segments, sync waits)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(out, "[SpinGo] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects log output, e.g. to mirror it to web clients.
// Colors are dropped since the destination may not be a terminal.
func SetOutput(w io.Writer) {
	out = w
	color.NoColor = true
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// --- Level 1 functions (Info) ---

// Info prints a level 1 message.
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tag(colorInfo, "INFO")+" "+format, args...)
	}
}

// Section prints a section separator (level 1).
func Section(name string) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("%s   %s = %v", tag(colorInfo, "INFO"), name, value)
	}
}

// --- Level 2 functions (Live) ---

// Live prints a level 2 message.
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf(tag(colorLive, "LIVE")+" "+format, args...)
	}
}

// Spindle prints an applied spindle transition (level 2).
func Spindle(state string, rpm float64, duty uint32) {
	if level >= LevelLive && logger != nil {
		logger.Printf("%s Spindle %s: %.0f rpm (duty=%d)", tag(colorLive, "LIVE"), state, rpm, duty)
	}
}

// Block prints the start of a program block (level 2).
func Block(n, total int, kind string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("%s Block %d/%d: %s", tag(colorLive, "LIVE"), n, total, kind)
	}
}

// --- Level 3 functions (Verbose) ---

// Verbose prints a level 3 message.
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf(tag(colorVerbose, "VERBOSE")+" "+format, args...)
	}
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("%s %s: %+v", tag(colorVerbose, "VERBOSE"), name, v)
	}
}

// Segment prints a motion segment handed to the steppers (level 3).
func Segment(x, y int, rpm float64) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("%s Segment: x=%d y=%d rpm=%.0f", tag(colorVerbose, "VERBOSE"), x, y, rpm)
	}
}

// --- Level 4 functions (Trace) ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf(tag(colorTrace, "TRACE")+" "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("%s %s pin=%d value=%v", tag(colorTrace, "GPIO"), operation, pin, value)
	}
}

// --- General functions ---

// Error prints an error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("%s %v", tag(colorError, "ERROR"), err)
	}
}

// Fmt returns a formatted string only if debug is enabled,
// to avoid unnecessary allocations.
func Fmt(format string, args ...interface{}) string {
	if level > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
