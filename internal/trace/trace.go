// Package trace provides colour-coded, levelled logging.
package trace

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	logerror   = color.New(color.FgHiRed).Add(color.BgBlack)
	logwarning = color.New(color.FgYellow).Add(color.BgBlack)
	logsystem  = color.New(color.FgCyan).Add(color.BgBlack)
	logdebug   = color.New(color.FgHiMagenta).Add(color.BgBlack)
)

var (
	level atomic.Int32
	mu    sync.Mutex
	out   io.Writer = os.Stderr
)

func init() {
	level.Store(int32(LevelInfo))
	if v, ok := os.LookupEnv("DSM_TRACE"); ok {
		if l, ok := ParseLevel(v); ok {
			level.Store(int32(l))
		}
	}
}

// ParseLevel maps a level name to its Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, true
	case "warn", "warning":
		return LevelWarn, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	}
	return 0, false
}

// SetLevel sets the most verbose level that is printed.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func Errorf(format string, args ...any) { emit(LevelError, logerror, "ERROR", format, args) }
func Warnf(format string, args ...any)  { emit(LevelWarn, logwarning, "WARN", format, args) }
func Infof(format string, args ...any)  { emit(LevelInfo, logsystem, "INFO", format, args) }
func Debugf(format string, args ...any) { emit(LevelDebug, logdebug, "DEBUG", format, args) }

// Fatalf logs at error level and exits the process.
func Fatalf(format string, args ...any) {
	emit(LevelError, logerror, "FATAL", format, args)
	os.Exit(1)
}

func emit(l Level, c *color.Color, tag, format string, args []any) {
	if Level(level.Load()) < l {
		return
	}

	line := fmt.Sprintf(format, args...)
	line = strings.TrimSuffix(line, "\n")

	mu.Lock()
	defer mu.Unlock()
	c.Fprintf(out, "%s [%s]::[%s]::%s\n", time.Now().Format("15:04:05.000000"), tag, caller(), line)
}

// caller names the function that invoked the exported logging call.
func caller() string {
	pc, _, line, ok := runtime.Caller(3)
	if !ok {
		return "?"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s:%d", name, line)
}
