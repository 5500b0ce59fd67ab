package gologger

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	stdsync "sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "FATAL"
	}
}

func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ConsoleLogger writes one logfmt-style line per entry. Fields attached
// with WithFields are rendered after the message args, sorted by key.
type ConsoleLogger struct {
	out    io.Writer
	mu     *stdsync.Mutex
	level  Level
	name   string
	fields map[string]any
	now    func() time.Time
}

func NewConsoleLogger(out io.Writer, level Level) *ConsoleLogger {
	return &ConsoleLogger{out: out, mu: &stdsync.Mutex{}, level: level, now: time.Now}
}

func (l *ConsoleLogger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args) }
func (l *ConsoleLogger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *ConsoleLogger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *ConsoleLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *ConsoleLogger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }
func (l *ConsoleLogger) Fatal(msg string, args ...any) { l.log(LevelFatal, msg, args) }

func (l *ConsoleLogger) WithContext(context.Context) glog.Logger { return l }

func (l *ConsoleLogger) WithFields(fields map[string]any) glog.Logger {
	next := *l
	next.fields = make(map[string]any, len(l.fields)+len(fields))
	for key, value := range l.fields {
		next.fields[key] = value
	}
	for key, value := range fields {
		next.fields[key] = value
	}
	return &next
}

// Named returns a logger tagging every line with name.
func (l *ConsoleLogger) Named(name string) *ConsoleLogger {
	next := *l
	next.name = strings.TrimSpace(name)
	return &next
}

func (l *ConsoleLogger) GetLogger(name string) glog.Logger {
	return l.Named(name)
}

func (l *ConsoleLogger) log(level Level, msg string, args []any) {
	if l == nil || l.out == nil || level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(l.now().UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(level.String())
	if l.name != "" {
		b.WriteString(" [")
		b.WriteString(l.name)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	// Fields already rendered as args are skipped below.
	seen := map[string]struct{}{}
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			fmt.Fprintf(&b, " %s", key)
			break
		}
		seen[key] = struct{}{}
		fmt.Fprintf(&b, " %s=%v", key, args[i+1])
	}
	keys := make([]string, 0, len(l.fields))
	for key := range l.fields {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, l.fields[key])
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}

var (
	_ glog.Logger         = (*ConsoleLogger)(nil)
	_ glog.LoggerProvider = (*ConsoleLogger)(nil)
)
