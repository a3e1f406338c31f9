// Package logging provides leveled component loggers for bus attachments
// and the routing node. Output is rendered by zerolog, either as a console
// line (LEVEL TIMESTAMP [component] message key=value) or as JSON.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := zerologLevels[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// Logger provides structured logging for one component.
type Logger struct {
	mu        *sync.RWMutex
	output    io.Writer
	format    Format
	minLevel  Level
	component string
	traceID   string
	zl        zerolog.Logger
}

// New creates a new Logger writing console lines to stdout at INFO.
func New() *Logger {
	l := &Logger{
		mu:       &sync.RWMutex{},
		output:   os.Stdout,
		format:   FormatConsole,
		minLevel: LevelInfo,
	}
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// derive copies l's settings into a new logger and applies set to it.
func (l *Logger) derive(set func(*Logger)) *Logger {
	l.mu.RLock()
	c := &Logger{
		mu:        &sync.RWMutex{},
		output:    l.output,
		format:    l.format,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   l.traceID,
	}
	l.mu.RUnlock()
	set(c)
	c.rebuild()
	return c
}

// WithComponent tags every line with [component].
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(func(c *Logger) { c.component = component })
}

// WithTraceID adds a trace_id field, for lines tied to one traced call.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(func(c *Logger) { c.traceID = traceID })
}

func (l *Logger) update(set func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set()
	l.rebuild()
}

// SetLevel drops lines below level. Loggers already derived keep theirs.
func (l *Logger) SetLevel(level Level) { l.update(func() { l.minLevel = level }) }

// SetOutput replaces stdout as the destination.
func (l *Logger) SetOutput(w io.Writer) { l.update(func() { l.output = w }) }

func (l *Logger) SetFormat(f Format) { l.update(func() { l.format = f }) }

// rebuild must be called with mu held (or before the logger is shared).
func (l *Logger) rebuild() {
	var w io.Writer = zerolog.SyncWriter(l.output)
	if l.format != FormatJSON {
		parts := []string{zerolog.LevelFieldName, zerolog.TimestampFieldName, zerolog.MessageFieldName}
		if l.component != "" {
			parts = []string{zerolog.LevelFieldName, zerolog.TimestampFieldName, "component", zerolog.MessageFieldName}
		}
		w = zerolog.ConsoleWriter{
			Out:           w,
			NoColor:       true,
			TimeFormat:    time.RFC3339,
			PartsOrder:    parts,
			FieldsExclude: []string{"component", "trace_id"},
			FormatLevel: func(i interface{}) string {
				s, _ := i.(string)
				return fmt.Sprintf("%-5s", strings.ToUpper(s))
			},
			FormatPrepare: func(evt map[string]interface{}) error {
				if c, ok := evt["component"]; ok && c != nil {
					evt["component"] = "[" + fmt.Sprint(c) + "]"
				}
				return nil
			},
		}
	}

	ctx := zerolog.New(w).Level(zerologLevels[l.minLevel]).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

// Each level method takes an optional field map; only the first is used.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...map[string]interface{})  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...map[string]interface{})  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...map[string]interface{}) { l.log(LevelError, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	ev.Msg(msg)
}

// --- Bus event helpers ---

// MethodCall logs a completed outbound method call.
func (l *Logger) MethodCall(iface, member, dest string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"interface": iface,
		"member":    member,
		"dest":      dest,
		"duration":  duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("method_call_failed", fields)
		return
	}
	l.Debug("method_call", fields)
}

// HandlerFault logs a contained handler panic or contract violation.
func (l *Logger) HandlerFault(kind, name string, err error) {
	l.Error("handler_fault", map[string]interface{}{
		"kind":  kind,
		"name":  name,
		"error": err.Error(),
	})
}

// ProtocolDrop logs a dropped malformed message.
func (l *Logger) ProtocolDrop(sender string, err error) {
	if sender == "" {
		sender = "unknown"
	}
	l.Warn("protocol_drop", map[string]interface{}{
		"sender": sender,
		"error":  err.Error(),
	})
}

// SignalDropped logs a signal that had no deliverable handler or session.
func (l *Logger) SignalDropped(iface, member, reason string) {
	l.Debug("signal_dropped", map[string]interface{}{
		"interface": iface,
		"member":    member,
		"reason":    reason,
	})
}

// SessionLost logs a session ending.
func (l *Logger) SessionLost(id uint32, reason string) {
	l.Info("session_lost", map[string]interface{}{
		"session": id,
		"reason":  reason,
	})
}
