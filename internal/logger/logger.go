// Package logger writes one JSON object per log event.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type ErrObj struct {
	Msg   string `json:"msg"`
	Stack string `json:"stack,omitempty"`
}

// Err is a shorthand for attaching err to an Entry.
func Err(err error) *ErrObj {
	if err == nil {
		return nil
	}
	return &ErrObj{Msg: err.Error()}
}

type Entry struct {
	Timestamp    string         `json:"timestamp"`
	Level        string         `json:"level"`
	Service      string         `json:"service"`
	Action       string         `json:"action"`
	Message      string         `json:"message"`
	Hostname     string         `json:"hostname"`
	BusID        int            `json:"bus_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Error        *ErrObj        `json:"error,omitempty"`
	Additional   map[string]any `json:"additional,omitempty"`
}

type Logger struct {
	service  string
	minLevel Level
	hostname string
	pretty   bool

	out io.Writer
	err io.Writer
	mu  sync.Mutex
}

// New returns a logger writing INFO and above to stdout and errors to stderr.
// LOG_LEVEL and LOG_PRETTY are read from the environment.
func New(service string) *Logger {
	h, _ := os.Hostname()
	return &Logger{
		service:  service,
		minLevel: ParseLevel(os.Getenv("LOG_LEVEL")),
		hostname: h,
		pretty:   strings.ToLower(os.Getenv("LOG_PRETTY")) == "true",
		out:      os.Stdout,
		err:      os.Stderr,
	}
}

// NewWithWriters is New with explicit outputs and level; used by tests.
func NewWithWriters(service string, min Level, out, errOut io.Writer) *Logger {
	return &Logger{service: service, minLevel: min, hostname: "test", out: out, err: errOut}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriters("discard", LevelError+1, io.Discard, io.Discard)
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

func (l *Logger) Debug(e Entry) { l.log(LevelDebug, e, nil) }
func (l *Logger) Info(e Entry)  { l.log(LevelInfo, e, nil) }
func (l *Logger) Warn(e Entry)  { l.log(LevelWarn, e, nil) }
func (l *Logger) Error(e Entry) { l.log(LevelError, e, nil) }
func (l *Logger) Fatal(e Entry) {
	if e.Error == nil {
		e.Error = &ErrObj{Msg: e.Message}
	}
	if e.Error.Stack == "" {
		e.Error.Stack = string(debug.Stack())
	}
	l.log(LevelError, e, nil)
	os.Exit(1)
}

// With returns a logger that adds base fields to every entry.
func (l *Logger) With(base map[string]any) *ContextLogger {
	return &ContextLogger{parent: l, base: base}
}

type ContextLogger struct {
	parent *Logger
	base   map[string]any
}

func (c *ContextLogger) Debug(e Entry) { c.parent.log(LevelDebug, e, c.base) }
func (c *ContextLogger) Info(e Entry)  { c.parent.log(LevelInfo, e, c.base) }
func (c *ContextLogger) Warn(e Entry)  { c.parent.log(LevelWarn, e, c.base) }
func (c *ContextLogger) Error(e Entry) { c.parent.log(LevelError, e, c.base) }

func (l *Logger) log(level Level, e Entry, base map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel {
		return
	}

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Level = level.String()
	if e.Service == "" {
		e.Service = l.service
	}
	if e.Hostname == "" {
		e.Hostname = l.hostname
	}

	if len(base) > 0 {
		if e.Additional == nil {
			e.Additional = make(map[string]any, len(base))
		}
		for k, v := range base {
			if _, exists := e.Additional[k]; !exists {
				e.Additional[k] = v
			}
		}
	}

	if level >= LevelWarn {
		if e.Additional == nil {
			e.Additional = make(map[string]any, 1)
		}
		if _, file, line, ok := runtime.Caller(2); ok {
			e.Additional["caller"] = fmt.Sprintf("%s:%d", trimPath(file), line)
		}
	}

	var b []byte
	var err error
	if l.pretty {
		b, err = json.MarshalIndent(e, "", "  ")
	} else {
		b, err = json.Marshal(e)
	}
	if err != nil {
		fmt.Fprintf(l.err, `{"timestamp":"%s","level":"ERROR","service":"%s","message":"failed to marshal log: %v"}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), l.service, err)
		return
	}

	w := l.out
	if level == LevelError {
		w = l.err
	}
	_, _ = w.Write(append(b, '\n'))
}

func trimPath(file string) string {
	if i := strings.LastIndex(file, "/internal/"); i >= 0 {
		return file[i+1:]
	}
	if i := strings.LastIndex(file, "/cmd/"); i >= 0 {
		return file[i+1:]
	}
	return file
}
