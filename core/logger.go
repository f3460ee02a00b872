package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel orders log severities for filtering.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ProductionLogger writes one JSON object per line with time, level,
// component, message and the structured fields. Context-aware variants merge
// trace_id and span_id from the active span so log lines correlate with
// traces.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewProductionLogger creates a JSON logger writing to stdout at info level.
func NewProductionLogger() *ProductionLogger {
	return &ProductionLogger{out: os.Stdout, level: LogLevelInfo}
}

// NewProductionLoggerWithOptions creates a JSON logger with an explicit sink
// and level. A nil writer defaults to stdout.
func NewProductionLoggerWithOptions(out io.Writer, level LogLevel) *ProductionLogger {
	if out == nil {
		out = os.Stdout
	}
	return &ProductionLogger{out: out, level: level}
}

// WithComponent returns a logger that tags every line with the component
// name. The sink and level are shared with the parent.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{out: l.out, level: l.level, component: component}
}

func (l *ProductionLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors marshal to "{}" by default; flatten them first.
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"marshal_error":%q}`, level.String(), msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func (l *ProductionLogger) logCtx(ctx context.Context, level LogLevel, msg string, fields map[string]interface{}) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		merged := make(map[string]interface{}, len(fields)+2)
		for k, v := range fields {
			merged[k] = v
		}
		merged["trace_id"] = sc.TraceID().String()
		merged["span_id"] = sc.SpanID().String()
		fields = merged
	}
	l.log(level, msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, LogLevelInfo, msg, fields)
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, LogLevelError, msg, fields)
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, LogLevelWarn, msg, fields)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logCtx(ctx, LogLevelDebug, msg, fields)
}

// Compile-time interface compliance checks
var (
	_ Logger               = (*ProductionLogger)(nil)
	_ ComponentAwareLogger = (*ProductionLogger)(nil)
	_ Logger               = (*NoOpLogger)(nil)
)
