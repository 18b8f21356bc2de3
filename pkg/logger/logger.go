package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Level представляет уровень логирования
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String возвращает строковое представление уровня логирования
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel разбирает строковое имя уровня, по умолчанию InfoLevel
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Logger представляет собой структуру для логирования.
// Все записи идут в один поток (по умолчанию stderr): stdout зарезервирован
// под результат работы утилиты.
type Logger struct {
	mu        *sync.Mutex
	level     *Level
	output    io.Writer
	service   string
	env       string
	hostname  string
	gitCommit string
	fields    map[string]interface{}
}

// LogEntry представляет структуру JSON-записи лога
type LogEntry struct {
	Level      string                 `json:"level"`
	Timestamp  string                 `json:"timestamp"`
	Message    string                 `json:"message"`
	Caller     string                 `json:"caller"`
	Service    string                 `json:"service"`
	Env        string                 `json:"env,omitempty"`
	Hostname   string                 `json:"hostname,omitempty"`
	GitCommit  string                 `json:"git_commit,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	SpanID     string                 `json:"span_id,omitempty"`
	Additional map[string]interface{} `json:"additional,omitempty"`
}

// Config представляет конфигурацию логгера
type Config struct {
	Level     Level
	Service   string
	Env       string
	GitCommit string
	// Output - куда писать записи, nil означает os.Stderr
	Output io.Writer
}

// New создает новый экземпляр логгера
func New(cfg Config) (*Logger, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	level := cfg.Level
	return &Logger{
		mu:        &sync.Mutex{},
		level:     &level,
		output:    output,
		service:   cfg.Service,
		env:       cfg.Env,
		hostname:  hostname,
		gitCommit: cfg.GitCommit,
	}, nil
}

// getCallerInfo возвращает имя файла и номер строки вызывающего кода
func getCallerInfo() string {
	_, file, line, ok := runtime.Caller(3) // 3 для пропуска дополнительного уровня стека
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// writeLog записывает лог в JSON формате
func (l *Logger) writeLog(ctx context.Context, level Level, msg string, additional map[string]interface{}) {
	if level < l.GetLevel() {
		return
	}

	entry := LogEntry{
		Level:      level.String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Message:    msg,
		Caller:     getCallerInfo(),
		Service:    l.service,
		Env:        l.env,
		Hostname:   l.hostname,
		GitCommit:  l.gitCommit,
		Additional: l.merge(additional),
	}

	// Добавляем информацию о трейсинге, если она есть в контексте
	if ctx != nil {
		spanCtx := trace.SpanFromContext(ctx).SpanContext()
		if spanCtx.HasTraceID() {
			entry.TraceID = spanCtx.TraceID().String()
		}
		if spanCtx.HasSpanID() {
			entry.SpanID = spanCtx.SpanID().String()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	encoder := json.NewEncoder(l.output)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(entry); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding log entry: %v\n", err)
	}
}

// merge объединяет привязанные через With поля с полями конкретной записи.
// Поля записи имеют приоритет.
func (l *Logger) merge(additional map[string]interface{}) map[string]interface{} {
	if len(l.fields) == 0 {
		return additional
	}
	merged := make(map[string]interface{}, len(l.fields)+len(additional))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range additional {
		merged[k] = v
	}
	return merged
}

// With возвращает копию логгера с дополнительными полями, которые
// добавляются к каждой записи
func (l *Logger) With(fields map[string]interface{}) *Logger {
	newLogger := *l
	newLogger.fields = l.merge(fields)
	return &newLogger
}

// Debug логирует отладочное сообщение
func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.writeLog(ctx, DebugLevel, msg, fields)
}

// Info логирует информационное сообщение
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.writeLog(ctx, InfoLevel, msg, fields)
}

// Warn логирует предупреждающее сообщение
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.writeLog(ctx, WarnLevel, msg, fields)
}

// Error логирует сообщение об ошибке
func (l *Logger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.writeLog(ctx, ErrorLevel, msg, fields)
}

// Fatal логирует сообщение об ошибке и завершает программу
func (l *Logger) Fatal(ctx context.Context, msg string, fields map[string]interface{}) {
	l.writeLog(ctx, FatalLevel, msg, fields)
	os.Exit(1)
}

// SetLevel устанавливает уровень логирования
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// GetLevel возвращает текущий уровень логирования
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.level
}
