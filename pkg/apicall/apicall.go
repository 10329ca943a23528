// Package apicall records every outbound provider call for troubleshooting and provides the HTTP
// client that providers use to make those calls.
package apicall

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Log is one outbound request and its response.
type Log struct {
	AccountID        string
	StateExecutionID string
	Title            string
	Method           string
	URL              string
	RequestBody      string
	StatusCode       int
	ResponseBody     string
	Error            string
	Start            time.Time
	End              time.Time
}

func (l *Log) Duration() time.Duration {
	return l.End.Sub(l.Start)
}

// Logger is the audit collaborator.
type Logger interface {
	Save(ctx context.Context, l *Log)
}

// ZapLogger writes audit entries as structured log lines.
type ZapLogger struct {
	log *zap.Logger
}

func NewZapLogger(log *zap.Logger) *ZapLogger {
	return &ZapLogger{log: log}
}

func (z *ZapLogger) Save(_ context.Context, l *Log) {
	fields := []zap.Field{
		zap.String("account_id", l.AccountID),
		zap.String("state_execution_id", l.StateExecutionID),
		zap.String("method", l.Method),
		zap.String("url", l.URL),
		zap.Int("status", l.StatusCode),
		zap.Duration("duration", l.Duration()),
	}
	if l.RequestBody != "" {
		fields = append(fields, zap.String("request_body", l.RequestBody))
	}
	if l.Error != "" {
		z.log.Warn(l.Title, append(fields, zap.String("error", l.Error), zap.String("response_body", l.ResponseBody))...)
		return
	}
	z.log.Debug(l.Title, append(fields, zap.String("response_body", l.ResponseBody))...)
}

// Nop discards audit entries.
type Nop struct{}

func (Nop) Save(context.Context, *Log) {}
