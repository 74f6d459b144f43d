package logger

import "context"

type nullLogger struct{}

// NewNullLogger creates a logger that discards everything. Used in tests.
func NewNullLogger() Logger {
	return &nullLogger{}
}

func (l *nullLogger) Debug(ctx context.Context, msg string, fields ...Field)            {}
func (l *nullLogger) Info(ctx context.Context, msg string, fields ...Field)             {}
func (l *nullLogger) Warn(ctx context.Context, msg string, fields ...Field)             {}
func (l *nullLogger) Error(ctx context.Context, msg string, err error, fields ...Field) {}
func (l *nullLogger) Fatal(ctx context.Context, msg string, err error, fields ...Field) {}

func (l *nullLogger) WithFields(fields ...Field) Logger     { return l }
func (l *nullLogger) WithComponent(component string) Logger { return l }
