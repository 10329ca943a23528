package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/delegate-collector/pkg/config"
	"github.com/delegate-collector/pkg/goid"
)

type Logger = zap.Logger

var (
	baseLogger       *zap.Logger
	defaultComponent string
	loggerInitOnce   sync.Once
	mu               sync.RWMutex
)

// InitLogger builds the process logger once: a colored console core on stdout teed with a JSON core
// written to a daily rotated file under cfg.Path.
func InitLogger(cfg *config.ZapLogConfig) (*Logger, error) {
	var err error
	loggerInitOnce.Do(func() {
		level := parseLevel(cfg.Level)

		if err = os.MkdirAll(cfg.Path, 0755); err != nil {
			return
		}

		writer, wErr := rotatelogs.New(
			filepath.Join(cfg.Path, "collector-%Y%m%d.log"),
			rotatelogs.WithMaxAge(time.Duration(cfg.MaxAge)*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithRotationSize(int64(cfg.MaxSize)*1024*1024),
		)
		if wErr != nil {
			err = wErr
			return
		}

		consoleTime := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(fmt.Sprintf("\033[34m%s\033[0m", t.Format("2006-01-02 15:04:05.000 -07:00")))
		}
		jsonTime := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05.000 -07:00"))
		}

		consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
		consoleEncoderCfg.ConsoleSeparator = " "
		consoleEncoderCfg.EncodeLevel = coloredLevelEncoder
		consoleEncoderCfg.EncodeTime = consoleTime
		// two path segments: scheduler/scheduler.go:42
		consoleEncoderCfg.EncodeCaller = func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			rel := filepath.Join(filepath.Base(filepath.Dir(c.File)), filepath.Base(c.File))
			enc.AppendString(fmt.Sprintf("%s:%d", rel, c.Line))
		}

		var consoleEncoder zapcore.Encoder = zapcore.NewConsoleEncoder(consoleEncoderCfg)

		jsonCfg := zap.NewProductionEncoderConfig()
		jsonCfg.TimeKey = "timestamp"
		jsonCfg.EncodeTime = jsonTime
		jsonCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		jsonEncoder := zapcore.NewJSONEncoder(jsonCfg)
		if cfg.Format == "json" {
			consoleEncoder = zapcore.NewJSONEncoder(jsonCfg)
		}

		core := zapcore.NewTee(
			zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
			zapcore.NewCore(jsonEncoder, zapcore.AddSync(writer), level),
		)

		setBase(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)))
	})
	if err != nil {
		return nil, err
	}
	return GetLogger(), nil
}

// InitWith installs an already built logger, used by tests (zaptest, observer cores).
func InitWith(l *zap.Logger) {
	setBase(l.WithOptions(zap.AddCallerSkip(1)))
}

func setBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	baseLogger = l
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "dbg", "debug":
		return zapcore.DebugLevel
	case "war", "warn":
		return zapcore.WarnLevel
	case "err", "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "pan", "panic":
		return zapcore.PanicLevel
	case "fat", "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func coloredLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var levelStr string
	switch level {
	case zapcore.DebugLevel:
		levelStr = "\033[36mDEBUG\033[0m"
	case zapcore.InfoLevel:
		levelStr = "\033[32mINFO \033[0m"
	case zapcore.WarnLevel:
		levelStr = "\033[33mWARN \033[0m"
	case zapcore.ErrorLevel:
		levelStr = "\033[31mERROR\033[0m"
	case zapcore.DPanicLevel:
		levelStr = "\033[35mDPANIC\033[0m"
	case zapcore.PanicLevel:
		levelStr = "\033[35mPANIC\033[0m"
	case zapcore.FatalLevel:
		levelStr = "\033[35mFATAL\033[0m"
	default:
		levelStr = "UNK  "
	}
	enc.AppendString(levelStr)
}

// SetDefaultComponent sets the component field attached to package level log calls.
func SetDefaultComponent(component string) {
	mu.Lock()
	defer mu.Unlock()
	defaultComponent = component
}

func GetDefaultComponent() string {
	mu.RLock()
	defer mu.RUnlock()
	return defaultComponent
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if baseLogger == nil {
		return zap.NewNop()
	}
	return baseLogger
}

func defaultFields() []zap.Field {
	return []zap.Field{
		zap.String("component", GetDefaultComponent()),
		zap.Uint64("goid", goid.GetGID()),
	}
}

func log(level zapcore.Level, msg string, fields ...zap.Field) {
	l := current().WithOptions(zap.AddCallerSkip(1))
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(append(defaultFields(), fields...)...)
	}
}

func Debug(msg string, fields ...zap.Field) { log(zap.DebugLevel, msg, fields...) }
func Info(msg string, fields ...zap.Field)  { log(zap.InfoLevel, msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { log(zap.WarnLevel, msg, fields...) }
func Error(msg string, fields ...zap.Field) { log(zap.ErrorLevel, msg, fields...) }
func Panic(msg string, fields ...zap.Field) { log(zap.PanicLevel, msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { log(zap.FatalLevel, msg, fields...) }

// Named returns a child logger for one component, e.g. a single collection job. The caller skip
// installed for the package helpers is removed so that caller info points at the real call site.
func Named(component string, fields ...zap.Field) *zap.Logger {
	return current().WithOptions(zap.AddCallerSkip(-1)).With(append([]zap.Field{zap.String("component", component)}, fields...)...)
}

func Sync() error {
	return current().Sync()
}

// GetLogger returns the process logger, or a no-op logger before initialization.
func GetLogger() *zap.Logger {
	return current()
}
