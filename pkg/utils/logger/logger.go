// Package logger wraps zap as the single logging entry point for coapd.
// All subsystems log through the package-level default logger; nothing
// in the core should reach for fmt.Println or the standard "log" package.
package logger

import (
	"io"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	DebugLevel Level = zapcore.DebugLevel
	InfoLevel  Level = zapcore.InfoLevel
	WarnLevel  Level = zapcore.WarnLevel
	ErrorLevel Level = zapcore.ErrorLevel
)

var (
	defaultLogger *zap.SugaredLogger
	currentLevel  = zap.NewAtomicLevelAt(InfoLevel)
)

func init() {
	defaultLogger = New(os.Stdout, InfoLevel)
}

// New builds a SugaredLogger writing to out at the given minimum level.
func New(out io.Writer, level Level) *zap.SugaredLogger {
	currentLevel.SetLevel(level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), currentLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// NewProductionRotateByTime returns a writer (for New) that rotates the
// destination file every 24 hours, keeping a week of history, via
// lestrrat-go/file-rotatelogs.
func NewProductionRotateByTime(path string) io.Writer {
	out, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return os.Stdout
	}
	return out
}

// NewProductionRotateBySize returns a writer (for New) that rotates the
// destination file once it exceeds maxSizeMB, via natefinch/lumberjack.
func NewProductionRotateBySize(path string, maxSizeMB, maxBackups, maxAgeDays int) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

// ReplaceDefault swaps the package-level logger used by the free functions below.
func ReplaceDefault(l *zap.SugaredLogger) {
	defaultLogger = l
}

// SetLevel adjusts the minimum level of the default logger in place.
func SetLevel(level Level) {
	currentLevel.SetLevel(level)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = defaultLogger.Sync()
}

// GetError renders err as a structured zap field for use with *w variants.
func GetError(err error) zap.Field {
	return zap.Error(err)
}

func Debug(args ...interface{})          { defaultLogger.Debug(args...) }
func Debugf(format string, a ...interface{}) { defaultLogger.Debugf(format, a...) }
func Info(args ...interface{})           { defaultLogger.Info(args...) }
func Infof(format string, a ...interface{})  { defaultLogger.Infof(format, a...) }
func Warn(args ...interface{})           { defaultLogger.Warn(args...) }
func Warnf(format string, a ...interface{})  { defaultLogger.Warnf(format, a...) }
func Error(args ...interface{})          { defaultLogger.Error(args...) }
func Errorf(format string, a ...interface{}) { defaultLogger.Errorf(format, a...) }
func Fatalf(format string, a ...interface{}) { defaultLogger.Fatalf(format, a...) }
