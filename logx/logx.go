package logx

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxAgeDays = 7
)

var (
	lumberjackLogger = &lumberjack.Logger{
		Filename: getLogFilename(),
		MaxSize:  getEnvInt("LOGFILE_MAX_SIZE_MB", defaultMaxSizeMB), // megabytes
		MaxAge:   getEnvInt("LOGFILE_MAX_AGE_DAYS", defaultMaxAgeDays),
	}

	logger = newLogger()
)

func getLogFilename() string {
	if logFile := os.Getenv("LOGFILE"); logFile != "" {
		return "./logs/" + logFile
	}
	return "./logs/blockclique.log"
}

func getEnvInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		panic("Invalid value for " + name + ": " + raw)
	}
	return v
}

func newLogger() *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		level.SetLevel(zapcore.DebugLevel)
	}

	sink := zapcore.AddSync(lumberjackLogger)
	if os.Getenv("LOG_STDOUT") != "" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(os.Stdout))
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	return zap.New(core).Sugar()
}

func Info(category string, content ...interface{}) {
	logger.Infow(fmt.Sprint(content...), "category", category)
}

func Error(category string, content ...interface{}) {
	logger.Errorw(fmt.Sprint(content...), "category", category)
}

func Warn(category string, content ...interface{}) {
	logger.Warnw(fmt.Sprint(content...), "category", category)
}

func Debug(category string, content ...interface{}) {
	logger.Debugw(fmt.Sprint(content...), "category", category)
}

// Errorf logs an error message and returns a formatted error
func Errorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	Error("ERROR", err.Error())
	return err
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = logger.Sync()
}
