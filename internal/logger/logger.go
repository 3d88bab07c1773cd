package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/llm-d-incubation/pipeline-selftune/internal/constants"
)

var zapLogger *zap.Logger

// Log is the process-wide logger. It discards everything until InitLogger runs.
var Log = zap.NewNop().Sugar()

func InitLogger() (*zap.SugaredLogger, error) {
	if zapLogger != nil {
		Log = zapLogger.Sugar()
		return Log, nil
	}

	level := GetZapLevelFromEnv()
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	zapLogger = zap.New(core).Named("selftune")
	Log = zapLogger.Sugar()
	return Log, nil
}

func GetZapLevelFromEnv() zapcore.Level {
	return ParseLevel(os.Getenv(constants.EnvLogLevel))
}

// ParseLevel maps a level name to a zap level, falling back to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel // fallback
	}
}

// SyncLogger ensures the logger is properly synced
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
