// Package logging builds the agent's process-wide structured logger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvVar is the environment variable consulted for the log level.
// Unset or unrecognized values fall back to "info".
const EnvVar = "RMM_AGENT_LOG"

// New builds a *zap.SugaredLogger writing to dailyLogPath, opened once in
// append mode, and to stderr when interactive. The caller picks the dated
// path at startup; the logger keeps writing to that file and does not
// switch to a new one when the date changes while the process runs.
func New(dailyLogPath string, interactive bool) (*zap.SugaredLogger, func(), error) {
	level := levelFromEnv()

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	if dailyLogPath != "" {
		f, err := os.OpenFile(dailyLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, err
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(f), level))
	}

	if interactive {
		consoleCfg := encoderCfg
		consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), level))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core)

	sugared := logger.Sugar()
	cleanup := func() { _ = logger.Sync() }
	return sugared, cleanup, nil
}

func levelFromEnv() zapcore.Level {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar)))
	switch raw {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "", "info":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}
