package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // e.g. "verifier" or "verify-quote"
	Development bool   // true for development mode
}

// Logger wraps zap.Logger with verification-specific context helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapLogger *zap.Logger
	var err error

	if config.Development {
		// Development mode: console logging with debug level
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapLogger, err = zapConfig.Build()
	} else {
		// Production mode: structured JSON logging
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = zapConfig.Build()
	}

	if err != nil {
		return nil, err
	}

	zapLogger = zapLogger.With(
		zap.String("service", config.ServiceName),
	)

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	config := LoggerConfig{
		ServiceName: serviceName,
		Development: GetEnvOrDefault("DEVELOPMENT", "false") == "true",
	}
	return NewLogger(config)
}

// Task-aware logging methods
func (l *Logger) WithTask(taskID string) *zap.Logger {
	if taskID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("task_id", taskID))
}

// Target-aware logging methods
func (l *Logger) WithTarget(kind string) *zap.Logger {
	if kind == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("target", kind))
}

// Image-aware logging methods
func (l *Logger) WithImage(folderName string) *zap.Logger {
	return l.Logger.With(zap.String("image", folderName))
}
