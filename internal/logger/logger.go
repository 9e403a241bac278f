package logger

import (
	"context"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.SugaredLogger with the request/tenant context fields
// this codebase attaches to every log line.
type Logger struct {
	*zap.SugaredLogger
}

// L is the package-level logger for call sites that do not thread one
// through explicitly (storage/lock/service layers mostly take a logger
// as a constructor argument instead).
var L *Logger

// NewLogger builds a Logger from configuration: development encoding
// (human-readable, debug level) when Logging.Level is debug, production
// JSON encoding otherwise.
func NewLogger(cfg *config.Configuration) (*Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Logging.Level == types.LogLevelDebug {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.DisableStacktrace = true

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{SugaredLogger: zapLogger.Sugar().With("service", cfg.Deployment.Mode)}, nil
}

func init() {
	L, _ = NewLogger(config.GetDefaultConfig())
}

// GetLogger returns the global logger, lazily initializing it with
// defaults if NewLogger was never called.
func GetLogger() *Logger {
	if L == nil {
		L, _ = NewLogger(config.GetDefaultConfig())
	}
	return L
}

// GetLoggerWithContext returns the global logger annotated with the
// request/tenant/environment IDs found in ctx, if any.
func GetLoggerWithContext(ctx context.Context) *Logger {
	return GetLogger().WithContext(ctx)
}

// WithContext returns a child logger annotated with the request,
// tenant, and environment IDs carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	requestID, _ := ctx.Value(types.CtxRequestID).(string)
	tenantID, _ := ctx.Value(types.CtxTenantID).(string)
	environmentID, _ := ctx.Value(types.CtxEnvironmentID).(string)

	return &Logger{SugaredLogger: l.SugaredLogger.With(
		"request_id", requestID,
		"tenant_id", tenantID,
		"environment_id", environmentID,
	)}
}

// retryableHTTPLogger adapts Logger to go-retryablehttp's Logger
// interface so payment-provider adapters log retries through the same
// pipeline as everything else.
type retryableHTTPLogger struct {
	logger *Logger
}

// GetRetryableHTTPLogger returns a retryablehttp-compatible logger.
func (l *Logger) GetRetryableHTTPLogger() *retryableHTTPLogger {
	return &retryableHTTPLogger{logger: l}
}

// Printf implements retryablehttp.Logger.
func (r *retryableHTTPLogger) Printf(format string, v ...interface{}) {
	r.logger.Infof(format, v...)
}
