// Package logging holds the process-wide zap logger.
//
// Components take a named child with Named at construction time; request
// handlers use FromContext to pick up the request id added by Middleware.
package logging

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// RequestIDHeader carries the request id in and out of the server.
const RequestIDHeader = "X-Request-ID"

var (
	global atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config selects level and encoding.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// Init builds the global logger. An unknown level falls back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Use(logger)
	return nil
}

// Use installs logger as the global logger.
func Use(logger *zap.Logger) {
	global.Store(logger)
}

// L returns the global logger, creating a production logger on first use.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	global.CompareAndSwap(nil, l)
	return global.Load()
}

// Named returns a child of the global logger scoped to a component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

// FromContext returns the request logger stored in ctx, or the global one.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// WithContext is an alias of FromContext.
func WithContext(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithRequestID stores a logger tagged with id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).With(zap.String("request_id", id)))
}

func helper() *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(1))
}

// Debug logs on the global logger.
func Debug(msg string, fields ...zap.Field) { helper().Debug(msg, fields...) }

// Info logs on the global logger.
func Info(msg string, fields ...zap.Field) { helper().Info(msg, fields...) }

// Warn logs on the global logger.
func Warn(msg string, fields ...zap.Field) { helper().Warn(msg, fields...) }

// Error logs on the global logger.
func Error(msg string, fields ...zap.Field) { helper().Error(msg, fields...) }

// Fatal logs on the global logger and exits.
func Fatal(msg string, fields ...zap.Field) { helper().Fatal(msg, fields...) }

// statusRecorder captures the status and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware tags every request with an id and logs it once complete.
// Upgrade requests are passed through unwrapped so the connection can be
// hijacked.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := WithRequestID(r.Context(), id)
		r = r.WithContext(ctx)

		if r.Header.Get("Upgrade") != "" {
			FromContext(ctx).Debug("upgrade request", zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		FromContext(ctx).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
