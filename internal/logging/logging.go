// Package logging unifies the several logger helpers of the original
// implementation into one klog-backed shape: Init configures the process
// logger, L retrieves it, and Truncate applies the per-value byte cap used
// when logging command arguments, stdout/stderr snippets and extra-values.
package logging

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"
)

type ctxKey struct{}

var (
	initOnce   sync.Once
	defaultLog logr.Logger
	truncation atomic.Int64
)

// Init configures the global klog logger at the given verbosity, writing to
// w. Safe to call once per process; later calls are no-ops.
func Init(level int, w io.Writer) {
	initOnce.Do(func() {
		cfg := textlogger.NewConfig(
			textlogger.Output(w),
			textlogger.Verbosity(level),
		)
		defaultLog = textlogger.NewLogger(cfg)
		klog.SetLoggerWithOptions(defaultLog)
	})
}

// SetTruncationThreshold sets the byte cap applied by Truncate. A
// non-positive value disables truncation.
func SetTruncationThreshold(n int) {
	truncation.Store(int64(n))
}

// L returns the logger carried in ctx, falling back to the process default.
func L(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(ctxKey{}).(logr.Logger); ok {
		return l
	}
	return defaultLog
}

// WithLogger returns a context carrying l, retrievable via L.
func WithLogger(ctx context.Context, l logr.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Truncate caps a logged value's textual representation to the configured
// threshold. Only string and []byte values are truncated; other types pass
// through unchanged so structured fields (ints, bools) stay queryable.
func Truncate(v any) any {
	max := truncation.Load()
	if max <= 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		if int64(len(t)) <= max {
			return t
		}
		return t[:max] + "...(truncated)"
	case []byte:
		if int64(len(t)) <= max {
			return string(t)
		}
		return string(t[:max]) + "...(truncated)"
	default:
		return v
	}
}

// Fields builds a flat key/value slice suitable for logr's With/Info calls,
// running every value through Truncate. Keys and values must alternate,
// mirroring the source's log(message, **kwargs) call shape.
func Fields(kv ...any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		out = append(out, kv[i])
		if i+1 < len(kv) {
			out = append(out, Truncate(kv[i+1]))
		}
	}
	return out
}
