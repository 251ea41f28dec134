// Package temporal bridges the Temporal SDK to the service's logging and client setup.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter routes Temporal SDK logs through zap.
type ZapAdapter struct {
	logger *zap.Logger
}

var (
	_ log.Logger          = (*ZapAdapter)(nil)
	_ log.WithLogger      = (*ZapAdapter)(nil)
	_ log.WithSkipCallers = (*ZapAdapter)(nil)
)

func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{logger: logger.With(zap.String("component", "temporal"))}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) {
	z.logger.Debug(msg, fields(keyvals)...)
}

func (z *ZapAdapter) Info(msg string, keyvals ...interface{}) {
	z.logger.Info(msg, fields(keyvals)...)
}

func (z *ZapAdapter) Warn(msg string, keyvals ...interface{}) {
	z.logger.Warn(msg, fields(keyvals)...)
}

func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) {
	z.logger.Error(msg, fields(keyvals)...)
}

// With returns a child adapter carrying keyvals on every entry.
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{logger: z.logger.With(fields(keyvals)...)}
}

// WithCallerSkip hides SDK frames from the caller annotation.
func (z *ZapAdapter) WithCallerSkip(depth int) log.Logger {
	return &ZapAdapter{logger: z.logger.WithOptions(zap.AddCallerSkip(depth))}
}

// fields pairs keyvals into zap fields. A trailing key without value is kept
// under "extra"; non-string keys are rendered with %v.
func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		if i+1 >= len(keyvals) {
			out = append(out, safeField("extra", keyvals[i]))
			break
		}
		out = append(out, safeField(key, keyvals[i+1]))
	}
	return out
}

// safeField avoids zap.Any on values it cannot encode, such as funcs and channels.
func safeField(key string, val interface{}) (field zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			field = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, fmt.Sprintf("<%s>", reflect.TypeOf(val).Kind()))
	}
	if err, ok := val.(error); ok {
		return zap.NamedError(key, err)
	}
	return zap.Any(key, val)
}
