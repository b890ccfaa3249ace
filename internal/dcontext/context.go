// Package dcontext provides the request-scoped context plumbing used across
// the file service. Loggers, instance ids and request ids travel on the
// context so that every layer, down to the storage drivers, logs with the
// same correlated fields.
package dcontext

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type instanceContext struct {
	context.Context
	id   string
	once sync.Once
}

func (ic *instanceContext) Value(key interface{}) interface{} {
	if key == "instance.id" {
		ic.once.Do(func() {
			ic.id = uuid.NewString()
		})
		return ic.id
	}
	return ic.Context.Value(key)
}

var background = &instanceContext{Context: context.Background()}

// Background returns the process-level context, carrying a lazily assigned
// instance id that identifies this process across restarts in the logs.
func Background() context.Context {
	return background
}

// WithValue is a convenience wrapper over context.WithValue.
func WithValue(parent context.Context, key, val interface{}) context.Context {
	return context.WithValue(parent, key, val)
}

type stringMapContext struct {
	context.Context
	m map[string]interface{}
}

// WithValues returns a context carrying every entry of m, resolvable by its
// string key.
func WithValues(ctx context.Context, m map[string]interface{}) context.Context {
	mo := make(map[string]interface{}, len(m))
	for k, v := range m {
		mo[k] = v
	}
	return stringMapContext{Context: ctx, m: mo}
}

func (smc stringMapContext) Value(key interface{}) interface{} {
	if ks, ok := key.(string); ok {
		if v, ok := smc.m[ks]; ok {
			return v
		}
	}
	return smc.Context.Value(key)
}

type requestIDKey struct{}
type requestStartKey struct{}

// WithRequest stamps the context with a fresh request id and a start time.
func WithRequest(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, requestIDKey{}, uuid.NewString())
	return context.WithValue(ctx, requestStartKey{}, time.Now())
}

// RequestID returns the request id on ctx, or the empty string.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Since returns the elapsed time since the request start, or zero when ctx
// does not descend from WithRequest.
func Since(ctx context.Context) time.Duration {
	start, ok := ctx.Value(requestStartKey{}).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(start)
}
