package groutine

import (
	"context"
	"runtime/pprof"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

var running atomic.Int64

// Go starts a named goroutine. The name is attached as a pprof label and to the context
// handed to fn. A panic in fn is logged with the goroutine name and then re-raised.
//
//	groutine.Go(ctx, "session-op", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	running.Add(1)
	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).Errorf("Goroutine panicked: %v", r)
				panic(r)
			}
		}()

		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// Running returns how many goroutines started by Go have not returned yet
func Running() int64 {
	return running.Load()
}
