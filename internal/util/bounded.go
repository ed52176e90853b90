package util

import (
	"context"
	"fmt"
)

// Bounded calls fn with ctx and waits for it until ctx is done. A call that
// ignores ctx is abandoned: Bounded returns ctx.Err() and the late result is
// discarded when fn finally returns. A panic in fn is returned as an error.
func Bounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("panic: %v", r)
			}
			done <- res
		}()
		res.val, res.err = fn(ctx)
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
