package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCount returns a liveness probe that fails when the goroutine
// count exceeds the threshold, catching subscription workers that leak.
func GoroutineCount(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}
