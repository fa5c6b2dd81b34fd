package finalize

import (
	"sync/atomic"

	"github.com/prateek/gcheap/gcerr"

	"go.uber.org/zap"
)

// FailureHandler receives unhandled finalizer failures. It runs on the
// finalizer goroutine and must not block for long.
type FailureHandler func(*gcerr.FinalizerFailure)

var unhandledFailureHandler atomic.Pointer[FailureHandler]

// SetUnhandledFailureHandler installs the process-wide handler for
// finalizer failures and returns the previous one. A nil handler restores
// the default, which logs through the global zap logger.
func SetUnhandledFailureHandler(h FailureHandler) FailureHandler {
	var previous *FailureHandler
	if h == nil {
		previous = unhandledFailureHandler.Swap(nil)
	} else {
		previous = unhandledFailureHandler.Swap(&h)
	}
	if previous == nil {
		return nil
	}
	return *previous
}

func reportUnhandledFailure(f *gcerr.FinalizerFailure) {
	unhandledFailuresTotal.Inc()
	if h := unhandledFailureHandler.Load(); h != nil {
		(*h)(f)
		return
	}
	zap.L().Error("Unhandled finalizer failure",
		zap.Uint64("object", f.Object),
		zap.Uint64("pass", f.Pass),
		zap.Bool("panicked", f.Panicked),
		zap.Error(f.Cause))
}
