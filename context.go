package callkit

import (
	"context"
	"time"
)

// MergeContext merges the two given contexts together and returns a new "child"
// context parented by the first context that will be cancelled either by the
// returned cancel function or when either of the two initial contexts are canceled.
// Note: This implies that the values will only come from the first argument's context.
func MergeContext(ctx, innerCtx context.Context) (context.Context, func()) {
	mergedCtx, mergedCtxCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(innerCtx, mergedCtxCancel)
	return mergedCtx, func() {
		stop()
		mergedCtxCancel()
	}
}

// MergeContextWithTimeout merges the two given contexts together and returns a new "child"
// context parented by the first context that will be cancelled either by the
// returned cancel function, when either of the two initial contexts are canceled,
// or when the given timeout elapses.
func MergeContextWithTimeout(ctx, innerCtx context.Context, timeout time.Duration) (context.Context, func()) {
	mergedCtx, mergedCtxCancel := MergeContext(ctx, innerCtx)
	timeoutCtx, timeoutCancel := context.WithTimeout(mergedCtx, timeout)
	return timeoutCtx, func() {
		timeoutCancel()
		mergedCtxCancel()
	}
}

// SelectContextOrWait either terminates because the given context is done
// or the given duration elapses. It returns true if the duration elapsed.
func SelectContextOrWait(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return true
}

// SelectContextOrWaitChan either terminates because the given context is done
// or the given channel is received on. It returns true if the channel
// was received on.
func SelectContextOrWaitChan[T any](ctx context.Context, c <-chan T) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c:
	}
	return true
}
