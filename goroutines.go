package callkit

import (
	"runtime/debug"
)

// PanicCapturingGo spawns a goroutine to run the given function and captures
// any panic that occurs and logs it.
func PanicCapturingGo(f func()) {
	PanicCapturingGoWithCallback(f, nil)
}

// PanicCapturingGoWithCallback spawns a goroutine to run the given function and captures
// any panic that occurs, logs it, and calls the given callback. The callback can be
// used for restart functionality.
func PanicCapturingGoWithCallback(f func(), callback func(err interface{})) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				debug.PrintStack()
				Logger.Errorw("panic while running function", "error", err)
				if callback == nil {
					return
				}
				Logger.Infow("running callback for panic")
				callback(err)
			}
		}()
		f()
	}()
}

// ManagedGo keeps the given function alive in the background until
// it terminates normally. If it panics, it is restarted. onComplete
// runs once the function returns without panicking.
func ManagedGo(f func(), onComplete func()) {
	PanicCapturingGoWithCallback(func() {
		defer func() {
			if err := recover(); err == nil && onComplete != nil {
				onComplete()
			} else if err != nil {
				// re-panic so the callback restarts us
				panic(err)
			}
		}()
		f()
	}, func(err interface{}) {
		ManagedGo(f, onComplete)
	})
}
