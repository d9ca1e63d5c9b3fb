package exception

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/monitoring"
)

func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in: ", name, r, string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func SafeGoWithPanic(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in: ", name, r, string(debug.Stack()))
				os.Exit(1)
			}
		}()
		fn()
	}()
}

// SafeRun runs fn in the calling goroutine and turns a panic into an error,
// so it can be handed to an errgroup.
func SafeRun(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.IncreasePanicCount()
			logx.Error("PANIC", "Panic in: ", name, r, string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}
