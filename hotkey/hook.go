//go:build cgo

package hotkey

import (
	"log/slog"

	hook "github.com/robotn/gohook"
)

func startHook(keys []string, fire func()) error {
	hook.Register(hook.KeyDown, keys, func(hook.Event) {
		fire()
	})
	events := hook.Start()
	go func() {
		<-hook.Process(events)
		slog.Debug("hotkey hook stopped")
	}()
	return nil
}

func stopHook() {
	hook.End()
}
