//go:build !cgo

package hotkey

func startHook([]string, func()) error {
	return ErrUnsupported
}

func stopHook() {}
