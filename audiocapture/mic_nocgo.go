//go:build !cgo

package audiocapture

// Mic is unavailable without cgo.
type Mic struct{}

// NewMic returns ErrUnsupported when built without cgo.
func NewMic(Config) (*Mic, error) {
	return nil, ErrUnsupported
}

func (*Mic) Start(AudioHandler) error { return ErrUnsupported }
func (*Mic) Stop() error              { return nil }

// InputDevices returns ErrUnsupported when built without cgo.
func InputDevices() ([]string, error) {
	return nil, ErrUnsupported
}
