package app

import (
	"fmt"

	"go.aimuz.me/micstream/audiocapture"
	"go.aimuz.me/micstream/config"
)

// captureConfig builds the capture template for the session from the host
// configuration.
func captureConfig(cfg *config.Config) audiocapture.Config {
	c := audiocapture.DefaultConfig()
	if cfg.Capture.SampleRate > 0 {
		c.SampleRate = cfg.Capture.SampleRate
	}
	if cfg.Capture.BlockSize > 0 {
		c.BlockSize = cfg.Capture.BlockSize
	}
	c.Device = cfg.Capture.Device
	c.File = cfg.Capture.File
	return c
}

// Devices lists the microphones available for capture.
func (s *Service) Devices() ([]string, error) {
	names, err := s.listDevices()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}
	return names, nil
}
