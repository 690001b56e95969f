package media

import (
	"log/slog"
	"sync"
)

// FallbackCapture owns the local camera and microphone while the
// session runs in local-fallback mode. It is a degraded single-party
// preview: no remote party, toggles act on the tracks directly.
type FallbackCapture struct {
	logger  *slog.Logger
	devices Devices

	mu     sync.Mutex
	camera *Track
	mic    *Track
}

func NewFallbackCapture(devices Devices, logger *slog.Logger) *FallbackCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackCapture{logger: logger, devices: devices}
}

// Acquire opens camera and microphone. Device denial is non-fatal: the
// session continues with a placeholder instead of a self-view.
func (f *FallbackCapture) Acquire() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.devices == nil {
		return
	}

	if f.camera == nil {
		cam, err := f.devices.OpenCamera()
		if err != nil {
			f.logger.Warn("camera unavailable, using placeholder", "error", err)
		} else {
			f.camera = cam
		}
	}
	if f.mic == nil {
		mic, err := f.devices.OpenMicrophone()
		if err != nil {
			f.logger.Warn("microphone unavailable", "error", err)
		} else {
			f.mic = mic
		}
	}
}

// SetAudio toggles the microphone track enable flag.
func (f *FallbackCapture) SetAudio(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mic != nil {
		f.mic.SetEnabled(enabled)
	}
}

// SetVideo toggles the camera track. Re-enabling after the track set
// was stopped acquires a fresh capture.
func (f *FallbackCapture) SetVideo(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.camera != nil && !f.camera.Stopped() {
		f.camera.SetEnabled(enabled)
		return
	}
	if !enabled || f.devices == nil {
		return
	}

	cam, err := f.devices.OpenCamera()
	if err != nil {
		f.logger.Warn("camera reacquire failed", "error", err)
		return
	}
	f.camera = cam
}

// HasVideo reports whether a live, enabled self-view exists.
func (f *FallbackCapture) HasVideo() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.camera != nil && f.camera.Enabled()
}

// StopAll releases both devices. Idempotent.
func (f *FallbackCapture) StopAll() {
	f.mu.Lock()
	cam, mic := f.camera, f.mic
	f.mu.Unlock()

	if cam != nil {
		cam.Stop()
	}
	if mic != nil {
		mic.Stop()
	}
}
