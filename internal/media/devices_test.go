package media

import (
	"errors"
	"sync"
	"testing"

	"github.com/healthsync/healthsync/internal/models"
)

func TestTrackLifecycle(t *testing.T) {
	stops := 0
	track := NewTrack("video", func() { stops++ })

	if !track.Enabled() {
		t.Fatalf("new track should start enabled")
	}

	track.SetEnabled(false)
	if track.Enabled() {
		t.Fatalf("disabled track should report disabled")
	}
	track.SetEnabled(true)
	if !track.Enabled() {
		t.Fatalf("re-enabled track should report enabled")
	}

	track.Stop()
	track.Stop()
	if stops != 1 {
		t.Fatalf("stop must run the release hook exactly once, got %d", stops)
	}
	if track.Enabled() {
		t.Fatalf("stopped track must not report enabled")
	}

	// Toggling a stopped track is a no-op, not a resurrection.
	track.SetEnabled(true)
	if track.Enabled() {
		t.Fatalf("stopped track must stay disabled")
	}
}

type scriptedDevices struct {
	mu        sync.Mutex
	cameraErr error
	micErr    error
	cameras   []*Track
	mics      []*Track
}

func (d *scriptedDevices) OpenCamera() (*Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	track := NewTrack("video", nil)
	d.cameras = append(d.cameras, track)
	return track, nil
}

func (d *scriptedDevices) OpenMicrophone() (*Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.micErr != nil {
		return nil, d.micErr
	}
	track := NewTrack("audio", nil)
	d.mics = append(d.mics, track)
	return track, nil
}

func (d *scriptedDevices) cameraCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cameras)
}

func TestFallbackAcquireAndToggle(t *testing.T) {
	devices := &scriptedDevices{}
	capture := NewFallbackCapture(devices, nil)

	capture.Acquire()
	if !capture.HasVideo() {
		t.Fatalf("expected a live self-view after acquire")
	}

	capture.SetVideo(false)
	if capture.HasVideo() {
		t.Fatalf("video off should hide the self-view")
	}
	capture.SetVideo(true)
	if !capture.HasVideo() {
		t.Fatalf("video on should restore the self-view")
	}
	if devices.cameraCount() != 1 {
		t.Fatalf("toggling a live track must not reopen the camera, opens=%d", devices.cameraCount())
	}

	// Acquire again must be a no-op while tracks are held.
	capture.Acquire()
	if devices.cameraCount() != 1 {
		t.Fatalf("second acquire reopened the camera")
	}
}

func TestFallbackReacquiresStoppedCamera(t *testing.T) {
	devices := &scriptedDevices{}
	capture := NewFallbackCapture(devices, nil)

	capture.Acquire()
	capture.StopAll()
	if capture.HasVideo() {
		t.Fatalf("stopped capture should have no self-view")
	}

	capture.SetVideo(true)
	if !capture.HasVideo() {
		t.Fatalf("enabling video after stop should open a fresh camera")
	}
	if devices.cameraCount() != 2 {
		t.Fatalf("expected a fresh camera capture, opens=%d", devices.cameraCount())
	}
}

func TestFallbackDeviceDenialIsNonFatal(t *testing.T) {
	devices := &scriptedDevices{cameraErr: errors.New("permission denied")}
	capture := NewFallbackCapture(devices, nil)

	capture.Acquire()
	if capture.HasVideo() {
		t.Fatalf("denied camera must not produce a self-view")
	}

	// Audio still works and toggles must not panic.
	capture.SetAudio(false)
	capture.SetVideo(false)
	capture.StopAll()
}

func TestQualityFromThreshold(t *testing.T) {
	cases := map[string]models.NetworkQuality{
		"good":     models.QualityGood,
		"":         models.QualityGood,
		"low":      models.QualityPoor,
		"very-low": models.QualityPoor,
	}
	for threshold, want := range cases {
		if got := QualityFromThreshold(threshold); got != want {
			t.Fatalf("threshold %q: got %s, want %s", threshold, got, want)
		}
	}
}
