package media

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Track is a handle on a live capture device. Disabling a track keeps
// the device open; stopping it releases the device.
type Track struct {
	kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
	stop    func()
}

func NewTrack(kind string, stop func()) *Track {
	return &Track{kind: kind, enabled: true, stop: stop}
}

func (t *Track) Kind() string { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.enabled = enabled
}

// Stop releases the device. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Devices acquires local capture devices for the fallback self-view.
type Devices interface {
	OpenCamera() (*Track, error)
	OpenMicrophone() (*Track, error)
}

// FFmpegDevices captures through ffmpeg. The camera self-view is
// recorded into PreviewDir so the degraded session still has a local
// preview artifact.
type FFmpegDevices struct {
	CameraInput string
	MicInput    string
	PreviewDir  string
}

func (d FFmpegDevices) OpenCamera() (*Track, error) {
	format, input := defaultCameraInput()
	if d.CameraInput != "" {
		input = d.CameraInput
	}

	dir := d.PreviewDir
	if dir == "" {
		dir = os.TempDir()
	}
	out := filepath.Join(dir, fmt.Sprintf("healthsync-preview-%d.mkv", time.Now().UnixNano()))

	return d.openTrack("video", format, input, out)
}

func (d FFmpegDevices) OpenMicrophone() (*Track, error) {
	format, input := defaultMicInput()
	if d.MicInput != "" {
		input = d.MicInput
	}
	return d.openTrack("audio", format, input, "-")
}

func (d FFmpegDevices) openTrack(kind, format, input, output string) (*Track, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	args := []string{"-f", format, "-i", input, "-loglevel", "error", "-y"}
	if output == "-" {
		// Audio is held open but not persisted.
		args = append(args, "-f", "null", os.DevNull)
	} else {
		args = append(args, output)
	}

	cmd := exec.Command("ffmpeg", args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("open %s device: %w", kind, err)
	}

	return NewTrack(kind, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}), nil
}

func defaultCameraInput() (format, input string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", "default"
	case "windows":
		return "dshow", "video=default"
	default:
		return "v4l2", "/dev/video0"
	}
}

func defaultMicInput() (format, input string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":default"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}
