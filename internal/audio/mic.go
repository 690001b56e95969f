package audio

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
)

// MicSource captures the default microphone through ffmpeg and exposes
// the decoded stream as raw s16le frames.
type MicSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// NewMicSource spawns ffmpeg reading from the given input device and
// resampling to the wire format. An empty input picks the platform
// default device.
func NewMicSource(input string) (*MicSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	format, device := defaultCaptureInput()
	if input != "" {
		device = input
	}

	cmd := exec.Command("ffmpeg",
		"-f", format,
		"-i", device,
		"-ac", fmt.Sprintf("%d", Channels),
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-f", "s16le",
		"-loglevel", "error",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg capture: %w", err)
	}

	return &MicSource{cmd: cmd, stdout: stdout}, nil
}

func (s *MicSource) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	stdout := s.stdout
	s.mu.Unlock()

	frame := make([]byte, FrameBytes)
	if _, err := io.ReadFull(stdout, frame); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSourceClosed
		}
		return nil, fmt.Errorf("read capture frame: %w", err)
	}
	return frame, nil
}

// Close stops the capture process. Safe to call more than once.
func (s *MicSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.stdout.Close()
	_ = s.cmd.Wait()
	return nil
}

func defaultCaptureInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":default"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}
