// Package audio provides the PCM capture pipeline feeding the
// transcription channel. The wire contract is fixed: little-endian
// 16-bit signed samples, 16 kHz, mono, delivered as fixed-size frames.
// The capture mechanism behind a Source is substitutable.
package audio

import "errors"

const (
	SampleRate = 16000
	Channels   = 1

	// FrameBytes is the size of one audio frame on the wire:
	// 4096 samples of 2 bytes, roughly a quarter second of speech.
	FrameBytes = 4096 * 2
)

// ErrSourceClosed is returned by ReadFrame after Close.
var ErrSourceClosed = errors.New("audio source closed")

// Source pulls fixed-size frames of downsampled mono PCM from a live
// input. ReadFrame blocks until a full frame is available.
type Source interface {
	ReadFrame() ([]byte, error)
	Close() error
}
