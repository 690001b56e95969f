// Package recognizer bridges raw PCM audio to a streaming
// speech-recognition service.
package recognizer

import "context"

// Result is one recognition hypothesis. IsFinal marks segments the
// engine will not revise further.
type Result struct {
	Text    string
	IsFinal bool
}

// Session is one live recognition stream. Write forwards a frame of
// 16 kHz mono s16le PCM; Results delivers hypotheses until the stream
// ends, after which the channel is closed. Close is idempotent.
type Session interface {
	Write(pcm []byte) error
	Results() <-chan Result
	Close() error
}

// Recognizer opens recognition sessions.
type Recognizer interface {
	Start(ctx context.Context) (Session, error)
}
