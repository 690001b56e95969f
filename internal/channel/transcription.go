package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/audio"
)

// Result is one recognizer result relayed by the transcription channel.
// Interim results (IsFinal=false) may be shown transiently but are
// never persisted by consumers.
type Result struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Speaker string `json:"speaker"`
}

type transcribeEnvelope struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Transcription is the client side of the transcription relay. Each
// Start opens a fresh websocket, performs the start-stream handshake
// and acquires a fresh microphone source; Stop tears both down. The
// channel is restartable.
type Transcription struct {
	logger    *slog.Logger
	wsURL     string
	newSource func() (audio.Source, error)

	results chan Result

	mu  sync.Mutex
	run *transcriptionRun
}

type transcriptionRun struct {
	conn   *websocket.Conn
	source audio.Source

	writeMu sync.Mutex
	ready   bool
	readyMu sync.Mutex

	dropped  int
	stopOnce sync.Once
	done     chan struct{}
}

func NewTranscription(wsURL string, newSource func() (audio.Source, error), logger *slog.Logger) *Transcription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcription{
		logger:    logger,
		wsURL:     wsURL,
		newSource: newSource,
		results:   make(chan Result, 32),
	}
}

// Results delivers recognizer output across runs. The channel is never
// closed; consumers stop reading when the session ends.
func (t *Transcription) Results() <-chan Result {
	return t.results
}

// Start dials the relay, sends the start-stream request and begins
// forwarding microphone frames. Frames captured before the recognizer
// reports ready are dropped, not queued.
func (t *Transcription) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.run != nil {
		t.mu.Unlock()
		return errors.New("transcription already streaming")
	}
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return err
	}

	start, _ := json.Marshal(transcribeEnvelope{Type: "start-stream"})
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		_ = conn.Close()
		return err
	}

	source, err := t.newSource()
	if err != nil {
		_ = conn.Close()
		return err
	}

	run := &transcriptionRun{
		conn:   conn,
		source: source,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.run = run
	t.mu.Unlock()

	go t.readLoop(run)
	go t.captureLoop(run)
	return nil
}

// Stop signals stop-stream and tears down the capture graph. Idempotent
// and safe if streaming was never started.
func (t *Transcription) Stop() {
	t.mu.Lock()
	run := t.run
	t.run = nil
	t.mu.Unlock()

	if run == nil {
		return
	}
	run.stopOnce.Do(func() {
		stop, _ := json.Marshal(transcribeEnvelope{Type: "stop-stream"})
		run.writeMu.Lock()
		_ = run.conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
		_ = run.conn.WriteMessage(websocket.TextMessage, stop)
		run.writeMu.Unlock()

		_ = run.source.Close()
		_ = run.conn.Close()
		close(run.done)
	})
}

// Dropped reports frames discarded during the startup window of the
// current or most recent run.
func (t *Transcription) Dropped() int {
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	if run == nil {
		return 0
	}
	run.readyMu.Lock()
	defer run.readyMu.Unlock()
	return run.dropped
}

func (t *Transcription) readLoop(run *transcriptionRun) {
	for {
		_, payload, err := run.conn.ReadMessage()
		if err != nil {
			select {
			case <-run.done:
			default:
				t.logger.Debug("transcription relay disconnected", "error", err)
			}
			return
		}

		var env transcribeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}

		switch env.Type {
		case "status":
			if env.Status == "ready" {
				run.readyMu.Lock()
				run.ready = true
				run.readyMu.Unlock()
				t.logger.Debug("recognizer ready")
			}
		case "transcription-data":
			var res Result
			if err := json.Unmarshal(env.Data, &res); err != nil {
				continue
			}
			select {
			case t.results <- res:
			default:
				t.logger.Warn("transcription result dropped, consumer slow")
			}
		case "error":
			t.logger.Warn("transcription relay error", "message", env.Message)
		}
	}
}

func (t *Transcription) captureLoop(run *transcriptionRun) {
	for {
		frame, err := run.source.ReadFrame()
		if err != nil {
			if !errors.Is(err, audio.ErrSourceClosed) {
				t.logger.Warn("audio capture stopped", "error", err)
			}
			return
		}

		run.readyMu.Lock()
		ready := run.ready
		if !ready {
			run.dropped++
			if run.dropped == 1 || run.dropped%16 == 0 {
				t.logger.Warn("recognizer not ready, dropping audio", "dropped", run.dropped)
			}
		}
		run.readyMu.Unlock()
		if !ready {
			continue
		}

		run.writeMu.Lock()
		_ = run.conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
		err = run.conn.WriteMessage(websocket.BinaryMessage, frame)
		run.writeMu.Unlock()
		if err != nil {
			select {
			case <-run.done:
			default:
				t.logger.Warn("audio forward failed", "error", err)
			}
			return
		}
	}
}
