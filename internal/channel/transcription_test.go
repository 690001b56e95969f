package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/audio"
)

type fakeSource struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSource(frameCount int) *fakeSource {
	s := &fakeSource{
		frames: make(chan []byte, frameCount),
		closed: make(chan struct{}),
	}
	for i := 0; i < frameCount; i++ {
		s.frames <- make([]byte, audio.FrameBytes)
	}
	return s
}

func (s *fakeSource) ReadFrame() ([]byte, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return nil, audio.ErrSourceClosed
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type relayState struct {
	connects int32
	stops    int32
}

// startTranscribeRelay answers start-stream with ready (after readyGate
// closes, if non-nil) and the first audio frame with one final result.
func startTranscribeRelay(t *testing.T, state *relayState, readyGate <-chan struct{}) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(&state.connects, 1)

		var writeMu sync.Mutex
		write := func(env transcribeEnvelope) {
			payload, _ := json.Marshal(env)
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, payload)
			writeMu.Unlock()
		}

		answered := false
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if msgType == websocket.BinaryMessage {
				if !answered {
					answered = true
					data, _ := json.Marshal(Result{Text: "hello there", IsFinal: true, Speaker: "Pat"})
					write(transcribeEnvelope{Type: "transcription-data", Data: data})
				}
				continue
			}

			var env transcribeEnvelope
			if json.Unmarshal(payload, &env) != nil {
				continue
			}
			switch env.Type {
			case "start-stream":
				go func() {
					if readyGate != nil {
						<-readyGate
					}
					write(transcribeEnvelope{Type: "status", Status: "ready"})
				}()
			case "stop-stream":
				atomic.AddInt32(&state.stops, 1)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func TestTranscriptionRoundTrip(t *testing.T) {
	state := &relayState{}
	url := startTranscribeRelay(t, state, nil)

	tr := NewTranscription(url, func() (audio.Source, error) {
		return newFakeSource(8), nil
	}, nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer tr.Stop()

	select {
	case res := <-tr.Results():
		if !res.IsFinal || res.Text != "hello there" || res.Speaker != "Pat" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no transcription result arrived")
	}

	tr.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&state.stops) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&state.stops) != 1 {
		t.Fatalf("relay never saw stop-stream")
	}
}

func TestTranscriptionRestartPerformsFreshHandshake(t *testing.T) {
	state := &relayState{}
	url := startTranscribeRelay(t, state, nil)

	tr := NewTranscription(url, func() (audio.Source, error) {
		return newFakeSource(8), nil
	}, nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	tr.Stop()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer tr.Stop()

	// Each run gets its own connection and result delivery keeps working.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&state.connects) != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&state.connects); got != 2 {
		t.Fatalf("expected 2 relay connections, got %d", got)
	}
	select {
	case res := <-tr.Results():
		if res.Text != "hello there" {
			t.Fatalf("unexpected result after restart: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result after restart")
	}
}

func TestStartWhileStreamingFails(t *testing.T) {
	state := &relayState{}
	url := startTranscribeRelay(t, state, nil)

	tr := NewTranscription(url, func() (audio.Source, error) {
		return newFakeSource(1), nil
	}, nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer tr.Stop()

	if err := tr.Start(context.Background()); err == nil {
		t.Fatalf("second start while streaming should fail")
	}
}

func TestFramesDroppedUntilReady(t *testing.T) {
	state := &relayState{}
	readyGate := make(chan struct{})
	url := startTranscribeRelay(t, state, readyGate)

	tr := NewTranscription(url, func() (audio.Source, error) {
		return newFakeSource(4), nil
	}, nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer tr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for tr.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Dropped() == 0 {
		t.Fatalf("frames before ready should be dropped, not queued")
	}

	close(readyGate)
}

func TestStopIsIdempotent(t *testing.T) {
	state := &relayState{}
	url := startTranscribeRelay(t, state, nil)

	tr := NewTranscription(url, func() (audio.Source, error) {
		return newFakeSource(1), nil
	}, nil)

	// Stop before any start is a no-op.
	tr.Stop()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	tr.Stop()
	tr.Stop()
}
