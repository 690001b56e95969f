package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/audio"
)

const deepgramDefaultURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams audio to Deepgram's realtime transcription API.
type Deepgram struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *slog.Logger
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramSession struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	results chan Result

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Start opens the streaming websocket. The wire format is fixed:
// linear16, 16 kHz, mono.
func (d *Deepgram) Start(ctx context.Context) (Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := d.BaseURL
	if base == "" {
		base = deepgramDefaultURL
	}
	model := d.Model
	if model == "" {
		model = "nova-2"
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("recognizer url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", audio.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", audio.Channels))
	q.Set("interim_results", "true")
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Token "+d.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}

	sess := &deepgramSession{
		conn:    conn,
		logger:  logger,
		results: make(chan Result, 32),
	}
	go sess.readLoop()
	return sess, nil
}

func (s *deepgramSession) Write(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramSession) Results() <-chan Result {
	return s.results
}

// Close asks the engine to flush pending results and tears the stream
// down. Idempotent.
func (s *deepgramSession) Close() error {
	s.closeOnce.Do(func() {
		finish, _ := json.Marshal(map[string]string{"type": "CloseStream"})
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = s.conn.WriteMessage(websocket.TextMessage, finish)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *deepgramSession) readLoop() {
	defer close(s.results)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			s.logger.Debug("recognizer bad json", "error", err)
			continue
		}
		if resp.Type != "" && resp.Type != "Results" {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}

		select {
		case s.results <- Result{
			Text:    resp.Channel.Alternatives[0].Transcript,
			IsFinal: resp.IsFinal,
		}:
		default:
			s.logger.Warn("recognizer result dropped, consumer slow")
		}
	}
}
