package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/channel"
	"github.com/healthsync/healthsync/internal/emergency"
	"github.com/healthsync/healthsync/internal/models"
	"github.com/healthsync/healthsync/internal/recognizer"
	"github.com/healthsync/healthsync/internal/store"
)

type transcribeEnvelope struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TranscribeWS bridges one participant's audio stream to the speech
// recognizer. Binary frames are 16 kHz mono s16le PCM; results go back
// as transcription-data envelopes. Final transcripts are additionally
// screened for emergency keywords.
func (h *Handlers) TranscribeWS(c *gin.Context) {
	identity, err := h.identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	consult, err := h.consults.GetByKey(key, h.nowFn())
	if err != nil {
		switch err {
		case store.ErrConsultNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "consultation not found"})
		case store.ErrConsultEnded:
			c.JSON(http.StatusConflict, gin.H{"error": "consultation ended"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	if h.recognizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transcription is not configured"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("transcribe ws upgrade failed", "key", key, "error", err)
		return
	}

	bridge := &transcribeBridge{
		handlers:      h,
		conn:          conn,
		key:           key,
		speaker:       identity.Name,
		clinicianName: consult.Clinician.DisplayName,
	}
	bridge.loop(c)
}

type transcribeBridge struct {
	handlers      *Handlers
	conn          *websocket.Conn
	key           string
	speaker       string
	clinicianName string

	writeMu sync.Mutex

	mu      sync.Mutex
	session recognizer.Session
	dropped int
}

func (b *transcribeBridge) loop(c *gin.Context) {
	h := b.handlers
	defer func() {
		_ = b.conn.Close()
		b.closeSession()
	}()

	_ = b.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	b.conn.SetPongHandler(func(string) error {
		_ = b.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		msgType, payload, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		// Treat any inbound traffic as liveness; the client does not
		// answer protocol pings while streaming audio.
		_ = b.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if msgType == websocket.BinaryMessage {
			b.forwardFrame(payload)
			continue
		}

		var env transcribeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}

		switch env.Type {
		case "start-stream":
			b.mu.Lock()
			active := b.session != nil
			b.mu.Unlock()
			if active {
				b.writeEnvelope(transcribeEnvelope{Type: "error", Message: "stream already started"})
				continue
			}

			sess, err := h.recognizer.Start(c.Request.Context())
			if err != nil {
				h.logger.Error("recognizer start failed", "key", b.key, "error", err)
				b.writeEnvelope(transcribeEnvelope{Type: "error", Message: "recognizer unavailable"})
				continue
			}

			b.mu.Lock()
			b.session = sess
			b.dropped = 0
			b.mu.Unlock()

			go b.forwardResults(sess)
			b.writeEnvelope(transcribeEnvelope{Type: "status", Status: "ready"})

		case "stop-stream":
			b.closeSession()
		}
	}
}

func (b *transcribeBridge) forwardFrame(frame []byte) {
	b.mu.Lock()
	sess := b.session
	if sess == nil {
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		if dropped == 1 || dropped%16 == 0 {
			b.handlers.logger.Warn("audio before start-stream, dropping", "key", b.key, "dropped", dropped)
		}
		return
	}
	b.mu.Unlock()

	if err := sess.Write(frame); err != nil {
		b.handlers.logger.Warn("recognizer write failed", "key", b.key, "error", err)
		b.closeSession()
	}
}

func (b *transcribeBridge) forwardResults(sess recognizer.Session) {
	for res := range sess.Results() {
		b.writeEnvelope(transcribeEnvelope{
			Type: "transcription-data",
			Data: mustJSON(channel.Result{
				Text:    res.Text,
				IsFinal: res.IsFinal,
				Speaker: b.speaker,
			}),
		})

		if res.IsFinal && res.Text != "" {
			b.screenTranscript(res.Text)
		}
	}
}

// screenTranscript runs keyword detection server-side so the on-call
// clinician is paged even when the in-session alert goes unseen.
func (b *transcribeBridge) screenTranscript(text string) {
	alert := emergency.Detect(text)
	if !alert.IsEmergency || alert.Severity != models.SeverityCritical {
		return
	}

	h := b.handlers
	h.logger.Warn("critical keywords in transcript",
		"key", b.key,
		"keywords", alert.DetectedKeywords,
	)
	if err := h.records.FlagEmergency(b.key); err != nil {
		h.logger.Error("flag emergency", "key", b.key, "error", err)
	}
	if h.notifier != nil {
		h.notifier.EmergencyDetected(b.clinicianName, b.key, alert)
	}
}

func (b *transcribeBridge) closeSession() {
	b.mu.Lock()
	sess := b.session
	b.session = nil
	b.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (b *transcribeBridge) writeEnvelope(env transcribeEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = b.conn.WriteMessage(websocket.TextMessage, payload)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
