package media

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/models"
)

const (
	roomWriteWait  = 10 * time.Second
	roomPongWait   = 70 * time.Second
	roomPingPeriod = 30 * time.Second
)

type roomEnvelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type roomJoinData struct {
	DisplayName string `json:"display_name"`
}

type roomJoinedData struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

type roomQualityData struct {
	Threshold string `json:"threshold"`
}

type roomMediaStateData struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type roomErrorData struct {
	Message string `json:"message"`
}

// RoomAdapter speaks the room service's JSON envelope protocol over a
// websocket. Construction does not connect; Join dials.
type RoomAdapter struct {
	logger *slog.Logger
	dialer *websocket.Dialer
	events chan Event

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	selfPeer string
	selfName string
	audioOn  bool
	videoOn  bool
	closing  bool

	closeEvents sync.Once
	destroyOnce sync.Once
}

func NewRoomAdapter(logger *slog.Logger) *RoomAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomAdapter{
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		events:  make(chan Event, 32),
		audioOn: true,
		videoOn: true,
	}
}

func (a *RoomAdapter) Events() <-chan Event {
	return a.events
}

// Join dials the room websocket and sends the join request. The joined
// event arrives asynchronously on Events.
func (a *RoomAdapter) Join(ctx context.Context, roomURL, displayName string) error {
	a.emit(Event{Type: EventLoading})

	conn, _, err := a.dialer.DialContext(ctx, roomURL, nil)
	if err != nil {
		a.logger.Warn("room dial failed", "room_url", roomURL, "error", err)
		a.emit(Event{Type: EventError, Err: err})
		return err
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		_ = conn.Close()
		return errors.New("adapter destroyed")
	}
	a.conn = conn
	a.send = make(chan []byte, 32)
	a.selfName = displayName
	a.mu.Unlock()

	a.emit(Event{Type: EventLoaded})

	go a.writePump(conn, a.send)
	go a.readPump(conn)

	a.sendEnvelope("join", roomJoinData{DisplayName: displayName})
	return nil
}

// Leave requests a graceful exit. Safe if never joined.
func (a *RoomAdapter) Leave() error {
	a.mu.Lock()
	conn := a.conn
	a.closing = true
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	a.sendEnvelope("leave", nil)
	return conn.Close()
}

// Destroy tears the adapter down and closes the event stream. Calling
// it twice, or without a prior Join, is a no-op.
func (a *RoomAdapter) Destroy() {
	a.destroyOnce.Do(func() {
		a.mu.Lock()
		a.closing = true
		conn := a.conn
		a.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		} else {
			// No read pump running to close the stream for us.
			a.closeEvents.Do(func() { close(a.events) })
		}
	})
}

func (a *RoomAdapter) SetLocalAudio(enabled bool) {
	a.mu.Lock()
	a.audioOn = enabled
	state := roomMediaStateData{Audio: a.audioOn, Video: a.videoOn}
	a.mu.Unlock()
	a.sendEnvelope("media-state", state)
}

func (a *RoomAdapter) SetLocalVideo(enabled bool) {
	a.mu.Lock()
	a.videoOn = enabled
	state := roomMediaStateData{Audio: a.audioOn, Video: a.videoOn}
	a.mu.Unlock()
	a.sendEnvelope("media-state", state)
}

// SendAppMessage relays a chat message over the room side-channel.
// Best-effort: failures are logged, never surfaced.
func (a *RoomAdapter) SendAppMessage(msg models.ChatMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		a.logger.Warn("app-message marshal failed", "error", err)
		return
	}
	a.sendEnvelope("app-message", json.RawMessage(payload))
}

func (a *RoomAdapter) sendEnvelope(msgType string, data any) {
	env := roomEnvelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			a.logger.Warn("room envelope marshal failed", "type", msgType, "error", err)
			return
		}
		env.Data = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}

	a.mu.Lock()
	send := a.send
	a.mu.Unlock()
	if send == nil {
		a.logger.Debug("room envelope dropped, not connected", "type", msgType)
		return
	}

	select {
	case send <- payload:
	default:
		a.logger.Warn("room send buffer full, dropping", "type", msgType)
	}
}

func (a *RoomAdapter) readPump(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		a.closeEvents.Do(func() { close(a.events) })
	}()

	_ = conn.SetReadDeadline(time.Now().Add(roomPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(roomPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			if closing {
				a.emit(Event{Type: EventLeft})
			} else {
				a.logger.Warn("room read error", "error", err)
				a.emit(Event{Type: EventError, Err: err})
			}
			return
		}

		var env roomEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			a.logger.Debug("room bad json", "error", err)
			continue
		}
		a.handleEnvelope(env)
	}
}

func (a *RoomAdapter) handleEnvelope(env roomEnvelope) {
	switch env.Type {
	case "joined":
		var data roomJoinedData
		_ = json.Unmarshal(env.Data, &data)
		a.mu.Lock()
		a.selfPeer = data.PeerID
		a.mu.Unlock()
		a.emit(Event{Type: EventJoined})

	case "left":
		a.mu.Lock()
		a.closing = true
		a.mu.Unlock()
		a.emit(Event{Type: EventLeft})

	case "error":
		var data roomErrorData
		_ = json.Unmarshal(env.Data, &data)
		a.logger.Warn("room reported error", "message", data.Message)
		a.emit(Event{Type: EventError, Err: errors.New(data.Message)})

	case "network-quality":
		var data roomQualityData
		_ = json.Unmarshal(env.Data, &data)
		a.emit(Event{Type: EventNetworkQuality, Quality: QualityFromThreshold(data.Threshold)})

	case "participant-updated":
		// Only the local participant's state is reconciled.
		a.mu.Lock()
		self := a.selfPeer
		a.mu.Unlock()
		if env.From == "" || env.From != self {
			return
		}
		var data roomMediaStateData
		_ = json.Unmarshal(env.Data, &data)
		a.emit(Event{Type: EventParticipantUpdated, AudioOn: data.Audio, VideoOn: data.Video})

	case "app-message":
		var msg models.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		a.mu.Lock()
		if env.From != "" && env.From == a.selfPeer {
			msg.Sender = "You"
		}
		a.mu.Unlock()
		a.emit(Event{Type: EventAppMessage, Message: msg})
	}
}

func (a *RoomAdapter) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(roomPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(roomWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(roomWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// emit delivers an event unless the stream is already closed.
func (a *RoomAdapter) emit(ev Event) {
	defer func() { _ = recover() }()
	select {
	case a.events <- ev:
	default:
		a.logger.Debug("adapter event dropped, consumer slow", "type", ev.Type)
	}
}
