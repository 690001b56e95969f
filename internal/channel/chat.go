// Package channel implements the session's two realtime streams: the
// room-scoped chat relay and the transcription relay. The two are
// independently connected; failure of one never affects the other.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/models"
)

const (
	chatWriteWait  = 10 * time.Second
	chatPongWait   = 70 * time.Second
	chatPingPeriod = 30 * time.Second

	// typingExpiry retires a peer's typing indicator when no refresh
	// arrives in time.
	typingExpiry = 3 * time.Second
)

type ChatEventKind string

const (
	ChatEventMessage       ChatEventKind = "message"
	ChatEventTyping        ChatEventKind = "typing"
	ChatEventStoppedTyping ChatEventKind = "stopped-typing"
)

// ChatEvent is one inbound item from the chat relay.
type ChatEvent struct {
	Kind    ChatEventKind
	Message models.ChatMessage
	Sender  string
}

type chatEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type chatTypingData struct {
	Sender string `json:"sender"`
}

// Chat is the client side of the chat relay.
type Chat struct {
	logger  *slog.Logger
	roomKey string
	sender  string

	events chan ChatEvent

	mu           sync.Mutex
	conn         *websocket.Conn
	send         chan []byte
	closed       bool
	typingTimers map[string]*time.Timer

	closeOnce sync.Once
}

func NewChat(roomKey, sender string, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		logger:       logger,
		roomKey:      roomKey,
		sender:       sender,
		events:       make(chan ChatEvent, 32),
		typingTimers: make(map[string]*time.Timer),
	}
}

func (c *Chat) Events() <-chan ChatEvent {
	return c.events
}

// Connect dials the relay and starts the pumps.
func (c *Chat) Connect(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("chat channel closed")
	}
	c.conn = conn
	c.send = make(chan []byte, 32)
	c.mu.Unlock()

	go c.writePump(conn, c.send)
	go c.readPump(conn)
	return nil
}

// Send publishes a message to the relay. The returned message carries
// the generated ID so the caller can append it locally and let receipt
// deduplication drop the relay echo.
func (c *Chat) Send(text string) (models.ChatMessage, error) {
	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		RoomKey:   c.roomKey,
		Sender:    c.sender,
		Text:      text,
		Timestamp: time.Now(),
	}
	if err := c.sendEnvelope("message", msg); err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// SendTyping and SendStoppedTyping are best-effort signals.
func (c *Chat) SendTyping() {
	_ = c.sendEnvelope("user-typing", chatTypingData{Sender: c.sender})
}

func (c *Chat) SendStoppedTyping() {
	_ = c.sendEnvelope("user-stopped-typing", chatTypingData{Sender: c.sender})
}

// Close tears the channel down. Idempotent; safe if never connected.
func (c *Chat) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		for sender, timer := range c.typingTimers {
			timer.Stop()
			delete(c.typingTimers, sender)
		}
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		} else {
			close(c.events)
		}
	})
	return nil
}

func (c *Chat) sendEnvelope(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(chatEnvelope{Type: msgType, Data: raw})
	if err != nil {
		return err
	}

	c.mu.Lock()
	send := c.send
	closed := c.closed
	c.mu.Unlock()
	if closed || send == nil {
		return errors.New("chat channel not connected")
	}

	select {
	case send <- payload:
		return nil
	default:
		c.logger.Warn("chat send buffer full, dropping", "type", msgType)
		return errors.New("chat send buffer full")
	}
}

func (c *Chat) readPump(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		alreadyClosed := c.closed
		c.closed = true
		c.mu.Unlock()
		if !alreadyClosed {
			c.logger.Debug("chat relay disconnected")
		}
		close(c.events)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(chatPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(chatPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env chatEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Debug("chat bad json", "error", err)
			continue
		}

		switch env.Type {
		case "new-message":
			var msg models.ChatMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				continue
			}
			c.deliver(ChatEvent{Kind: ChatEventMessage, Message: msg})

		case "user-typing":
			var data chatTypingData
			_ = json.Unmarshal(env.Data, &data)
			if data.Sender == "" || data.Sender == c.sender {
				continue
			}
			c.refreshTyping(data.Sender)
			c.deliver(ChatEvent{Kind: ChatEventTyping, Sender: data.Sender})

		case "user-stopped-typing":
			var data chatTypingData
			_ = json.Unmarshal(env.Data, &data)
			if data.Sender == "" || data.Sender == c.sender {
				continue
			}
			c.cancelTyping(data.Sender)
			c.deliver(ChatEvent{Kind: ChatEventStoppedTyping, Sender: data.Sender})
		}
	}
}

// refreshTyping re-arms the expiry timer for a peer. When it fires
// without a refresh, a synthetic stopped-typing event is delivered.
func (c *Chat) refreshTyping(sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if timer, ok := c.typingTimers[sender]; ok {
		timer.Reset(typingExpiry)
		return
	}
	c.typingTimers[sender] = time.AfterFunc(typingExpiry, func() {
		c.cancelTyping(sender)
		c.deliver(ChatEvent{Kind: ChatEventStoppedTyping, Sender: sender})
	})
}

func (c *Chat) cancelTyping(sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.typingTimers[sender]; ok {
		timer.Stop()
		delete(c.typingTimers, sender)
	}
}

func (c *Chat) deliver(ev ChatEvent) {
	defer func() { _ = recover() }()
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("chat event dropped, consumer slow", "kind", ev.Kind)
	}
}

func (c *Chat) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(chatPingPeriod)
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
			_ = conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
