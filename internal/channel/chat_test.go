package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startChatRelay runs a relay that echoes messages as new-message and
// answers a typing signal with a typing signal from "Pat".
func startChatRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env chatEnvelope
			if json.Unmarshal(payload, &env) != nil {
				continue
			}

			switch env.Type {
			case "message":
				out, _ := json.Marshal(chatEnvelope{Type: "new-message", Data: env.Data})
				_ = conn.WriteMessage(websocket.TextMessage, out)

			case "user-typing", "user-stopped-typing":
				// Echo the sender's own signal, then Pat's counterpart.
				_ = conn.WriteMessage(websocket.TextMessage, payload)
				pat, _ := json.Marshal(chatTypingData{Sender: "Pat"})
				out, _ := json.Marshal(chatEnvelope{Type: env.Type, Data: pat})
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func nextEvent(t *testing.T, chat *Chat) ChatEvent {
	t.Helper()
	select {
	case ev, ok := <-chat.Events():
		if !ok {
			t.Fatalf("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chat event")
		return ChatEvent{}
	}
}

func TestSendAssignsUniqueIDsAndEchoes(t *testing.T) {
	chat := NewChat("room-1", "You", nil)
	defer chat.Close()

	if err := chat.Connect(context.Background(), startChatRelay(t)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	first, err := chat.Send("hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	second, err := chat.Send("again")
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}

	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("messages need unique non-empty IDs, got %q and %q", first.ID, second.ID)
	}
	if first.RoomKey != "room-1" || first.Sender != "You" {
		t.Fatalf("unexpected message envelope: %+v", first)
	}

	ev := nextEvent(t, chat)
	if ev.Kind != ChatEventMessage {
		t.Fatalf("expected message event, got %s", ev.Kind)
	}
	if ev.Message.ID != first.ID {
		t.Fatalf("relay echo should carry the original ID, got %q want %q", ev.Message.ID, first.ID)
	}
}

func TestTypingFiltersOwnSender(t *testing.T) {
	chat := NewChat("room-1", "You", nil)
	defer chat.Close()

	if err := chat.Connect(context.Background(), startChatRelay(t)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	chat.SendTyping()

	// The relay echoes our own signal first; only Pat's may surface.
	ev := nextEvent(t, chat)
	if ev.Kind != ChatEventTyping || ev.Sender != "Pat" {
		t.Fatalf("expected Pat typing, got kind=%s sender=%s", ev.Kind, ev.Sender)
	}

	chat.SendStoppedTyping()
	ev = nextEvent(t, chat)
	if ev.Kind != ChatEventStoppedTyping || ev.Sender != "Pat" {
		t.Fatalf("expected Pat stopped typing, got kind=%s sender=%s", ev.Kind, ev.Sender)
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the typing expiry")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		pat, _ := json.Marshal(chatTypingData{Sender: "Pat"})
		out, _ := json.Marshal(chatEnvelope{Type: "user-typing", Data: pat})
		_ = conn.WriteMessage(websocket.TextMessage, out)

		// Keep the connection open; never send stopped-typing.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	chat := NewChat("room-1", "You", nil)
	defer chat.Close()

	if err := chat.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ev := nextEvent(t, chat)
	if ev.Kind != ChatEventTyping {
		t.Fatalf("expected typing event, got %s", ev.Kind)
	}

	select {
	case ev := <-chat.Events():
		if ev.Kind != ChatEventStoppedTyping || ev.Sender != "Pat" {
			t.Fatalf("expected synthetic stopped-typing, got %+v", ev)
		}
	case <-time.After(typingExpiry + 2*time.Second):
		t.Fatalf("typing indicator never expired")
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	chat := NewChat("room-1", "You", nil)
	defer chat.Close()

	if _, err := chat.Send("hello"); err == nil {
		t.Fatalf("send without a connection should fail")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	chat := NewChat("room-1", "You", nil)

	if err := chat.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := chat.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if _, ok := <-chat.Events(); ok {
		t.Fatalf("event stream should be closed")
	}
}
