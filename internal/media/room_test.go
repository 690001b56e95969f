package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/models"
)

var roomTestUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startRoomService answers a join with joined and then plays back the
// scripted envelopes.
func startRoomService(t *testing.T, script []roomEnvelope) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := roomTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		write := func(env roomEnvelope) {
			payload, _ := json.Marshal(env)
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env roomEnvelope
			if json.Unmarshal(payload, &env) != nil {
				continue
			}
			if env.Type != "join" {
				continue
			}

			joined, _ := json.Marshal(roomJoinedData{PeerID: "self-peer", Role: "clinician"})
			write(roomEnvelope{Type: "joined", Data: joined})
			for _, scripted := range script {
				write(scripted)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collectEvents(t *testing.T, adapter *RoomAdapter, until EventType) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-adapter.Events():
			if !ok {
				t.Fatalf("event stream closed before %s (got %+v)", until, events)
			}
			events = append(events, ev)
			if ev.Type == until {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %+v", until, events)
		}
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestJoinEmitsLoadingLoadedJoined(t *testing.T) {
	adapter := NewRoomAdapter(nil)
	defer adapter.Destroy()

	url := startRoomService(t, nil)
	if err := adapter.Join(context.Background(), url, "Dr. Adams"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	events := collectEvents(t, adapter, EventJoined)
	if events[0].Type != EventLoading {
		t.Fatalf("first event should be loading, got %s", events[0].Type)
	}

	sawLoaded := false
	for _, ev := range events {
		if ev.Type == EventLoaded {
			sawLoaded = true
		}
	}
	if !sawLoaded {
		t.Fatalf("expected a loaded event before joined, got %+v", events)
	}
}

func TestJoinDialFailureEmitsError(t *testing.T) {
	adapter := NewRoomAdapter(nil)
	defer adapter.Destroy()

	err := adapter.Join(context.Background(), "ws://127.0.0.1:1/ws/room", "Dr. Adams")
	if err == nil {
		t.Fatalf("dial to a dead endpoint should fail")
	}

	events := collectEvents(t, adapter, EventError)
	if events[len(events)-1].Err == nil {
		t.Fatalf("error event should carry the dial error")
	}
}

func TestParticipantUpdatedOnlyForSelf(t *testing.T) {
	adapter := NewRoomAdapter(nil)
	defer adapter.Destroy()

	state := rawJSON(t, roomMediaStateData{Audio: false, Video: true})
	url := startRoomService(t, []roomEnvelope{
		{Type: "participant-updated", From: "other-peer", Data: state},
		{Type: "participant-updated", From: "self-peer", Data: state},
	})

	if err := adapter.Join(context.Background(), url, "Dr. Adams"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	events := collectEvents(t, adapter, EventParticipantUpdated)
	updates := 0
	for _, ev := range events {
		if ev.Type == EventParticipantUpdated {
			updates++
			if ev.AudioOn || !ev.VideoOn {
				t.Fatalf("unexpected media state: %+v", ev)
			}
		}
	}
	if updates != 1 {
		t.Fatalf("only the local participant's update may surface, got %d", updates)
	}
}

func TestAppMessageFromSelfRenamedToYou(t *testing.T) {
	adapter := NewRoomAdapter(nil)
	defer adapter.Destroy()

	mine := rawJSON(t, models.ChatMessage{ID: "m1", Sender: "Dr. Adams", Text: "mine"})
	theirs := rawJSON(t, models.ChatMessage{ID: "m2", Sender: "Pat", Text: "theirs"})
	url := startRoomService(t, []roomEnvelope{
		{Type: "app-message", From: "self-peer", Data: mine},
		{Type: "app-message", From: "other-peer", Data: theirs},
	})

	if err := adapter.Join(context.Background(), url, "Dr. Adams"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var messages []models.ChatMessage
	deadline := time.After(2 * time.Second)
	for len(messages) < 2 {
		select {
		case ev := <-adapter.Events():
			if ev.Type == EventAppMessage {
				messages = append(messages, ev.Message)
			}
		case <-deadline:
			t.Fatalf("timed out, got %+v", messages)
		}
	}

	if messages[0].Sender != "You" {
		t.Fatalf("own relayed message should be renamed to You, got %q", messages[0].Sender)
	}
	if messages[1].Sender != "Pat" {
		t.Fatalf("remote sender must be preserved, got %q", messages[1].Sender)
	}
}

func TestNetworkQualityMapped(t *testing.T) {
	adapter := NewRoomAdapter(nil)
	defer adapter.Destroy()

	url := startRoomService(t, []roomEnvelope{
		{Type: "network-quality", Data: rawJSON(t, roomQualityData{Threshold: "very-low"})},
	})

	if err := adapter.Join(context.Background(), url, "Dr. Adams"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	events := collectEvents(t, adapter, EventNetworkQuality)
	last := events[len(events)-1]
	if last.Quality != models.QualityPoor {
		t.Fatalf("very-low should map to poor quality, got %s", last.Quality)
	}
}

func TestLeaveEmitsLeftAndDestroyCloses(t *testing.T) {
	adapter := NewRoomAdapter(nil)

	url := startRoomService(t, nil)
	if err := adapter.Join(context.Background(), url, "Dr. Adams"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	collectEvents(t, adapter, EventJoined)

	if err := adapter.Leave(); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	collectEvents(t, adapter, EventLeft)

	adapter.Destroy()
	adapter.Destroy()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-adapter.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("event stream should close after destroy")
		}
	}
}

func TestDestroyWithoutJoinClosesEvents(t *testing.T) {
	adapter := NewRoomAdapter(nil)
	adapter.Destroy()

	if _, ok := <-adapter.Events(); ok {
		t.Fatalf("event stream should be closed")
	}
}
