package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/store"
)

func newTestHandlers(t *testing.T, cfg *config.Config) (*Handlers, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg == nil {
		cfg = &config.Config{
			JWTSecret:          "test-secret",
			RoomServiceEnabled: true,
		}
	}

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	records := store.NewRecords(db)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := New(cfg, records, nil, nil, nil, logger)
	h.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }

	router := gin.New()
	api := router.Group("/api")
	api.POST("/sessions", h.CreateSession)
	api.GET("/turn-config", h.GetTURNConfig)
	api.POST("/consultations", h.CreateConsultation)
	api.GET("/consultations/:key", h.GetConsultation)
	api.POST("/consultations/:key/join", h.JoinConsultation)
	api.POST("/consultations/:key/room", h.ProvisionRoom)
	api.POST("/consultations/:key/end", h.EndConsultation)
	api.POST("/consultations/:key/summary", h.SaveSummary)
	api.POST("/push/subscribe", h.Subscribe)
	api.POST("/push/unsubscribe", h.Unsubscribe)

	return h, router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func sessionToken(t *testing.T, router *gin.Engine, name, role string) string {
	t.Helper()
	rec, body := doJSON(t, router, http.MethodPost, "/api/sessions", "", map[string]string{
		"display_name": name,
		"role":         role,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no token in response: %v", body)
	}
	return token
}

func TestCreateSessionValidatesRole(t *testing.T) {
	_, router := newTestHandlers(t, nil)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/sessions", "", map[string]string{
		"display_name": "Eve",
		"role":         "admin",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role should be rejected, got %d", rec.Code)
	}
}

func TestCreateConsultationRequiresClinician(t *testing.T) {
	_, router := newTestHandlers(t, nil)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/consultations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", rec.Code)
	}

	patientToken := sessionToken(t, router, "Pat", "patient")
	rec, _ = doJSON(t, router, http.MethodPost, "/api/consultations", patientToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("patient creating a room should be 403, got %d", rec.Code)
	}
}

func TestConsultationLifecycle(t *testing.T) {
	h, router := newTestHandlers(t, nil)

	clinician := sessionToken(t, router, "Dr. Adams", "clinician")
	patient := sessionToken(t, router, "Pat", "patient")

	rec, body := doJSON(t, router, http.MethodPost, "/api/consultations", clinician, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create consultation: status %d body %s", rec.Code, rec.Body.String())
	}
	key, _ := body["key"].(string)
	if key == "" {
		t.Fatalf("no key in response: %v", body)
	}
	if body["status"] != "waiting" {
		t.Fatalf("new room should be waiting, got %v", body["status"])
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/join", patient, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("join: status %d body %s", rec.Code, rec.Body.String())
	}
	if peerID, _ := body["peer_id"].(string); peerID == "" {
		t.Fatalf("join should hand out a peer id: %v", body)
	}

	rec, body = doJSON(t, router, http.MethodGet, "/api/consultations/"+key, clinician, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	if body["status"] != "active" {
		t.Fatalf("room should be active after patient join, got %v", body["status"])
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/room", clinician, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("provision: status %d body %s", rec.Code, rec.Body.String())
	}
	roomURL, _ := body["room_url"].(string)
	if !strings.Contains(roomURL, "/ws/room?key="+key) {
		t.Fatalf("unexpected room url %q", roomURL)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/summary", clinician, map[string]any{
		"duration_seconds": 754,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: status %d body %s", rec.Code, rec.Body.String())
	}
	record, err := h.records.GetByRoomKey(key)
	if err != nil {
		t.Fatalf("lookup record: %v", err)
	}
	if record.DurationSeconds != 754 {
		t.Fatalf("duration not persisted, got %d", record.DurationSeconds)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/end", clinician, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end: status %d", rec.Code)
	}
	rec, _ = doJSON(t, router, http.MethodGet, "/api/consultations/"+key, clinician, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ended room should be gone, got %d", rec.Code)
	}
}

func TestSecondPatientRejected(t *testing.T) {
	_, router := newTestHandlers(t, nil)

	clinician := sessionToken(t, router, "Dr. Adams", "clinician")
	_, body := doJSON(t, router, http.MethodPost, "/api/consultations", clinician, nil)
	key, _ := body["key"].(string)

	first := sessionToken(t, router, "Pat", "patient")
	if rec, _ := doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/join", first, nil); rec.Code != http.StatusOK {
		t.Fatalf("first join failed: %d", rec.Code)
	}

	second := sessionToken(t, router, "Sam", "patient")
	rec, _ := doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/join", second, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second patient should get 409, got %d", rec.Code)
	}
}

func TestProvisionRoomDemoMode(t *testing.T) {
	cfg := &config.Config{
		JWTSecret:          "test-secret",
		RoomServiceEnabled: false,
	}
	_, router := newTestHandlers(t, cfg)

	clinician := sessionToken(t, router, "Dr. Adams", "clinician")
	_, body := doJSON(t, router, http.MethodPost, "/api/consultations", clinician, nil)
	key, _ := body["key"].(string)

	rec, body := doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/room", clinician, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("provision: status %d", rec.Code)
	}
	if demo, _ := body["demo"].(bool); !demo {
		t.Fatalf("room service disabled should yield demo=true, got %v", body)
	}
	if _, hasURL := body["room_url"]; hasURL {
		t.Fatalf("demo mode must not hand out a room url: %v", body)
	}
}

func TestSummaryRejectsNegativeDuration(t *testing.T) {
	_, router := newTestHandlers(t, nil)

	clinician := sessionToken(t, router, "Dr. Adams", "clinician")
	_, body := doJSON(t, router, http.MethodPost, "/api/consultations", clinician, nil)
	key, _ := body["key"].(string)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/consultations/"+key+"/summary", clinician, map[string]any{
		"duration_seconds": -5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative duration should be 400, got %d", rec.Code)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	_, router := newTestHandlers(t, nil)

	clinician := sessionToken(t, router, "Dr. Adams", "clinician")

	// Never subscribed: still fine.
	rec, _ := doJSON(t, router, http.MethodPost, "/api/push/unsubscribe", clinician, map[string]any{
		"endpoint": "https://push.example.com/ep-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe of unknown endpoint should be 200, got %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/push/subscribe", clinician, map[string]any{
		"endpoint": "https://push.example.com/ep-1",
		"keys":     map[string]string{"p256dh": "pk", "auth": "ak"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe failed: status %d body %s", rec.Code, rec.Body.String())
	}

	for i := 0; i < 2; i++ {
		rec, _ = doJSON(t, router, http.MethodPost, "/api/push/unsubscribe", clinician, map[string]any{
			"endpoint": "https://push.example.com/ep-1",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("unsubscribe attempt %d: status %d", i+1, rec.Code)
		}
	}
}

func TestTURNConfigWithoutServer(t *testing.T) {
	_, router := newTestHandlers(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/turn-config", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("turn-config: status %d", rec.Code)
	}
	var body struct {
		ICEServers []any `json:"iceServers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 0 {
		t.Fatalf("no TURN server configured, expected empty list")
	}
}
