package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecords(t *testing.T) *Records {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return NewRecords(db)
}

func TestSummaryPersistsDuration(t *testing.T) {
	records := newTestRecords(t)
	base := time.Unix(1_700_000_000, 0)

	if _, err := records.CreateConsultation("room-1", "Dr. Adams", base); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := records.SetPatient("room-1", "Pat"); err != nil {
		t.Fatalf("set patient: %v", err)
	}

	endedAt := base.Add(12 * time.Minute)
	if err := records.SaveSummary("room-1", 720, endedAt); err != nil {
		t.Fatalf("save summary: %v", err)
	}

	record, err := records.GetByRoomKey("room-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.DurationSeconds != 720 {
		t.Fatalf("expected 720 seconds, got %d", record.DurationSeconds)
	}
	if record.PatientName != "Pat" {
		t.Fatalf("patient name not persisted, got %q", record.PatientName)
	}
	if record.EmergencyFlag {
		t.Fatalf("emergency flag should default to false")
	}

	if err := records.FlagEmergency("room-1"); err != nil {
		t.Fatalf("flag emergency: %v", err)
	}
	record, _ = records.GetByRoomKey("room-1")
	if !record.EmergencyFlag {
		t.Fatalf("emergency flag not persisted")
	}
}

func TestSummaryForUnknownRoom(t *testing.T) {
	records := newTestRecords(t)

	err := records.SaveSummary("missing", 10, time.Unix(1_700_000_000, 0))
	if !errors.Is(err, ErrConsultNotFound) {
		t.Fatalf("expected ErrConsultNotFound, got %v", err)
	}
}

func TestReplaceSubscriptionKeepsOnePerUser(t *testing.T) {
	records := newTestRecords(t)

	first, err := records.ReplaceSubscription("Dr. Adams", "https://push/1", "p256dh-1", "auth-1")
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	second, err := records.ReplaceSubscription("Dr. Adams", "https://push/2", "p256dh-2", "auth-2")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("replacement should create a fresh row")
	}

	subs, err := records.SubscriptionsFor("Dr. Adams")
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push/2" {
		t.Fatalf("expected only the newest subscription, got %+v", subs)
	}

	if err := records.DeleteSubscription("Dr. Adams", "https://push/2"); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	subs, _ = records.SubscriptionsFor("Dr. Adams")
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after delete, got %d", len(subs))
	}
}
