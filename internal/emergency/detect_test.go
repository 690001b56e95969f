package emergency

import (
	"slices"
	"testing"

	"github.com/healthsync/healthsync/internal/models"
)

func TestDetectCriticalPhrases(t *testing.T) {
	alert := Detect("I have chest pain and can't breathe")

	if !alert.IsEmergency {
		t.Fatalf("expected emergency, got %+v", alert)
	}
	if alert.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", alert.Severity)
	}
	if !slices.Contains(alert.DetectedKeywords, "chest pain") {
		t.Fatalf("expected 'chest pain' in keywords, got %v", alert.DetectedKeywords)
	}
	if !slices.Contains(alert.DetectedKeywords, "can't breathe") {
		t.Fatalf("expected \"can't breathe\" in keywords, got %v", alert.DetectedKeywords)
	}
}

func TestDetectModeratePhrase(t *testing.T) {
	alert := Detect("my heart racing won't stop")

	if !alert.IsEmergency {
		t.Fatalf("expected emergency, got %+v", alert)
	}
	if alert.Severity != models.SeverityModerate {
		t.Fatalf("expected moderate severity, got %s", alert.Severity)
	}
}

func TestDetectNoMatch(t *testing.T) {
	alert := Detect("I have a mild headache")

	if alert.IsEmergency {
		t.Fatalf("expected no emergency, got %+v", alert)
	}
	if len(alert.DetectedKeywords) != 0 {
		t.Fatalf("expected no keywords, got %v", alert.DetectedKeywords)
	}
}

func TestDetectCaseInsensitive(t *testing.T) {
	alert := Detect("HEART ATTACK happening right now")

	if !alert.IsEmergency || alert.Severity != models.SeverityCritical {
		t.Fatalf("expected critical emergency, got %+v", alert)
	}
}

func TestDetectReportsAllMatchesInListOrder(t *testing.T) {
	alert := Detect("he fainted after the seizure and now he is not responding")

	// Consciousness keywords precede seizure keywords in the curated list.
	want := []string{"fainted", "not responding", "seizure"}
	if !slices.Equal(alert.DetectedKeywords, want) {
		t.Fatalf("expected %v, got %v", want, alert.DetectedKeywords)
	}
}
