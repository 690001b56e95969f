// Package emergency classifies transcript text against a curated list
// of medical-emergency phrases. Detection is a pure function; the caller
// decides how to surface and retire alerts.
package emergency

import (
	"strings"

	"github.com/healthsync/healthsync/internal/models"
)

// keywords is the curated phrase list, grouped by symptom class. Order
// matters: DetectedKeywords reports matches in the order below.
var keywords = []string{
	// cardiac
	"heart attack",
	"cardiac arrest",
	"chest pain",
	"chest tightness",
	"heart racing",
	"palpitations",
	// respiratory
	"can't breathe",
	"cannot breathe",
	"difficulty breathing",
	"shortness of breath",
	"choking",
	"suffocating",
	// neurological / stroke
	"stroke",
	"face drooping",
	"slurred speech",
	"sudden numbness",
	"paralysis",
	// loss of consciousness
	"unconscious",
	"passed out",
	"fainted",
	"not responding",
	"unresponsive",
	// bleeding
	"bleeding heavily",
	"severe bleeding",
	"losing a lot of blood",
	"hemorrhage",
	// seizure
	"seizure",
	"convulsions",
	"shaking uncontrollably",
	// poisoning
	"overdose",
	"poisoned",
	"swallowed something",
	// self-harm
	"suicide",
	"kill myself",
	"hurt myself",
	"end my life",
	// generic
	"emergency",
	"call 911",
	"dying",
	"help me please",
}

// critical is the subset of keywords that escalates severity.
var critical = map[string]struct{}{
	"heart attack":   {},
	"cardiac arrest": {},
	"stroke":         {},
	"unconscious":    {},
	"not responding": {},
	"can't breathe":  {},
	"dying":          {},
}

// Detect scans text for emergency phrases using case-insensitive
// substring matching. It is stateless and side-effect-free.
func Detect(text string) models.EmergencyAlert {
	lower := strings.ToLower(text)

	var matched []string
	severity := models.SeverityModerate
	for _, kw := range keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		matched = append(matched, kw)
		if _, ok := critical[kw]; ok {
			severity = models.SeverityCritical
		}
	}

	if len(matched) == 0 {
		return models.EmergencyAlert{}
	}

	msg := "Possible medical emergency detected. Consider contacting emergency services."
	if severity == models.SeverityCritical {
		msg = "Critical medical emergency detected. Contact emergency services immediately."
	}

	return models.EmergencyAlert{
		IsEmergency:      true,
		DetectedKeywords: matched,
		Severity:         severity,
		Message:          msg,
	}
}
