package models

import "time"

// SessionMode is the state of a client-side consultation session.
type SessionMode string

const (
	ModeProvisioning  SessionMode = "provisioning"
	ModeConnecting    SessionMode = "connecting"
	ModeLiveRemote    SessionMode = "live"
	ModeLocalFallback SessionMode = "fallback"
	ModeEnded         SessionMode = "ended"
)

// NetworkQuality is the binary signal surfaced to the session UI. The
// room service reports a finer-grained threshold; anything at or below
// "low" collapses to Poor.
type NetworkQuality string

const (
	QualityGood NetworkQuality = "good"
	QualityPoor NetworkQuality = "poor"
)

// ChatMessage is one entry of the shared, append-only chat timeline.
// ID is generated by the sender so the receiving side can drop the same
// message arriving over both the chat relay and the room side-channel.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomKey   string    `json:"room_key"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptEntry is a finalized speech-recognition segment. Interim
// results are never stored as entries.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Time    string `json:"time"`
}

// AlertSeverity grades an emergency keyword match.
type AlertSeverity string

const (
	SeverityModerate AlertSeverity = "moderate"
	SeverityCritical AlertSeverity = "critical"
)

// EmergencyAlert is derived from a single transcript segment. It is not
// persisted; the session holds at most the most recent one.
type EmergencyAlert struct {
	IsEmergency      bool          `json:"is_emergency"`
	DetectedKeywords []string      `json:"detected_keywords,omitempty"`
	Severity         AlertSeverity `json:"severity,omitempty"`
	Message          string        `json:"message,omitempty"`
}
