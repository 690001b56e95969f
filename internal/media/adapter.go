// Package media wraps the remote video room service and the local
// capture devices used when the room cannot be reached.
package media

import (
	"context"

	"github.com/healthsync/healthsync/internal/models"
)

type EventType string

const (
	// EventLoading and EventLoaded bracket transport setup so the UI can
	// drop its spinner as soon as the room starts rendering, before the
	// join completes.
	EventLoading EventType = "loading"
	EventLoaded  EventType = "loaded"

	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
	EventError  EventType = "error"

	EventNetworkQuality     EventType = "network-quality"
	EventParticipantUpdated EventType = "participant-updated"
	EventAppMessage         EventType = "app-message"
)

// Event is one item of the adapter's outbound stream. Only the fields
// relevant to Type are set.
type Event struct {
	Type    EventType
	Err     error
	Quality models.NetworkQuality
	AudioOn bool
	VideoOn bool
	Message models.ChatMessage
}

// Adapter is the session's view of the room service. Join resolves when
// the join request has been sent; completion is signaled by EventJoined.
// Leave and Destroy are safe to call even if the adapter never joined.
type Adapter interface {
	Join(ctx context.Context, roomURL, displayName string) error
	Leave() error
	Destroy()
	SetLocalAudio(enabled bool)
	SetLocalVideo(enabled bool)
	SendAppMessage(msg models.ChatMessage)
	Events() <-chan Event
}

// QualityFromThreshold collapses the room service's multi-level signal
// to the binary value the session tracks.
func QualityFromThreshold(threshold string) models.NetworkQuality {
	switch threshold {
	case "low", "very-low":
		return models.QualityPoor
	default:
		return models.QualityGood
	}
}
