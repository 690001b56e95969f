package models

import "time"

// ConsultStatus is the lifecycle state of a consultation room.
// Keep values stable because they are part of the public API.
type ConsultStatus string

const (
	ConsultStatusWaiting ConsultStatus = "waiting"
	ConsultStatusActive  ConsultStatus = "active"
	ConsultStatusEnded   ConsultStatus = "ended"
)

// ParticipantRole identifies which side of the consultation a peer is on.
type ParticipantRole string

const (
	RoleClinician ParticipantRole = "clinician"
	RolePatient   ParticipantRole = "patient"
)

type Participant struct {
	PeerID         string    `json:"peer_id"`
	DisplayName    string    `json:"display_name"`
	JoinedAt       time.Time `json:"joined_at"`
	DisconnectedAt time.Time `json:"-"`
	IsPresent      bool      `json:"is_present"`
	ReconnectCount int       `json:"-"`
}

// Consultation is the in-memory room shared by one clinician and one patient.
type Consultation struct {
	Key       string        `json:"key"`
	Status    ConsultStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Clinician Participant   `json:"-"`
	Patient   Participant   `json:"-"`
}

func (c *Consultation) ParticipantsCount() int {
	count := 0
	if c.Clinician.IsPresent {
		count++
	}
	if c.Patient.IsPresent {
		count++
	}
	return count
}

func (c *Consultation) ParticipantByPeer(peerID string) (*Participant, ParticipantRole) {
	switch {
	case peerID != "" && peerID == c.Clinician.PeerID:
		return &c.Clinician, RoleClinician
	case peerID != "" && peerID == c.Patient.PeerID:
		return &c.Patient, RolePatient
	default:
		return nil, ""
	}
}
