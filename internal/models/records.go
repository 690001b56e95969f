package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConsultationRecord is the persistent trace of a consultation room,
// written when the room is created and completed by the post-call
// summary endpoint.
type ConsultationRecord struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	RoomKey         string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"room_key"`
	ClinicianName   string    `gorm:"type:varchar(100)" json:"clinician_name"`
	PatientName     string    `gorm:"type:varchar(100)" json:"patient_name"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	EmergencyFlag   bool      `json:"emergency_flag"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r *ConsultationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// PushSubscription holds a clinician's web push endpoint for emergency
// alert notifications.
type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserName  string    `gorm:"type:varchar(100);not null;index" json:"user_name"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
