package store

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/healthsync/healthsync/internal/models"
)

// OpenDB opens the sqlite database and migrates the record schema.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.ConsultationRecord{},
		&models.PushSubscription{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

// Records persists consultation summaries and push subscriptions.
type Records struct {
	db *gorm.DB
}

func NewRecords(db *gorm.DB) *Records {
	return &Records{db: db}
}

// CreateConsultation writes the initial record when a room is opened.
func (r *Records) CreateConsultation(roomKey, clinicianName string, now time.Time) (*models.ConsultationRecord, error) {
	rec := &models.ConsultationRecord{
		RoomKey:       roomKey,
		ClinicianName: clinicianName,
		StartedAt:     now,
	}
	if err := r.db.Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// SetPatient fills in the patient once they join.
func (r *Records) SetPatient(roomKey, patientName string) error {
	return r.db.Model(&models.ConsultationRecord{}).
		Where("room_key = ?", roomKey).
		Update("patient_name", patientName).Error
}

// SaveSummary completes the record with the post-call duration.
func (r *Records) SaveSummary(roomKey string, durationSeconds int, endedAt time.Time) error {
	result := r.db.Model(&models.ConsultationRecord{}).
		Where("room_key = ?", roomKey).
		Updates(map[string]any{
			"duration_seconds": durationSeconds,
			"ended_at":         endedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConsultNotFound
	}
	return nil
}

// FlagEmergency marks the record when critical keywords were detected.
func (r *Records) FlagEmergency(roomKey string) error {
	return r.db.Model(&models.ConsultationRecord{}).
		Where("room_key = ?", roomKey).
		Update("emergency_flag", true).Error
}

// GetByRoomKey loads one record.
func (r *Records) GetByRoomKey(roomKey string) (*models.ConsultationRecord, error) {
	var rec models.ConsultationRecord
	if err := r.db.Where("room_key = ?", roomKey).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrConsultNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ReplaceSubscription keeps a single push subscription per user.
func (r *Records) ReplaceSubscription(userName, endpoint, p256dh, auth string) (*models.PushSubscription, error) {
	if err := r.db.Where("user_name = ?", userName).
		Delete(&models.PushSubscription{}).Error; err != nil {
		return nil, err
	}
	sub := &models.PushSubscription{
		UserName: userName,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := r.db.Create(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteSubscription removes a subscription by endpoint.
func (r *Records) DeleteSubscription(userName, endpoint string) error {
	result := r.db.Where("user_name = ? AND endpoint = ?", userName, endpoint).
		Delete(&models.PushSubscription{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SubscriptionsFor lists a user's push subscriptions.
func (r *Records) SubscriptionsFor(userName string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	if err := r.db.Where("user_name = ?", userName).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// DropSubscription removes a subscription that the push service
// reported as gone.
func (r *Records) DropSubscription(id string) {
	r.db.Delete(&models.PushSubscription{}, "id = ?", id)
}
