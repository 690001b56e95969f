// Package store holds consultation state: live rooms in memory and
// completed consultation records in sqlite.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/healthsync/healthsync/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrConsultNotFound = errors.New("consultation not found")
	ErrConsultFull     = errors.New("consultation already has two participants")
	ErrConsultEnded    = errors.New("consultation already ended")
	ErrInvalidPeer     = errors.New("invalid peer_id")
)

// ConsultStore is the in-memory index of live consultation rooms. Rooms
// expire after consultTTL of inactivity; every successful operation on
// a room extends its lease.
type ConsultStore struct {
	mu              sync.Mutex
	consults        map[string]*models.Consultation
	statusIndex     map[models.ConsultStatus]map[string]struct{}
	consultTTL      time.Duration
	cleanupInterval time.Duration
}

func NewConsultStore() *ConsultStore {
	s := &ConsultStore{
		consults: make(map[string]*models.Consultation),
		statusIndex: map[models.ConsultStatus]map[string]struct{}{
			models.ConsultStatusWaiting: {},
			models.ConsultStatusActive:  {},
		},
		consultTTL:      90 * time.Minute,
		cleanupInterval: 3 * time.Hour,
	}
	go s.cleanupLoop()
	return s
}

// Create opens a new waiting room for the given clinician.
func (s *ConsultStore) Create(clinicianName string, now time.Time) (*models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}

	consult := &models.Consultation{
		Key:       key,
		Status:    models.ConsultStatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.consultTTL),
		Clinician: models.Participant{
			DisplayName: clinicianName,
			JoinedAt:    now,
			IsPresent:   true,
		},
	}

	s.consults[key] = consult
	s.syncStatusIndexLocked(key, models.ConsultStatusWaiting)
	return consult, nil
}

func (s *ConsultStore) GetByKey(key string, now time.Time) (*models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLiveLocked(key, now)
}

func (s *ConsultStore) ListByStatus(status models.ConsultStatus, limit int, now time.Time) []*models.Consultation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(now)

	bucket, ok := s.statusIndex[status]
	if !ok || len(bucket) == 0 {
		return nil
	}

	consults := make([]*models.Consultation, 0, len(bucket))
	for key := range bucket {
		if consult, exists := s.consults[key]; exists {
			consults = append(consults, consult)
		}
	}

	sort.Slice(consults, func(i, j int) bool {
		if consults[i].CreatedAt.Equal(consults[j].CreatedAt) {
			return consults[i].Key < consults[j].Key
		}
		return consults[i].CreatedAt.Before(consults[j].CreatedAt)
	})

	if limit > 0 && len(consults) > limit {
		consults = consults[:limit]
	}
	return consults
}

// JoinPatient seats the patient and activates the room.
func (s *ConsultStore) JoinPatient(key, patientName string, now time.Time) (peerID string, consult *models.Consultation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consult, err = s.loadLiveLocked(key, now)
	if err != nil {
		return "", nil, err
	}

	if consult.Patient.PeerID != "" && consult.Patient.IsPresent {
		return "", consult, ErrConsultFull
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return "", nil, err
	}

	consult.Patient = models.Participant{
		PeerID:      id,
		DisplayName: patientName,
		JoinedAt:    now,
		IsPresent:   true,
	}
	consult.Status = models.ConsultStatusActive
	s.touchLocked(consult, now)
	s.syncStatusIndexLocked(consult.Key, consult.Status)

	return id, consult, nil
}

// EnsureClinicianPeer assigns the clinician's peer id lazily so room
// creation stays free of signaling concerns.
func (s *ConsultStore) EnsureClinicianPeer(key string, now time.Time) (peerID string, consult *models.Consultation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consult, err = s.loadLiveLocked(key, now)
	if err != nil {
		return "", nil, err
	}

	if consult.Clinician.PeerID != "" {
		return consult.Clinician.PeerID, consult, nil
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return "", nil, err
	}

	consult.Clinician.PeerID = id
	consult.Clinician.JoinedAt = now
	consult.Clinician.IsPresent = true
	s.touchLocked(consult, now)

	return id, consult, nil
}

// ValidatePeer checks a returning peer and marks it present again.
func (s *ConsultStore) ValidatePeer(key, peerID string, now time.Time) (role models.ParticipantRole, consult *models.Consultation, reconnected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consult, err = s.loadLiveLocked(key, now)
	if err != nil {
		return "", nil, false, err
	}

	participant, role := consult.ParticipantByPeer(peerID)
	if participant == nil {
		return "", consult, false, ErrInvalidPeer
	}

	reconnected = !participant.IsPresent
	if reconnected {
		participant.ReconnectCount++
	}
	participant.IsPresent = true
	participant.DisconnectedAt = time.Time{}
	s.touchLocked(consult, now)

	return role, consult, reconnected, nil
}

// End marks the consultation ended and removes it, returning a snapshot.
func (s *ConsultStore) End(key string, now time.Time) (*models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consult, exists := s.consults[key]
	if !exists {
		return nil, ErrConsultNotFound
	}

	s.markEndedLocked(consult, now)
	snapshot := *consult
	s.removeLocked(key)

	return &snapshot, nil
}

// MarkPeerDisconnected flags lost presence but keeps the room alive so
// the peer can reconnect after navigating between screens.
func (s *ConsultStore) MarkPeerDisconnected(key, peerID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consult, ok := s.consults[key]
	if !ok {
		return
	}

	participant, _ := consult.ParticipantByPeer(peerID)
	if participant == nil {
		return
	}
	participant.IsPresent = false
	participant.DisconnectedAt = now
	consult.UpdatedAt = now
}

func (s *ConsultStore) loadLiveLocked(key string, now time.Time) (*models.Consultation, error) {
	consult, ok := s.consults[key]
	if !ok {
		return nil, ErrConsultNotFound
	}

	if consult.Status == models.ConsultStatusEnded {
		s.removeLocked(key)
		return nil, ErrConsultEnded
	}

	if !consult.ExpiresAt.IsZero() && now.After(consult.ExpiresAt) {
		s.markEndedLocked(consult, now)
		s.removeLocked(key)
		return nil, ErrConsultEnded
	}

	return consult, nil
}

func (s *ConsultStore) touchLocked(consult *models.Consultation, now time.Time) {
	consult.UpdatedAt = now
	consult.ExpiresAt = now.Add(s.consultTTL)
}

func (s *ConsultStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	for range ticker.C {
		s.mu.Lock()
		s.cleanupExpiredLocked(time.Now())
		s.mu.Unlock()
	}
}

func (s *ConsultStore) cleanupExpiredLocked(now time.Time) {
	for key, consult := range s.consults {
		if consult.Status == models.ConsultStatusEnded {
			s.removeLocked(key)
			continue
		}
		if !consult.ExpiresAt.IsZero() && now.After(consult.ExpiresAt) {
			s.markEndedLocked(consult, now)
			s.removeLocked(key)
		}
	}
}

func (s *ConsultStore) markEndedLocked(consult *models.Consultation, now time.Time) {
	consult.Status = models.ConsultStatusEnded
	consult.UpdatedAt = now
	consult.ExpiresAt = now
	consult.Clinician.IsPresent = false
	consult.Patient.IsPresent = false
}

func (s *ConsultStore) removeLocked(key string) {
	delete(s.consults, key)
	s.untrackStatusLocked(key)
}

func (s *ConsultStore) syncStatusIndexLocked(key string, status models.ConsultStatus) {
	s.untrackStatusLocked(key)
	if bucket, ok := s.statusIndex[status]; ok {
		bucket[key] = struct{}{}
	}
}

func (s *ConsultStore) untrackStatusLocked(key string) {
	for _, bucket := range s.statusIndex {
		delete(bucket, key)
	}
}
