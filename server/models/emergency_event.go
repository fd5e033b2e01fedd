package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrActiveEventExists guards the one-active-emergency-per-user
// invariant: a second activation is rejected, never silently merged.
var ErrActiveEventExists = errors.New("user already has an active emergency event")

// EmergencyEvent is one SOS activation-to-cancellation session. Rows are
// append-only history: cancellation flips Active & sets EndedAt, nothing
// is ever deleted.
type EmergencyEvent struct {
	BaseModel
	UserID               uint                  `json:"user_id" gorm:"not null;index"`
	StartedAt            time.Time             `json:"started_at"`
	EndedAt              *time.Time            `json:"ended_at,omitempty"`
	InitialLat           float64               `json:"initial_lat"`
	InitialLng           float64               `json:"initial_lng"`
	Active               bool                  `json:"active" gorm:"default:false;index"`
	LocationSamples      []LocationSample      `json:"location_samples,omitempty" gorm:"foreignKey:EventID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	NotificationAttempts []NotificationAttempt `json:"notification_attempts,omitempty" gorm:"foreignKey:EventID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

// CreateEmergencyEvent inserts a new active event for the user, enforcing
// the single-active-event invariant inside one transaction.
func CreateEmergencyEvent(userID uint, lat, lng float64, startedAt time.Time) (*EmergencyEvent, error) {
	event := EmergencyEvent{
		UserID:     userID,
		StartedAt:  startedAt,
		InitialLat: lat,
		InitialLng: lng,
		Active:     true,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		existing := EmergencyEvent{}
		err := tx.First(&existing, "user_id = ? AND active = ?", userID, true).Error
		if err == nil {
			return ErrActiveEventExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}

	return &event, nil
}

func FindEmergencyEvent(id interface{}) (*EmergencyEvent, error) {
	event := EmergencyEvent{}
	err := db.First(&event, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return &event, nil
}

func FindActiveEventForUser(userID uint) (*EmergencyEvent, error) {
	event := EmergencyEvent{}
	err := db.First(&event, "user_id = ? AND active = ?", userID, true).Error
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// Deactivate conditionally ends the event. The guarded UPDATE only
// matches rows still active, so a cancellation race reports false rather
// than clobbering the first writer's EndedAt.
func (event *EmergencyEvent) Deactivate(endedAt time.Time) (bool, error) {
	res := db.Model(&EmergencyEvent{}).
		Where("id = ? AND active = ?", event.ID, true).
		Updates(map[string]interface{}{"active": false, "ended_at": endedAt})

	if res.Error != nil {
		return false, res.Error
	}

	if res.RowsAffected > 0 {
		event.Active = false
		event.EndedAt = &endedAt
		return true, nil
	}

	return false, nil
}
