package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	NOTIFICATION_SENT   = "sent"
	NOTIFICATION_FAILED = "failed"
)

// NotificationAttempt records one per-contact send outcome. The rate
// limiter computes its window from these rows, so the check is correct
// across process restarts.
type NotificationAttempt struct {
	BaseModel
	EventID     uint      `json:"event_id" gorm:"not null;index"`
	ContactID   uint      `json:"contact_id"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	AttemptedAt time.Time `json:"attempted_at" gorm:"index"`
}

func CreateNotificationAttempt(attempt *NotificationAttempt) error {
	return db.Create(attempt).Error
}

// LastNotificationAttemptAt returns the time of the newest attempt for
// the event, or nil when none has been recorded.
func LastNotificationAttemptAt(eventID uint) (*time.Time, error) {
	attempt := NotificationAttempt{}
	err := db.Where("event_id = ?", eventID).Order("attempted_at desc").First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &attempt.AttemptedAt, nil
}

func AttemptsForEvent(eventID uint) ([]NotificationAttempt, error) {
	attempts := []NotificationAttempt{}
	err := db.Where("event_id = ?", eventID).Order("attempted_at asc").Find(&attempts).Error
	if err != nil {
		return nil, err
	}

	return attempts, nil
}

// PruneNotificationAttempts deletes attempts older than the given age.
// Run periodically, since the rate limiter only ever looks 2 minutes back.
func PruneNotificationAttempts(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := db.Where("attempted_at < ?", cutoff).Delete(&NotificationAttempt{})
	return res.RowsAffected, res.Error
}
