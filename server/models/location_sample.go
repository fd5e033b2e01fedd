package models

import "time"

// LocationSample is one accepted position fix for an emergency event.
// Append-only, ordered by SampledAt.
type LocationSample struct {
	BaseModel
	EventID   uint      `json:"event_id" gorm:"not null;index"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Source    string    `json:"source,omitempty"`
	SampledAt time.Time `json:"sampled_at" gorm:"index"`
}

func CreateLocationSample(sample *LocationSample) error {
	return db.Create(sample).Error
}

func LatestLocationSample(eventID uint) (*LocationSample, error) {
	sample := LocationSample{}
	err := db.Where("event_id = ?", eventID).Order("sampled_at desc").First(&sample).Error
	if err != nil {
		return nil, err
	}

	return &sample, nil
}

func SamplesForEvent(eventID uint) ([]LocationSample, error) {
	samples := []LocationSample{}
	err := db.Where("event_id = ?", eventID).Order("sampled_at asc").Find(&samples).Error
	if err != nil {
		return nil, err
	}

	return samples, nil
}
