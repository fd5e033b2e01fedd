package models

// Contact is a trusted person alerted when their owner triggers an SOS.
// PhoneNumber is stored normalized to digits only (10-15 digits).
type Contact struct {
	BaseModel
	Name         string `json:"name" validate:"required"`
	PhoneNumber  string `json:"phone_number" validate:"required,phone_digits" gorm:"not null"`
	Relationship string `json:"relationship,omitempty"`
	UserID       uint   `json:"user_id" gorm:"not null;index"`
}

func FindContact(userID, contactID interface{}) (*Contact, error) {
	contact := Contact{}
	err := db.First(&contact, "id = ? AND user_id = ?", contactID, userID).Error
	if err != nil {
		return nil, err
	}

	return &contact, nil
}

func ContactsForUser(userID uint) ([]Contact, error) {
	contacts := []Contact{}
	err := db.Order("id asc").Find(&contacts, "user_id = ?", userID).Error
	if err != nil {
		return nil, err
	}

	return contacts, nil
}
