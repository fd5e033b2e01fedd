package models

import (
	"errors"

	"gorm.io/gorm"
)

var updatableUserFields = []string{"first_name", "last_name", "phone_number"}

type User struct {
	BaseModel
	FirstName       string           `json:"first_name" validate:"required"`
	LastName        string           `json:"last_name" validate:"required"`
	PhoneNumber     string           `json:"phone_number" validate:"required,phone_digits" gorm:"not null;unique"`
	Email           string           `json:"email" validate:"required,email" gorm:"not null;unique"`
	Contacts        []Contact        `json:"contacts,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	EmergencyEvents []EmergencyEvent `json:"emergency_events,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func CreateUser(user *User) error {
	return db.Create(user).Error
}

func FindUserBy(field string, value interface{}) (*User, error) {
	user := User{}
	err := db.First(&user, map[string]interface{}{field: value}).Error
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func DeleteUser(id interface{}) error {
	return db.Delete(&User{}, "id = ?", id).Error
}

func (user *User) Update(data map[string]interface{}) error {
	return db.Model(&User{}).Where("id = ?", user.ID).Select(updatableUserFields).Updates(data).Error
}

func (user *User) AddContact(contact *Contact) error {
	contact.UserID = user.ID
	return db.Create(contact).Error
}

func (user *User) LoadContacts() error {
	return db.Order("id asc").Limit(500).Find(&user.Contacts, "user_id = ?", user.ID).Error
}

func (user *User) UpdateContact(contactID interface{}, data map[string]interface{}) error {
	res := db.Table("contacts").Where("id = ? AND user_id = ?", contactID, user.ID).Updates(data)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (user *User) DeleteContact(contactID interface{}) error {
	return db.Where("user_id = ?", user.ID).Delete(&Contact{}, contactID).Error
}

func AtLeastOneUserExists() (bool, error) {
	err := db.First(&User{}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}
