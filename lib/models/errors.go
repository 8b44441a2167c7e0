package models

import "time"

// ErrorRecord is one entry of the error list shown on a subscription or element.
type ErrorRecord struct {
	ID             uint `gorm:"primarykey"`
	CreatedAt      time.Time
	Module         string
	Message        string
	SubscriptionID *uint `gorm:"index"`
	ElementID      *uint `gorm:"index"`
}

func NewErrorRecord(module string, err error) ErrorRecord {
	return ErrorRecord{Module: module, Message: err.Error()}
}
