package models

import "time"

// DeviceState is the last known state of a device, kept so a restarted
// process can answer status queries before devices re-announce themselves.
type DeviceState struct {
	ID        uint      `gorm:"primaryKey"`
	DeviceID  string    `gorm:"type:varchar(128);uniqueIndex;not null"`
	StateJSON string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (DeviceState) TableName() string {
	return "device_states"
}
