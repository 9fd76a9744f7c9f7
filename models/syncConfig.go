package models

import "time"

// SyncConfig is a single-key/value configuration row, last-write-wins.
// Holds watermarks, the enabled flag, the interval and the serialized retry set.
type SyncConfig struct {
	ConfigKey string    `gorm:"primaryKey;size:64;column:config_key" json:"config_key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
