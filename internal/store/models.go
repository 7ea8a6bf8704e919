package store

import (
	"time"
)

// AlertRecord is the archived form of an envelope this node has handled.
type AlertRecord struct {
	ID         string `gorm:"primaryKey"`
	Origin     string `gorm:"index"`
	Lat        float64
	Long       float64
	CreatedAt  time.Time `gorm:"index"`
	Type       string
	Message    string
	HopCount   int
	TTLHops    int
	ReceivedAt time.Time
}

// Settings are the user-facing app settings.
type Settings struct {
	BackgroundModeEnabled bool `json:"backgroundModeEnabled"`
	MotionBasedSOSEnabled bool `json:"motionBasedSOSEnabled"`
	AlertRadiusMeters     int  `json:"alertRadiusMeters"`
	DemoMode              bool `json:"demoMode"`
}

// DefaultSettings mirrors what a fresh install shows.
func DefaultSettings() Settings {
	return Settings{
		BackgroundModeEnabled: true,
		AlertRadiusMeters:     2000,
	}
}

// SettingsRecord is a single-row table holding Settings.
type SettingsRecord struct {
	ID                    uint `gorm:"primaryKey"`
	BackgroundModeEnabled bool
	MotionBasedSOSEnabled bool
	AlertRadiusMeters     int
	DemoMode              bool
	UpdatedAt             time.Time
}
