package models

import (
	"time"
)

// ConfigID identifies one configured account.
type ConfigID string

// UniqueID identifies one tracked person, derived from the identifier the
// remote service assigns to the person's account.
type UniqueID string

// LocationData represents one location fix for a tracked person.
type LocationData struct {
	Address     string    `json:"address"`
	GPSAccuracy int       `json:"gps_accuracy"`
	LastSeen    time.Time `json:"last_seen"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
}

// MiscData holds identity and battery metadata for a tracked person.
type MiscData struct {
	BatteryCharging *bool  `json:"battery_charging,omitempty"`
	BatteryLevel    *int   `json:"battery_level,omitempty"`
	EntityPicture   string `json:"entity_picture,omitempty"`
	FullName        string `json:"full_name"`
	Nickname        string `json:"nickname"`
}

// PersonData pairs a location fix with person metadata. Loc may be nil if a
// usable fix has never been received for the person.
type PersonData struct {
	Loc  *LocationData `json:"loc,omitempty"`
	Misc MiscData      `json:"misc"`
}

// People maps tracked person IDs to their latest data for one poll cycle.
type People map[UniqueID]PersonData
