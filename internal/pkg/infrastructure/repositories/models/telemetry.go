package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

//Confidence tiers used for telemetry events and ledger entries
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

//Device status values as reported over the status topic
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

//TelemetryEvent is the database model for one raw power sample received from a device.
//Events are immutable once written and are never deleted; only the Processed flag
//flips once a ledger entry has consumed the event.
type TelemetryEvent struct {
	gorm.Model
	ESP32Name     string `gorm:"column:esp32_name;index:telemetry_device_identity"`
	Classroom     string `gorm:"index:telemetry_device_identity"`
	DeviceID      string `gorm:"index:telemetry_device_identity"`
	EventHash     string `gorm:"uniqueIndex"`
	Timestamp     time.Time
	ReceivedAt    time.Time
	PowerW        float64
	EnergyWhTotal float64
	SwitchState   string
	UptimeSeconds int64
	Status        string

	TimeDrift        bool
	OutOfOrder       bool
	GapBeforeSeconds int64
	Confidence       string
	Processed        bool `gorm:"index"`
}

//ConfidenceRank maps a confidence tier to an ordering where lower is worse
func ConfidenceRank(confidence string) int {
	switch confidence {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

//MinConfidence returns the lower of two confidence tiers
func MinConfidence(a, b string) string {
	if ConfidenceRank(a) <= ConfidenceRank(b) {
		return a
	}
	return b
}

//EncodeSwitchState packs a per-switch on/off map into the stored string form
func EncodeSwitchState(state map[string]bool) string {
	if len(state) == 0 {
		return ""
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	return string(encoded)
}

//DecodeSwitchState unpacks the stored per-switch state of a telemetry event
func DecodeSwitchState(encoded string) map[string]bool {
	if encoded == "" {
		return nil
	}
	state := map[string]bool{}
	if err := json.Unmarshal([]byte(encoded), &state); err != nil {
		return nil
	}
	return state
}
