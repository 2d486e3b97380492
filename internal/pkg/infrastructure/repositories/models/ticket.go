package models

import (
	"gorm.io/gorm"
)

//Review ticket severities
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

//Review ticket types raised by reconciliation
const (
	TicketMissingHeartbeat     = "missing_heartbeat"
	TicketLargeGap             = "large_gap"
	TicketAnomalousConsumption = "anomalous_consumption"
	TicketUnprocessedTelemetry = "unprocessed_telemetry"
)

//ReviewTicket records an anomaly that needs a human operator. Tickets are raised
//by the reconciliation job and resolved elsewhere.
type ReviewTicket struct {
	gorm.Model
	Type        string `gorm:"index"`
	Severity    string
	ESP32Name   string
	Classroom   string
	DeviceID    string
	Description string
	Details     string
	RunID       string `gorm:"index"`
	Status      string `gorm:"index;default:open"`
}
