package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

//Derivation methods for ledger entries
const (
	MethodMeasured     = "measured"
	MethodInterpolated = "interpolated"
)

//Quality flags that can be attached to a ledger entry
const (
	FlagGapFilled               = "gap_filled"
	FlagRateUnavailable         = "rate_unavailable"
	FlagAnomalousConsumption    = "anomalous_high_consumption"
	FlagOrphanedSource          = "orphaned_source_telemetry"
	FlagReconciliationReset     = "reconciliation_marked_as_reset"
	FlagReconciliationDowngrade = "reconciliation_confidence_downgrade"
)

//ConsumptionLedgerEntry is the database model for one energy delta observed between
//two points in time for a single device. Entries are append-only: reconciliation may
//adjust flags, confidence and the reset marker, but the delta itself is never rewritten.
type ConsumptionLedgerEntry struct {
	gorm.Model
	ESP32Name string    `gorm:"column:esp32_name;index:ledger_entry_identity,unique"`
	Classroom string    `gorm:"index:ledger_entry_identity,unique"`
	DeviceID  string    `gorm:"index:ledger_entry_identity,unique"`
	StartTime time.Time `gorm:"index:ledger_entry_identity,unique"`
	EndTime   time.Time `gorm:"index:ledger_entry_identity,unique"`

	StartEnergyWh   float64
	EndEnergyWh     float64
	DeltaWh         float64
	DurationSeconds int64
	SwitchOnSeconds int64
	Method          string
	CostRupees      *float64
	RateUsed        *float64

	Confidence     string
	Flags          string
	SourceEventIDs string
	IsResetMarker  bool
}

//HasFlag reports whether the given quality flag is set on the entry
func (e *ConsumptionLedgerEntry) HasFlag(flag string) bool {
	for _, f := range strings.Split(e.Flags, ",") {
		if f == flag {
			return true
		}
	}
	return false
}

//AddFlag appends a quality flag to the entry unless it is already present
func (e *ConsumptionLedgerEntry) AddFlag(flag string) {
	if e.HasFlag(flag) {
		return
	}
	if e.Flags == "" {
		e.Flags = flag
	} else {
		e.Flags = e.Flags + "," + flag
	}
}
