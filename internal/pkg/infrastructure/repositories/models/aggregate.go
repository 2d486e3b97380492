package models

import (
	"time"

	"gorm.io/gorm"
)

//DailyAggregate is the derived per-day rollup of ledger entries for one device.
//The grain is (local date, classroom, device) and rows are rebuilt in place by
//the aggregation service, so everything here can be recomputed from the ledger.
type DailyAggregate struct {
	gorm.Model
	Date      string `gorm:"index:daily_aggregate_identity,unique"`
	Classroom string `gorm:"index:daily_aggregate_identity,unique"`
	DeviceID  string `gorm:"index:daily_aggregate_identity,unique"`
	ESP32Name string `gorm:"column:esp32_name"`

	TotalWh        float64
	TotalOnSeconds int64
	CostRupees     float64
	RateUsed       float64
	EntryCount     int

	HighConfidencePct   float64
	MediumConfidencePct float64
	LowConfidencePct    float64
	GapCount            int
	ResetCount          int

	CalculationRun string
	CalculatedAt   time.Time
	Timezone       string
}

//MonthlyAggregate is the per-month rollup, derived from DailyAggregate rows only.
type MonthlyAggregate struct {
	gorm.Model
	Month     string `gorm:"index:monthly_aggregate_identity,unique"`
	Classroom string `gorm:"index:monthly_aggregate_identity,unique"`
	DeviceID  string `gorm:"index:monthly_aggregate_identity,unique"`
	ESP32Name string `gorm:"column:esp32_name"`

	TotalWh        float64
	TotalOnSeconds int64
	CostRupees     float64
	RateUsed       float64
	DaysWithData   int

	HighConfidencePct   float64
	MediumConfidencePct float64
	LowConfidencePct    float64
	GapCount            int
	ResetCount          int

	CalculationRun string
	CalculatedAt   time.Time
	Timezone       string
}
