package models

import (
	"time"

	"gorm.io/gorm"
)

//CostVersion holds a billing rate and its validity window. The table is owned by
//an external configuration service; this core only ever reads the active row.
type CostVersion struct {
	gorm.Model
	RatePerKWh    float64
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Active        bool
}
