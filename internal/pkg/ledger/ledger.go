package ledger

import (
	"errors"
	"fmt"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"
)

//ErrNoPriorEvent is returned when an event has nothing earlier to diff against.
//The first sample for a device is consumed without producing an entry.
var ErrNoPriorEvent = errors.New("no prior event for device")

//Service converts consecutive telemetry events into delta-based ledger entries
type Service struct {
	db        database.Datastore
	log       logging.Logger
	batchSize int
}

//NewService creates a ledger derivation service around the provided datastore
func NewService(db database.Datastore, log logging.Logger) *Service {
	return &Service{
		db:        db,
		log:       log,
		batchSize: 500,
	}
}

//DeriveAll processes every unprocessed telemetry event in device/timestamp order
//and returns the number of ledger entries created. Per-event failures are logged
//and skipped so one bad sample never stalls the pipeline.
func (s *Service) DeriveAll() (int, error) {
	created := 0

	for {
		events, err := s.db.GetUnprocessedTelemetryEvents(s.batchSize)
		if err != nil {
			return created, err
		}
		if len(events) == 0 {
			return created, nil
		}

		progressed := false
		for i := range events {
			entry, err := s.DeriveEvent(&events[i])
			if err != nil && !errors.Is(err, ErrNoPriorEvent) {
				s.log.Errorf("Failed to derive ledger entry for %s/%s: %s",
					events[i].ESP32Name, events[i].DeviceID, err.Error())
				continue
			}
			progressed = true
			if entry != nil {
				created++
			}
		}

		if !progressed {
			// every event in the batch failed; bail out instead of spinning
			return created, fmt.Errorf("derivation made no progress over %d events", len(events))
		}
	}
}

//DeriveDevice processes the unprocessed telemetry of a single device in timestamp
//order and returns the number of ledger entries created
func (s *Service) DeriveDevice(esp32Name, classroom, deviceID string) (int, error) {
	created := 0

	for {
		events, err := s.db.GetUnprocessedTelemetryEventsForDevice(esp32Name, classroom, deviceID, s.batchSize)
		if err != nil {
			return created, err
		}
		if len(events) == 0 {
			return created, nil
		}

		for i := range events {
			entry, err := s.DeriveEvent(&events[i])
			if err != nil {
				if errors.Is(err, ErrNoPriorEvent) {
					continue
				}
				return created, err
			}
			if entry != nil {
				created++
			}
		}
	}
}

//DeriveEvent pairs one telemetry event with the previous sample for the same device
//and writes the resulting consumption delta. The consumed event is marked processed
//in every non-error outcome, including the first-sample skip.
func (s *Service) DeriveEvent(event *models.TelemetryEvent) (*models.ConsumptionLedgerEntry, error) {
	previous, err := s.db.GetPreviousTelemetryEvent(event.ESP32Name, event.Classroom, event.DeviceID, event.Timestamp)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			if err := s.db.MarkTelemetryEventProcessed(event.ID); err != nil {
				return nil, err
			}
			return nil, ErrNoPriorEvent
		}
		return nil, err
	}

	// A late out-of-order sample pairs with its predecessor by timestamp. When a
	// wider entry already accounts for that span the sub-interval must not be
	// added again, so the sample is consumed without an entry.
	covered, err := s.db.LedgerEntryCovers(event.ESP32Name, event.Classroom, event.DeviceID, previous.Timestamp, event.Timestamp)
	if err != nil {
		return nil, err
	}
	if covered {
		if err := s.db.MarkTelemetryEventProcessed(event.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	deltaWh := event.EnergyWhTotal - previous.EnergyWhTotal
	duration := event.Timestamp.Sub(previous.Timestamp)

	entry := &models.ConsumptionLedgerEntry{
		ESP32Name:       event.ESP32Name,
		Classroom:       event.Classroom,
		DeviceID:        event.DeviceID,
		StartTime:       previous.Timestamp,
		EndTime:         event.Timestamp,
		StartEnergyWh:   previous.EnergyWhTotal,
		EndEnergyWh:     event.EnergyWhTotal,
		DeltaWh:         deltaWh,
		DurationSeconds: int64(duration.Seconds()),
		SwitchOnSeconds: switchOnSeconds(event, duration.Seconds()),
		Method:          models.MethodMeasured,
		Confidence:      models.MinConfidence(previous.Confidence, event.Confidence),
		SourceEventIDs:  fmt.Sprintf("%d,%d", previous.ID, event.ID),
	}

	// A shrinking counter means the device reset; keep the observation for
	// audit but exclude it from every downstream total.
	if deltaWh < 0 {
		entry.IsResetMarker = true
	} else {
		version, err := s.db.GetActiveCostVersion(event.Timestamp)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				return nil, err
			}
			entry.Confidence = models.ConfidenceLow
			entry.AddFlag(models.FlagRateUnavailable)
		} else {
			cost := (deltaWh / 1000.0) * version.RatePerKWh
			entry.CostRupees = &cost
			entry.RateUsed = &version.RatePerKWh
		}
	}

	if err := s.db.CreateLedgerEntry(entry); err != nil {
		return nil, err
	}

	if err := s.db.MarkTelemetryEventProcessed(event.ID); err != nil {
		return nil, err
	}

	return entry, nil
}

//switchOnSeconds estimates on-time over the interval from the share of switches
//that are on at the end of it. Devices with no switch data report zero.
func switchOnSeconds(event *models.TelemetryEvent, durationSeconds float64) int64 {
	state := models.DecodeSwitchState(event.SwitchState)
	if len(state) == 0 {
		return 0
	}

	on := 0
	for _, isOn := range state {
		if isOn {
			on++
		}
	}

	return int64(durationSeconds * float64(on) / float64(len(state)))
}
