package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"
)

//DefaultTimezone is the bucketing timezone when ENERGY_TZ is not set
const DefaultTimezone = "Asia/Kolkata"

//Service folds ledger entries into timezone-local daily and monthly rollups
type Service struct {
	db  database.Datastore
	log logging.Logger
	loc *time.Location

	now func() time.Time
}

//NewService creates an aggregation service bucketing in the provided location
func NewService(db database.Datastore, log logging.Logger, loc *time.Location) *Service {
	return &Service{
		db:  db,
		log: log,
		loc: loc,
		now: time.Now,
	}
}

//Location returns the timezone all bucketing uses
func (s *Service) Location() *time.Location {
	return s.loc
}

//DayWindow returns the UTC instants bounding the local calendar day containing t
func (s *Service) DayWindow(t time.Time) (time.Time, time.Time) {
	local := t.In(s.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

//AggregateDaily rebuilds the per-device daily aggregates for the local day
//containing date. An empty classroom selects every classroom. Returns the number
//of buckets written. Re-running with an unchanged ledger writes identical rows.
func (s *Service) AggregateDaily(date time.Time, classroom string) (int, error) {
	dayStart, dayEnd := s.DayWindow(date)
	dateKey := dayStart.In(s.loc).Format("2006-01-02")

	entries, err := s.db.GetLedgerEntriesInWindow(dayStart, dayEnd, classroom)
	if err != nil {
		return 0, err
	}

	type bucketKey struct {
		classroom string
		deviceID  string
	}

	buckets := map[bucketKey][]models.ConsumptionLedgerEntry{}
	for _, entry := range entries {
		key := bucketKey{classroom: entry.Classroom, deviceID: entry.DeviceID}
		buckets[key] = append(buckets[key], entry)
	}

	runID := uuid.New().String()
	calculatedAt := s.now().UTC()

	rate := 0.0
	version, err := s.db.GetActiveCostVersion(calculatedAt)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return 0, err
	}
	if version != nil {
		rate = version.RatePerKWh
	}

	written := 0
	for key, bucket := range buckets {
		aggregate := foldDaily(bucket)
		aggregate.Date = dateKey
		aggregate.Classroom = key.classroom
		aggregate.DeviceID = key.deviceID
		aggregate.RateUsed = rate
		aggregate.CostRupees = (aggregate.TotalWh / 1000.0) * rate
		aggregate.CalculationRun = runID
		aggregate.CalculatedAt = calculatedAt
		aggregate.Timezone = s.loc.String()

		if err := s.db.UpsertDailyAggregate(aggregate); err != nil {
			return written, err
		}
		written++
	}

	s.log.Infof("Aggregated %s: %d device buckets from %d ledger entries", dateKey, written, len(entries))

	return written, nil
}

func foldDaily(bucket []models.ConsumptionLedgerEntry) *models.DailyAggregate {
	aggregate := &models.DailyAggregate{}

	high, medium, low := 0, 0, 0
	for _, entry := range bucket {
		aggregate.EntryCount++
		aggregate.ESP32Name = entry.ESP32Name

		switch entry.Confidence {
		case models.ConfidenceHigh:
			high++
		case models.ConfidenceMedium:
			medium++
		default:
			low++
		}

		if entry.Method == models.MethodInterpolated || entry.HasFlag(models.FlagGapFilled) {
			aggregate.GapCount++
		}

		if entry.IsResetMarker {
			aggregate.ResetCount++
			continue
		}

		aggregate.TotalWh += entry.DeltaWh
		aggregate.TotalOnSeconds += entry.SwitchOnSeconds
	}

	if aggregate.EntryCount > 0 {
		total := float64(aggregate.EntryCount)
		aggregate.HighConfidencePct = 100.0 * float64(high) / total
		aggregate.MediumConfidencePct = 100.0 * float64(medium) / total
		aggregate.LowConfidencePct = 100.0 * float64(low) / total
	}

	return aggregate
}

//AggregateMonthly rebuilds the per-device monthly aggregates for a month by
//folding the already computed daily aggregates, never the ledger directly.
//Reconciliation therefore always repairs drift at the daily level first.
func (s *Service) AggregateMonthly(year int, month time.Month, classroom string) (int, error) {
	monthKey := fmt.Sprintf("%04d-%02d", year, month)

	dailies, err := s.db.GetDailyAggregatesForMonth(monthKey, classroom)
	if err != nil {
		return 0, err
	}

	type bucketKey struct {
		classroom string
		deviceID  string
	}

	buckets := map[bucketKey][]models.DailyAggregate{}
	for _, daily := range dailies {
		key := bucketKey{classroom: daily.Classroom, deviceID: daily.DeviceID}
		buckets[key] = append(buckets[key], daily)
	}

	runID := uuid.New().String()
	calculatedAt := s.now().UTC()

	written := 0
	for key, bucket := range buckets {
		aggregate := &models.MonthlyAggregate{
			Month:          monthKey,
			Classroom:      key.classroom,
			DeviceID:       key.deviceID,
			CalculationRun: runID,
			CalculatedAt:   calculatedAt,
			Timezone:       s.loc.String(),
		}

		entries := 0
		weightedHigh, weightedMedium, weightedLow := 0.0, 0.0, 0.0
		for _, daily := range bucket {
			aggregate.ESP32Name = daily.ESP32Name
			aggregate.TotalWh += daily.TotalWh
			aggregate.TotalOnSeconds += daily.TotalOnSeconds
			aggregate.CostRupees += daily.CostRupees
			aggregate.GapCount += daily.GapCount
			aggregate.ResetCount += daily.ResetCount
			aggregate.DaysWithData++
			aggregate.RateUsed = daily.RateUsed

			entries += daily.EntryCount
			weightedHigh += daily.HighConfidencePct * float64(daily.EntryCount)
			weightedMedium += daily.MediumConfidencePct * float64(daily.EntryCount)
			weightedLow += daily.LowConfidencePct * float64(daily.EntryCount)
		}

		if entries > 0 {
			aggregate.HighConfidencePct = weightedHigh / float64(entries)
			aggregate.MediumConfidencePct = weightedMedium / float64(entries)
			aggregate.LowConfidencePct = weightedLow / float64(entries)
		}

		if err := s.db.UpsertMonthlyAggregate(aggregate); err != nil {
			return written, err
		}
		written++
	}

	s.log.Infof("Aggregated %s: %d device buckets from %d daily aggregates", monthKey, written, len(dailies))

	return written, nil
}

//Summary is an ad-hoc ledger-only rollup over a window, used for verification
//rather than canonical totals
type Summary struct {
	Classroom      string    `json:"classroom"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	TotalWh        float64   `json:"total_wh"`
	TotalKWh       float64   `json:"total_kwh"`
	TotalOnSeconds int64     `json:"total_on_seconds"`
	CostRupees     float64   `json:"cost_rupees"`
	EntryCount     int       `json:"entry_count"`
	ResetCount     int       `json:"reset_count"`
	GapCount       int       `json:"gap_count"`
}

//QuickSummary rolls the ledger up over an arbitrary window, bypassing the
//aggregate tables
func (s *Service) QuickSummary(classroom string, start, end time.Time) (*Summary, error) {
	entries, err := s.db.GetLedgerEntriesInWindow(start.UTC(), end.UTC(), classroom)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Classroom: classroom,
		Start:     start.UTC(),
		End:       end.UTC(),
	}

	for _, entry := range entries {
		summary.EntryCount++

		if entry.Method == models.MethodInterpolated || entry.HasFlag(models.FlagGapFilled) {
			summary.GapCount++
		}

		if entry.IsResetMarker {
			summary.ResetCount++
			continue
		}

		summary.TotalWh += entry.DeltaWh
		summary.TotalOnSeconds += entry.SwitchOnSeconds
		if entry.CostRupees != nil {
			summary.CostRupees += *entry.CostRupees
		}
	}

	summary.TotalKWh = summary.TotalWh / 1000.0

	return summary, nil
}
