package reconcile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/aggregate"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/ledger"
)

//ErrAlreadyRunning is returned when a run is requested while another is in flight
var ErrAlreadyRunning = errors.New("reconciliation already running")

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//Config holds the audit thresholds. The zero value is unusable; start from
//DefaultConfig and override what the deployment needs.
type Config struct {
	WindowDays           int
	HeartbeatThreshold   time.Duration
	HeartbeatCritical    time.Duration
	GapThreshold         time.Duration
	InterpolationCeiling time.Duration
	AnomalousWh          float64
	UnprocessedAge       time.Duration
	DriftToleranceWh     float64
	DriftTolerancePct    float64
}

//DefaultConfig returns the reconciliation defaults
func DefaultConfig() Config {
	return Config{
		WindowDays:           7,
		HeartbeatThreshold:   10 * time.Minute,
		HeartbeatCritical:    60 * time.Minute,
		GapThreshold:         10 * time.Minute,
		InterpolationCeiling: 30 * time.Minute,
		AnomalousWh:          10000,
		UnprocessedAge:       time.Hour,
		DriftToleranceWh:     1.0,
		DriftTolerancePct:    0.01,
	}
}

//RunStats records what a reconciliation run found and did
type RunStats struct {
	RunID             string    `json:"run_id"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	TotalChecks       int       `json:"total_checks"`
	AnomaliesDetected int       `json:"anomalies_detected"`
	AutoFixed         int       `json:"auto_fixed"`
	ReviewTickets     int       `json:"review_tickets"`
	ReAggregations    int       `json:"re_aggregations"`
	Errors            []string  `json:"errors,omitempty"`
}

//Job is the nightly audit-and-repair pass over recent telemetry and ledger data
type Job struct {
	db         database.Datastore
	log        logging.Logger
	ledger     *ledger.Service
	aggregates *aggregate.Service
	messenger  MessagingContext
	cfg        Config

	runs chan struct{}

	now func() time.Time
}

//NewJob creates a reconciliation job. messenger may be nil when no notification
//collaborator is wired in.
func NewJob(db database.Datastore, log logging.Logger, ledgerSvc *ledger.Service, aggregates *aggregate.Service, messenger MessagingContext, cfg Config) *Job {
	job := &Job{
		db:         db,
		log:        log,
		ledger:     ledgerSvc,
		aggregates: aggregates,
		messenger:  messenger,
		cfg:        cfg,
		runs:       make(chan struct{}, 1),
		now:        time.Now,
	}
	job.runs <- struct{}{}
	return job
}

//IsRunning reports whether a reconciliation run is currently in flight
func (j *Job) IsRunning() bool {
	return len(j.runs) == 0
}

//Run executes every check once. It refuses to run concurrently with itself and
//always releases the guard, whether the run succeeds or fails.
func (j *Job) Run() (*RunStats, error) {
	select {
	case <-j.runs:
	default:
		return nil, ErrAlreadyRunning
	}
	defer func() { j.runs <- struct{}{} }()

	stats := &RunStats{
		RunID:     uuid.New().String(),
		StartedAt: j.now().UTC(),
	}

	windowStart := stats.StartedAt.AddDate(0, 0, -j.cfg.WindowDays)

	j.log.Infof("Reconciliation run %s starting, window since %s", stats.RunID, windowStart.Format(time.RFC3339))

	checks := []struct {
		name string
		fn   func(stats *RunStats, windowStart time.Time) error
	}{
		{"missing_heartbeats", j.checkMissingHeartbeats},
		{"negative_deltas", j.checkNegativeDeltas},
		{"large_gaps", j.checkLargeGaps},
		{"anomalous_consumption", j.checkAnomalousConsumption},
		{"unprocessed_telemetry", j.checkUnprocessedTelemetry},
		{"orphaned_ledger_entries", j.checkOrphanedLedgerEntries},
		{"aggregate_drift", j.checkAggregateDrift},
	}

	for _, check := range checks {
		stats.TotalChecks++
		if err := check.fn(stats, windowStart); err != nil {
			j.log.Errorf("Reconciliation check %s failed: %s", check.name, err.Error())
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", check.name, err.Error()))
		}
	}

	stats.FinishedAt = j.now().UTC()

	if stats.ReviewTickets > 0 && j.messenger != nil {
		err := j.messenger.PublishOnTopic(newTicketNotification(stats))
		if err != nil {
			j.log.Errorf("Failed to publish review ticket notification: %s", err.Error())
		}
	}

	j.log.Infof("Reconciliation run %s done: %d anomalies, %d fixed, %d tickets, %d re-aggregations",
		stats.RunID, stats.AnomaliesDetected, stats.AutoFixed, stats.ReviewTickets, stats.ReAggregations)

	return stats, nil
}

func (j *Job) raiseTicket(stats *RunStats, ticket *models.ReviewTicket) error {
	ticket.RunID = stats.RunID
	if err := j.db.CreateReviewTicket(ticket); err != nil {
		return err
	}
	stats.ReviewTickets++
	return nil
}

//checkMissingHeartbeats looks for devices that went silent without reporting offline
func (j *Job) checkMissingHeartbeats(stats *RunStats, windowStart time.Time) error {
	devices, err := j.db.GetDevicesSeenSince(windowStart)
	if err != nil {
		return err
	}

	now := j.now().UTC()
	for _, device := range devices {
		silence := now.Sub(device.LastSeen)
		if silence <= j.cfg.HeartbeatThreshold {
			continue
		}

		explained, err := j.db.HasOfflineStatusBetween(device.ESP32Name, device.Classroom, device.DeviceID, device.LastSeen, now)
		if err != nil {
			return err
		}
		if explained {
			continue
		}

		stats.AnomaliesDetected++

		severity := models.SeverityMedium
		if silence > j.cfg.HeartbeatCritical {
			severity = models.SeverityHigh
		}

		err = j.raiseTicket(stats, &models.ReviewTicket{
			Type:        models.TicketMissingHeartbeat,
			Severity:    severity,
			ESP32Name:   device.ESP32Name,
			Classroom:   device.Classroom,
			DeviceID:    device.DeviceID,
			Description: fmt.Sprintf("No telemetry for %s and no offline status explains the silence", silence.Round(time.Minute)),
			Details:     fmt.Sprintf(`{"last_seen":%q,"silence_seconds":%d}`, device.LastSeen.Format(time.RFC3339), int64(silence.Seconds())),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

//checkNegativeDeltas marks unflagged negative deltas as counter resets
func (j *Job) checkNegativeDeltas(stats *RunStats, windowStart time.Time) error {
	entries, err := j.db.GetLedgerEntriesSince(windowStart)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		if entry.DeltaWh >= 0 || entry.IsResetMarker {
			continue
		}

		stats.AnomaliesDetected++

		entry.IsResetMarker = true
		entry.AddFlag(models.FlagReconciliationReset)
		if err := j.db.SaveLedgerEntry(entry); err != nil {
			return err
		}
		stats.AutoFixed++
	}

	return nil
}

//checkLargeGaps repairs short telemetry gaps with interpolated entries and
//escalates long ones
func (j *Job) checkLargeGaps(stats *RunStats, windowStart time.Time) error {
	devices, err := j.db.GetDevicesSeenSince(windowStart)
	if err != nil {
		return err
	}

	for _, device := range devices {
		events, err := j.db.GetTelemetryEventsForDevice(device.ESP32Name, device.Classroom, device.DeviceID, windowStart)
		if err != nil {
			return err
		}

		for i := 1; i < len(events); i++ {
			previous := &events[i-1]
			current := &events[i]

			gap := current.Timestamp.Sub(previous.Timestamp)
			if gap <= j.cfg.GapThreshold {
				continue
			}

			explained, err := j.db.HasOfflineStatusBetween(device.ESP32Name, device.Classroom, device.DeviceID, previous.Timestamp, current.Timestamp)
			if err != nil {
				return err
			}
			if explained {
				continue
			}

			covered, err := j.db.LedgerEntryExists(device.ESP32Name, device.Classroom, device.DeviceID, previous.Timestamp, current.Timestamp)
			if err != nil {
				return err
			}
			if covered {
				continue
			}

			stats.AnomaliesDetected++

			if gap > j.cfg.InterpolationCeiling {
				err = j.raiseTicket(stats, &models.ReviewTicket{
					Type:        models.TicketLargeGap,
					Severity:    models.SeverityMedium,
					ESP32Name:   device.ESP32Name,
					Classroom:   device.Classroom,
					DeviceID:    device.DeviceID,
					Description: fmt.Sprintf("Telemetry gap of %s is too long to interpolate", gap.Round(time.Minute)),
					Details: fmt.Sprintf(`{"gap_start":%q,"gap_end":%q,"gap_seconds":%d}`,
						previous.Timestamp.Format(time.RFC3339), current.Timestamp.Format(time.RFC3339), int64(gap.Seconds())),
				})
				if err != nil {
					return err
				}
				continue
			}

			if err := j.interpolateGap(previous, current, gap); err != nil {
				return err
			}
			stats.AutoFixed++
		}
	}

	return nil
}

func (j *Job) interpolateGap(previous, current *models.TelemetryEvent, gap time.Duration) error {
	averagePower := (previous.PowerW + current.PowerW) / 2.0
	deltaWh := averagePower * gap.Hours()

	entry := &models.ConsumptionLedgerEntry{
		ESP32Name:       current.ESP32Name,
		Classroom:       current.Classroom,
		DeviceID:        current.DeviceID,
		StartTime:       previous.Timestamp,
		EndTime:         current.Timestamp,
		StartEnergyWh:   previous.EnergyWhTotal,
		EndEnergyWh:     current.EnergyWhTotal,
		DeltaWh:         deltaWh,
		DurationSeconds: int64(gap.Seconds()),
		Method:          models.MethodInterpolated,
		Confidence:      models.ConfidenceLow,
		SourceEventIDs:  fmt.Sprintf("%d,%d", previous.ID, current.ID),
	}
	entry.AddFlag(models.FlagGapFilled)

	version, err := j.db.GetActiveCostVersion(current.Timestamp)
	if err == nil {
		cost := (deltaWh / 1000.0) * version.RatePerKWh
		entry.CostRupees = &cost
		entry.RateUsed = &version.RatePerKWh
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}

	if err := j.db.CreateLedgerEntry(entry); err != nil {
		return err
	}

	// keep derivation from producing a second, measured entry for the same span
	return j.db.MarkTelemetryEventProcessed(current.ID)
}

//checkAnomalousConsumption downgrades implausibly large readings and raises
//high-severity tickets; entries are never deleted
func (j *Job) checkAnomalousConsumption(stats *RunStats, windowStart time.Time) error {
	entries, err := j.db.GetLedgerEntriesSince(windowStart)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		if entry.IsResetMarker || entry.DeltaWh <= j.cfg.AnomalousWh {
			continue
		}
		if entry.HasFlag(models.FlagAnomalousConsumption) {
			continue
		}

		stats.AnomaliesDetected++

		entry.Confidence = models.ConfidenceLow
		entry.AddFlag(models.FlagAnomalousConsumption)
		entry.AddFlag(models.FlagReconciliationDowngrade)
		if err := j.db.SaveLedgerEntry(entry); err != nil {
			return err
		}
		stats.AutoFixed++

		err = j.raiseTicket(stats, &models.ReviewTicket{
			Type:        models.TicketAnomalousConsumption,
			Severity:    models.SeverityHigh,
			ESP32Name:   entry.ESP32Name,
			Classroom:   entry.Classroom,
			DeviceID:    entry.DeviceID,
			Description: fmt.Sprintf("Ledger entry of %.0f Wh in a single interval exceeds the %.0f Wh ceiling", entry.DeltaWh, j.cfg.AnomalousWh),
			Details: fmt.Sprintf(`{"ledger_entry_id":%d,"delta_wh":%f,"start":%q,"end":%q}`,
				entry.ID, entry.DeltaWh, entry.StartTime.Format(time.RFC3339), entry.EndTime.Format(time.RFC3339)),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

//checkUnprocessedTelemetry retries stale unprocessed events through derivation
func (j *Job) checkUnprocessedTelemetry(stats *RunStats, windowStart time.Time) error {
	cutoff := j.now().UTC().Add(-j.cfg.UnprocessedAge)
	events, err := j.db.GetUnprocessedTelemetryEventsBefore(cutoff, 500)
	if err != nil {
		return err
	}

	for i := range events {
		event := &events[i]

		stats.AnomaliesDetected++

		_, err := j.ledger.DeriveEvent(event)
		if err == nil || errors.Is(err, ledger.ErrNoPriorEvent) {
			stats.AutoFixed++
			continue
		}

		err = j.raiseTicket(stats, &models.ReviewTicket{
			Type:        models.TicketUnprocessedTelemetry,
			Severity:    models.SeverityMedium,
			ESP32Name:   event.ESP32Name,
			Classroom:   event.Classroom,
			DeviceID:    event.DeviceID,
			Description: fmt.Sprintf("Telemetry event %d could not be derived: %s", event.ID, err.Error()),
			Details:     fmt.Sprintf(`{"telemetry_event_id":%d,"timestamp":%q}`, event.ID, event.Timestamp.Format(time.RFC3339)),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

//checkOrphanedLedgerEntries flags entries whose source telemetry is gone
func (j *Job) checkOrphanedLedgerEntries(stats *RunStats, windowStart time.Time) error {
	entries, err := j.db.GetLedgerEntriesSince(windowStart)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		if entry.SourceEventIDs == "" || entry.HasFlag(models.FlagOrphanedSource) {
			continue
		}

		ids := parseSourceEventIDs(entry.SourceEventIDs)
		if len(ids) == 0 {
			continue
		}

		count, err := j.db.CountTelemetryEventsByIDs(ids)
		if err != nil {
			return err
		}
		if count == int64(len(ids)) {
			continue
		}

		stats.AnomaliesDetected++

		entry.AddFlag(models.FlagOrphanedSource)
		if err := j.db.SaveLedgerEntry(entry); err != nil {
			return err
		}
		stats.AutoFixed++
	}

	return nil
}

//checkAggregateDrift recomputes daily totals from the ledger and re-aggregates
//buckets that drifted beyond tolerance
func (j *Job) checkAggregateDrift(stats *RunStats, windowStart time.Time) error {
	loc := j.aggregates.Location()
	now := j.now().UTC()

	fromDate := windowStart.In(loc).Format("2006-01-02")
	toDate := now.In(loc).Format("2006-01-02")

	dailies, err := j.db.GetDailyAggregatesBetween(fromDate, toDate)
	if err != nil {
		return err
	}

	type reAggKey struct {
		date      string
		classroom string
	}
	reAggregated := map[reAggKey]bool{}

	for _, daily := range dailies {
		day, err := time.ParseInLocation("2006-01-02", daily.Date, loc)
		if err != nil {
			continue
		}

		dayStart, dayEnd := j.aggregates.DayWindow(day)
		entries, err := j.db.GetLedgerEntriesInWindow(dayStart, dayEnd, daily.Classroom)
		if err != nil {
			return err
		}

		trueTotal := 0.0
		for _, entry := range entries {
			if entry.DeviceID != daily.DeviceID || entry.IsResetMarker {
				continue
			}
			trueTotal += entry.DeltaWh
		}

		tolerance := j.cfg.DriftToleranceWh
		if pct := j.cfg.DriftTolerancePct * daily.TotalWh; pct > tolerance {
			tolerance = pct
		}

		drift := daily.TotalWh - trueTotal
		if drift < 0 {
			drift = -drift
		}
		if drift <= tolerance {
			continue
		}

		stats.AnomaliesDetected++

		key := reAggKey{date: daily.Date, classroom: daily.Classroom}
		if reAggregated[key] {
			continue
		}
		reAggregated[key] = true

		j.log.Warnf("Daily aggregate %s/%s/%s drifted %.1f Wh from ledger, re-aggregating",
			daily.Date, daily.Classroom, daily.DeviceID, drift)

		if _, err := j.aggregates.AggregateDaily(day, daily.Classroom); err != nil {
			return err
		}
		stats.ReAggregations++
	}

	return nil
}

func parseSourceEventIDs(encoded string) []uint {
	ids := []uint{}
	for _, part := range strings.Split(encoded, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids
}
