package reconcile

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/aggregate"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/ledger"
)

func TestThatARunRefusesToOverlapItself(t *testing.T) {
	job, _, ok := newJobForTest(t)
	if !ok {
		return
	}

	// take the guard the way a concurrent run would
	<-job.runs

	if _, err := job.Run(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	job.runs <- struct{}{}

	if _, err := job.Run(); err != nil {
		t.Errorf("Expected the released guard to allow a run, got %v", err)
	}
}

func TestThatUnmarkedNegativeDeltasAreMarkedAsResets(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeLedgerEntry(t, db, "room-401", "fan-1", now.Add(-2*time.Hour), now.Add(-time.Hour), -100, models.ConfidenceHigh)

	stats, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}
	if stats.AutoFixed < 1 {
		t.Errorf("Expected at least one auto-fix, got %d", stats.AutoFixed)
	}

	entry := findLedgerEntry(t, db, "room-401", "fan-1")
	if !entry.IsResetMarker {
		t.Error("Expected the negative delta to be marked as a reset")
	}
	if !entry.HasFlag(models.FlagReconciliationReset) {
		t.Errorf("Expected the reconciliation reset flag, got %q", entry.Flags)
	}
}

func TestThatAShortTelemetryGapIsInterpolated(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeTelemetry(t, db, "esp32-r2", "room-402", "light-1", now.Add(-40*time.Minute), 1000, 100, false)
	storeTelemetry(t, db, "esp32-r2", "room-402", "light-1", now.Add(-15*time.Minute), 1040, 100, false)

	stats, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}
	if stats.AutoFixed < 1 {
		t.Errorf("Expected the gap repair to count as an auto-fix, got %d", stats.AutoFixed)
	}

	entry := findLedgerEntry(t, db, "room-402", "light-1")
	if entry.Method != models.MethodInterpolated {
		t.Errorf("Expected an interpolated entry, got %s", entry.Method)
	}
	if !entry.HasFlag(models.FlagGapFilled) {
		t.Errorf("Expected the gap_filled flag, got %q", entry.Flags)
	}
	if entry.Confidence != models.ConfidenceLow {
		t.Errorf("Expected low confidence, got %s", entry.Confidence)
	}

	// average power of 100 W over 25 minutes
	expected := 100.0 * (25.0 / 60.0)
	if diff := entry.DeltaWh - expected; diff > 0.01 || diff < -0.01 {
		t.Errorf("Expected roughly %.2f Wh, got %f", expected, entry.DeltaWh)
	}
}

func TestThatALongGapRaisesATicketInsteadOfRepairing(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeTelemetry(t, db, "esp32-r3", "room-403", "ac-1", now.Add(-2*time.Hour), 500, 900, false)
	storeTelemetry(t, db, "esp32-r3", "room-403", "ac-1", now.Add(-15*time.Minute), 800, 900, false)

	if _, err := job.Run(); err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}

	if countTickets(t, db, models.TicketLargeGap, "ac-1") < 1 {
		t.Error("Expected a large gap ticket")
	}

	entries, err := db.GetLedgerEntriesSince(now.Add(-3 * time.Hour))
	if err != nil {
		t.Fatalf("GetLedgerEntriesSince failed: %s", err.Error())
	}
	for _, entry := range entries {
		if entry.DeviceID == "ac-1" && entry.Method == models.MethodInterpolated {
			t.Error("Did not expect an interpolated entry for a gap beyond the ceiling")
		}
	}
}

func TestThatAGapExplainedByAnOfflineStatusIsLeftAlone(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeTelemetry(t, db, "esp32-r4", "room-404", "fan-2", now.Add(-40*time.Minute), 100, 50, false)
	storeOfflineStatus(t, db, "esp32-r4", "room-404", "fan-2", now.Add(-30*time.Minute))
	storeTelemetry(t, db, "esp32-r4", "room-404", "fan-2", now.Add(-5*time.Minute), 120, 50, false)

	if _, err := job.Run(); err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}

	entries, err := db.GetLedgerEntriesSince(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetLedgerEntriesSince failed: %s", err.Error())
	}
	for _, entry := range entries {
		if entry.DeviceID == "fan-2" && entry.Classroom == "room-404" && entry.Method == models.MethodInterpolated {
			t.Error("Did not expect a repair for a gap explained by an offline status")
		}
	}
}

func TestThatAnomalousConsumptionIsDowngradedAndTicketed(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeLedgerEntry(t, db, "room-405", "heater-1", now.Add(-2*time.Hour), now.Add(-time.Hour), 12000, models.ConfidenceHigh)

	stats, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}
	if stats.ReviewTickets < 1 {
		t.Errorf("Expected at least one review ticket, got %d", stats.ReviewTickets)
	}
	if stats.AutoFixed < 1 {
		t.Errorf("Expected the downgrade to count as an auto-fix, got %d", stats.AutoFixed)
	}

	entry := findLedgerEntry(t, db, "room-405", "heater-1")
	if entry.Confidence != models.ConfidenceLow {
		t.Errorf("Expected low confidence, got %s", entry.Confidence)
	}
	if !entry.HasFlag(models.FlagAnomalousConsumption) {
		t.Errorf("Expected the anomalous consumption flag, got %q", entry.Flags)
	}
	if entry.DeltaWh != 12000 {
		t.Errorf("Expected the entry to be preserved, got %f", entry.DeltaWh)
	}

	if countTickets(t, db, models.TicketAnomalousConsumption, "heater-1") < 1 {
		t.Error("Expected a high-severity anomalous consumption ticket")
	}
}

func TestThatSilentDevicesGetAHeartbeatTicket(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeTelemetry(t, db, "esp32-r6", "room-406", "proj-1", now.Add(-2*time.Hour), 300, 40, true)

	if _, err := job.Run(); err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}

	tickets, err := db.GetReviewTickets("open")
	if err != nil {
		t.Fatalf("GetReviewTickets failed: %s", err.Error())
	}

	found := false
	for _, ticket := range tickets {
		if ticket.Type == models.TicketMissingHeartbeat && ticket.DeviceID == "proj-1" {
			found = true
			if ticket.Severity != models.SeverityHigh {
				t.Errorf("Expected high severity after two silent hours, got %s", ticket.Severity)
			}
		}
	}
	if !found {
		t.Error("Expected a missing heartbeat ticket")
	}
}

func TestThatOrphanedLedgerEntriesAreFlaggedButKept(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	entry := storeLedgerEntry(t, db, "room-407", "fan-3", now.Add(-2*time.Hour), now.Add(-time.Hour), 100, models.ConfidenceHigh)
	entry.SourceEventIDs = "999901,999902"
	if err := db.SaveLedgerEntry(entry); err != nil {
		t.Fatalf("SaveLedgerEntry failed: %s", err.Error())
	}

	if _, err := job.Run(); err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}

	reloaded := findLedgerEntry(t, db, "room-407", "fan-3")
	if !reloaded.HasFlag(models.FlagOrphanedSource) {
		t.Errorf("Expected the orphaned source flag, got %q", reloaded.Flags)
	}
}

func TestThatStaleUnprocessedTelemetryIsRetried(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	storeTelemetry(t, db, "esp32-r8", "room-408", "light-2", now.Add(-4*time.Hour), 100, 60, true)
	storeTelemetry(t, db, "esp32-r8", "room-408", "light-2", now.Add(-3*time.Hour), 160, 60, false)

	stats, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}
	if stats.AutoFixed < 1 {
		t.Errorf("Expected the retry to count as an auto-fix, got %d", stats.AutoFixed)
	}

	entry := findLedgerEntry(t, db, "room-408", "light-2")
	if entry.DeltaWh != 60 {
		t.Errorf("Expected a 60 Wh entry from the retried derivation, got %f", entry.DeltaWh)
	}
}

func TestThatDriftedDailyAggregatesAreReAggregated(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	loc := job.aggregates.Location()
	day := time.Now().In(loc).AddDate(0, 0, -1)
	dayNoon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, loc)
	dateKey := dayNoon.Format("2006-01-02")

	storeLedgerEntry(t, db, "room-409", "ac-2", dayNoon, dayNoon.Add(time.Hour), 500, models.ConfidenceHigh)

	if err := db.UpsertDailyAggregate(&models.DailyAggregate{
		Date:      dateKey,
		Classroom: "room-409",
		DeviceID:  "ac-2",
		TotalWh:   9999,
		Timezone:  loc.String(),
	}); err != nil {
		t.Fatalf("UpsertDailyAggregate failed: %s", err.Error())
	}

	stats, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}
	if stats.ReAggregations < 1 {
		t.Errorf("Expected at least one re-aggregation, got %d", stats.ReAggregations)
	}

	aggregates, err := db.GetDailyAggregates(dateKey, "room-409")
	if err != nil {
		t.Fatalf("GetDailyAggregates failed: %s", err.Error())
	}
	if len(aggregates) != 1 {
		t.Fatalf("Expected 1 aggregate, got %d", len(aggregates))
	}
	if aggregates[0].TotalWh != 500 {
		t.Errorf("Expected re-aggregation to restore 500 Wh, got %f", aggregates[0].TotalWh)
	}
}

func TestThatANotificationIsPublishedWhenTicketsAreRaised(t *testing.T) {
	job, db, ok := newJobForTest(t)
	if !ok {
		return
	}

	messenger := &mockMessenger{}
	job.messenger = messenger

	now := time.Now().UTC()
	storeTelemetry(t, db, "esp32-r10", "room-410", "fan-4", now.Add(-3*time.Hour), 700, 80, true)

	stats, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %s", err.Error())
	}

	if stats.ReviewTickets > 0 && len(messenger.published) == 0 {
		t.Error("Expected a notification to be published when tickets were raised")
	}
}

type mockMessenger struct {
	published []messaging.TopicMessage
}

func (m *mockMessenger) PublishOnTopic(message messaging.TopicMessage) error {
	m.published = append(m.published, message)
	return nil
}

var telemetrySequence = 0

func storeTelemetry(t *testing.T, db database.Datastore, esp32Name, classroom, deviceID string, timestamp time.Time, energyWh, powerW float64, processed bool) *models.TelemetryEvent {
	telemetrySequence++

	event := &models.TelemetryEvent{
		ESP32Name:     esp32Name,
		Classroom:     classroom,
		DeviceID:      deviceID,
		EventHash:     fmt.Sprintf("reconcile-test-%d", telemetrySequence),
		Timestamp:     timestamp,
		ReceivedAt:    timestamp,
		PowerW:        powerW,
		EnergyWhTotal: energyWh,
		Status:        models.StatusOnline,
		Confidence:    models.ConfidenceHigh,
		Processed:     processed,
	}

	if err := db.CreateTelemetryEvent(event); err != nil {
		t.Fatalf("Failed to store telemetry event: %s", err.Error())
	}

	return event
}

func storeOfflineStatus(t *testing.T, db database.Datastore, esp32Name, classroom, deviceID string, timestamp time.Time) {
	telemetrySequence++

	event := &models.TelemetryEvent{
		ESP32Name:  esp32Name,
		Classroom:  classroom,
		DeviceID:   deviceID,
		EventHash:  fmt.Sprintf("reconcile-test-%d", telemetrySequence),
		Timestamp:  timestamp,
		ReceivedAt: timestamp,
		Status:     models.StatusOffline,
		Confidence: models.ConfidenceHigh,
		Processed:  true,
	}

	if err := db.CreateTelemetryEvent(event); err != nil {
		t.Fatalf("Failed to store offline status event: %s", err.Error())
	}
}

var ledgerSequence = 0

func storeLedgerEntry(t *testing.T, db database.Datastore, classroom, deviceID string, start, end time.Time, deltaWh float64, confidence string) *models.ConsumptionLedgerEntry {
	ledgerSequence++

	entry := &models.ConsumptionLedgerEntry{
		ESP32Name:       fmt.Sprintf("esp32-%s", classroom),
		Classroom:       classroom,
		DeviceID:        deviceID,
		StartTime:       start.UTC(),
		EndTime:         end.UTC(),
		StartEnergyWh:   float64(ledgerSequence * 10000),
		EndEnergyWh:     float64(ledgerSequence*10000) + deltaWh,
		DeltaWh:         deltaWh,
		DurationSeconds: int64(end.Sub(start).Seconds()),
		Method:          models.MethodMeasured,
		Confidence:      confidence,
	}

	if err := db.CreateLedgerEntry(entry); err != nil {
		t.Fatalf("Failed to store ledger entry: %s", err.Error())
	}

	return entry
}

func findLedgerEntry(t *testing.T, db database.Datastore, classroom, deviceID string) *models.ConsumptionLedgerEntry {
	entries, err := db.GetLedgerEntriesSince(time.Now().UTC().AddDate(0, 0, -8))
	if err != nil {
		t.Fatalf("GetLedgerEntriesSince failed: %s", err.Error())
	}

	for i := range entries {
		if entries[i].Classroom == classroom && entries[i].DeviceID == deviceID {
			return &entries[i]
		}
	}

	t.Fatalf("No ledger entry found for %s/%s", classroom, deviceID)
	return nil
}

func countTickets(t *testing.T, db database.Datastore, ticketType, deviceID string) int {
	tickets, err := db.GetReviewTickets("")
	if err != nil {
		t.Fatalf("GetReviewTickets failed: %s", err.Error())
	}

	count := 0
	for _, ticket := range tickets {
		if ticket.Type == ticketType && ticket.DeviceID == deviceID {
			count++
		}
	}
	return count
}

func newJobForTest(t *testing.T) (*Job, database.Datastore, bool) {
	log := logging.NewLogger()
	db, err := database.NewDatabaseConnection(database.NewSQLiteConnector(), log)
	if err != nil {
		t.Error(err.Error())
		return nil, nil, false
	}

	loc, err := time.LoadLocation(aggregate.DefaultTimezone)
	if err != nil {
		t.Error(err.Error())
		return nil, nil, false
	}

	ledgerSvc := ledger.NewService(db, log)
	aggregates := aggregate.NewService(db, log, loc)

	return NewJob(db, log, ledgerSvc, aggregates, nil, DefaultConfig()), db, true
}
