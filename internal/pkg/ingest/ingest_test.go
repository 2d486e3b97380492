package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"
)

func TestThatIngestRejectsMessageWithoutClassroom(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	msg := newTestMessage("esp32-a1", "", "fan-1")
	_, err := svc.Ingest(msg)

	var missing *MissingFieldError
	if !errors.As(err, &missing) {
		t.Errorf("Expected MissingFieldError, got %v", err)
	} else if missing.Field != "classroom" {
		t.Errorf("Expected missing classroom, got %s", missing.Field)
	}
}

func TestThatIngestingTheSameMessageTwiceStoresOneEvent(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	timestamp := time.Now().UTC().Add(-time.Minute)
	msg := newTestMessage("esp32-a2", "room-102", "light-1")
	msg.Timestamp = &timestamp

	first, err := svc.Ingest(msg)
	if err != nil {
		t.Fatalf("First ingest failed: %s", err.Error())
	}

	_, err = svc.Ingest(msg)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("Expected ErrDuplicateEvent on second ingest, got %v", err)
	}

	if first.Confidence != models.ConfidenceHigh {
		t.Errorf("Expected high confidence, got %s", first.Confidence)
	}
}

func TestThatDedupSurvivesACacheClear(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	timestamp := time.Now().UTC().Add(-time.Minute)
	msg := newTestMessage("esp32-a3", "room-103", "fan-2")
	msg.Timestamp = &timestamp

	if _, err := svc.Ingest(msg); err != nil {
		t.Fatalf("First ingest failed: %s", err.Error())
	}

	// the store lookup is the authoritative guard, not the cache
	svc.ClearDedupCache()

	if _, err := svc.Ingest(msg); !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("Expected ErrDuplicateEvent after cache clear, got %v", err)
	}
}

func TestThatTimeDriftDowngradesConfidence(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	timestamp := time.Now().UTC().Add(-20 * time.Minute)
	msg := newTestMessage("esp32-a4", "room-104", "proj-1")
	msg.Timestamp = &timestamp

	event, err := svc.Ingest(msg)
	if err != nil {
		t.Fatalf("Ingest failed: %s", err.Error())
	}

	if !event.TimeDrift {
		t.Error("Expected the time drift flag to be set")
	}
	if event.Confidence != models.ConfidenceMedium {
		t.Errorf("Expected medium confidence, got %s", event.Confidence)
	}
}

func TestThatOutOfOrderTimestampDowngradesConfidenceToLow(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	now := time.Now().UTC()
	first := newTestMessage("esp32-a5", "room-105", "ac-1")
	firstTS := now.Add(-time.Minute)
	first.Timestamp = &firstTS

	if _, err := svc.Ingest(first); err != nil {
		t.Fatalf("First ingest failed: %s", err.Error())
	}

	second := newTestMessage("esp32-a5", "room-105", "ac-1")
	secondTS := now.Add(-2 * time.Minute)
	second.Timestamp = &secondTS
	second.EnergyWhTotal = 1234

	event, err := svc.Ingest(second)
	if err != nil {
		t.Fatalf("Second ingest failed: %s", err.Error())
	}

	if !event.OutOfOrder {
		t.Error("Expected the out-of-order flag to be set")
	}
	if event.Confidence != models.ConfidenceLow {
		t.Errorf("Expected low confidence, got %s", event.Confidence)
	}
	if event.GapBeforeSeconds < 0 {
		t.Errorf("Expected a non-negative gap, got %d", event.GapBeforeSeconds)
	}
}

func TestThatMissingTimestampDefaultsToReceiptTime(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	before := time.Now().UTC()
	event, err := svc.Ingest(newTestMessage("esp32-a6", "room-106", "light-2"))
	if err != nil {
		t.Fatalf("Ingest failed: %s", err.Error())
	}

	if event.Timestamp.Before(before) || !event.Timestamp.Equal(event.ReceivedAt) {
		t.Errorf("Expected timestamp to default to receipt time, got %s vs %s",
			event.Timestamp.Format(time.RFC3339), event.ReceivedAt.Format(time.RFC3339))
	}
}

func TestThatOneBadMessageDoesNotAbortABatch(t *testing.T) {
	svc, ok := newServiceForTest(t)
	if !ok {
		return
	}

	ts1 := time.Now().UTC().Add(-2 * time.Minute)
	ts2 := time.Now().UTC().Add(-time.Minute)

	good1 := newTestMessage("esp32-a7", "room-107", "fan-3")
	good1.Timestamp = &ts1
	bad := newTestMessage("", "room-107", "fan-3")
	good2 := newTestMessage("esp32-a7", "room-107", "fan-3")
	good2.Timestamp = &ts2
	good2.EnergyWhTotal = good1.EnergyWhTotal + 10

	result := svc.IngestBatch([]TelemetryMessage{good1, bad, good2, good1})

	if result.Stored != 2 {
		t.Errorf("Expected 2 stored, got %d", result.Stored)
	}
	if result.Duplicates != 1 {
		t.Errorf("Expected 1 duplicate, got %d", result.Duplicates)
	}
	if result.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", result.Errors)
	}
}

func newTestMessage(esp32Name, classroom, deviceID string) TelemetryMessage {
	return TelemetryMessage{
		ESP32Name:     esp32Name,
		Classroom:     classroom,
		DeviceID:      deviceID,
		PowerW:        60,
		EnergyWhTotal: 1000,
		SwitchState:   map[string]bool{"sw1": true, "sw2": false},
		UptimeSeconds: 3600,
		Status:        models.StatusOnline,
	}
}

func newServiceForTest(t *testing.T) (*Service, bool) {
	log := logging.NewLogger()
	db, err := database.NewDatabaseConnection(database.NewSQLiteConnector(), log)
	if err != nil {
		t.Error(err.Error())
		return nil, false
	}

	return NewService(db, log, DefaultConfig()), true
}
