package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"
)

//ErrDuplicateEvent is returned when an incoming message was already stored within
//the dedup window. It is an expected outcome, not a failure.
var ErrDuplicateEvent = errors.New("duplicate event")

//MissingFieldError is returned when a required identity field is absent from a message
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %s", e.Field)
}

//TelemetryMessage is the parsed payload delivered by the transport adapter
type TelemetryMessage struct {
	ESP32Name     string          `json:"esp32_name"`
	Classroom     string          `json:"classroom"`
	DeviceID      string          `json:"device_id"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	PowerW        float64         `json:"power_w"`
	EnergyWhTotal float64         `json:"energy_wh_total"`
	SwitchState   map[string]bool `json:"switch_state,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Status        string          `json:"status"`
}

//BatchResult summarizes the outcome of a batch ingestion
type BatchResult struct {
	Stored     int      `json:"stored"`
	Duplicates int      `json:"duplicates"`
	Errors     int      `json:"errors"`
	Messages   []string `json:"messages,omitempty"`
}

//Config holds the tunable ingestion thresholds
type Config struct {
	DedupWindow    time.Duration
	DriftThreshold time.Duration
}

//DefaultConfig returns the ingestion defaults
func DefaultConfig() Config {
	return Config{
		DedupWindow:    5 * time.Minute,
		DriftThreshold: 5 * time.Minute,
	}
}

//Service validates, deduplicates and quality-tags incoming telemetry
type Service struct {
	db  database.Datastore
	log logging.Logger
	cfg Config

	mu         sync.Mutex
	seenHashes map[string]struct{}

	now func() time.Time
}

//NewService creates an ingestion service around the provided datastore
func NewService(db database.Datastore, log logging.Logger, cfg Config) *Service {
	return &Service{
		db:         db,
		log:        log,
		cfg:        cfg,
		seenHashes: map[string]struct{}{},
		now:        time.Now,
	}
}

//Ingest validates and stores a single telemetry message. Returns ErrDuplicateEvent
//when the message was seen before within the dedup window.
func (s *Service) Ingest(msg TelemetryMessage) (*models.TelemetryEvent, error) {
	if msg.ESP32Name == "" {
		return nil, &MissingFieldError{Field: "esp32_name"}
	}
	if msg.Classroom == "" {
		return nil, &MissingFieldError{Field: "classroom"}
	}
	if msg.DeviceID == "" {
		return nil, &MissingFieldError{Field: "device_id"}
	}

	receivedAt := s.now().UTC()
	timestamp := receivedAt
	if msg.Timestamp != nil {
		timestamp = msg.Timestamp.UTC()
	}

	hash := eventHash(msg, timestamp)

	// The in-memory set only saves a store round trip; the store lookup is the
	// authoritative dedup guard since a second process has its own cache.
	s.mu.Lock()
	_, seen := s.seenHashes[hash]
	s.mu.Unlock()

	if !seen {
		exists, err := s.db.TelemetryEventExistsByHash(hash, receivedAt.Add(-s.cfg.DedupWindow))
		if err != nil {
			return nil, err
		}
		seen = exists
	}

	if seen {
		return nil, ErrDuplicateEvent
	}

	event := &models.TelemetryEvent{
		ESP32Name:     msg.ESP32Name,
		Classroom:     msg.Classroom,
		DeviceID:      msg.DeviceID,
		EventHash:     hash,
		Timestamp:     timestamp,
		ReceivedAt:    receivedAt,
		PowerW:        msg.PowerW,
		EnergyWhTotal: msg.EnergyWhTotal,
		SwitchState:   models.EncodeSwitchState(msg.SwitchState),
		UptimeSeconds: msg.UptimeSeconds,
		Status:        msg.Status,
		Confidence:    models.ConfidenceHigh,
	}

	drift := receivedAt.Sub(timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.cfg.DriftThreshold {
		event.TimeDrift = true
		event.Confidence = models.ConfidenceMedium
	}

	previous, err := s.db.GetLatestTelemetryEvent(msg.ESP32Name, msg.Classroom, msg.DeviceID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if previous != nil {
		if timestamp.Before(previous.Timestamp) {
			event.OutOfOrder = true
			event.Confidence = models.ConfidenceLow
		}
		event.GapBeforeSeconds = int64(receivedAt.Sub(previous.ReceivedAt).Seconds())
	}

	if err := s.db.CreateTelemetryEvent(event); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seenHashes[hash] = struct{}{}
	s.mu.Unlock()

	return event, nil
}

//IngestBatch ingests each message independently; one failing message never aborts the batch
func (s *Service) IngestBatch(msgs []TelemetryMessage) BatchResult {
	result := BatchResult{}

	for _, msg := range msgs {
		_, err := s.Ingest(msg)
		switch {
		case err == nil:
			result.Stored++
		case errors.Is(err, ErrDuplicateEvent):
			result.Duplicates++
		default:
			result.Errors++
			result.Messages = append(result.Messages, err.Error())
		}
	}

	return result
}

//Run consumes telemetry messages from the transport channel until the context is
//cancelled, clearing the dedup cache on every dedup window tick
func (s *Service) Run(ctx context.Context, messages <-chan TelemetryMessage) {
	ticker := time.NewTicker(s.cfg.DedupWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ClearDedupCache()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			_, err := s.Ingest(msg)
			if err != nil && !errors.Is(err, ErrDuplicateEvent) {
				s.log.Errorf("Failed to ingest telemetry from %s/%s: %s", msg.ESP32Name, msg.DeviceID, err.Error())
			}
		}
	}
}

//ClearDedupCache drops the in-memory set of recently seen hashes
func (s *Service) ClearDedupCache() {
	s.mu.Lock()
	s.seenHashes = map[string]struct{}{}
	s.mu.Unlock()
}

func eventHash(msg TelemetryMessage, timestamp time.Time) string {
	payload := fmt.Sprintf("%s|%s|%s|%d|%f|%f|%s",
		msg.ESP32Name, msg.Classroom, msg.DeviceID,
		timestamp.Unix(), msg.PowerW, msg.EnergyWhTotal, msg.Status)
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", sum)
}
