package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

//DeviceLastSeen describes a device observed in the telemetry store and the
//timestamp of its most recent sample
type DeviceLastSeen struct {
	ESP32Name string `gorm:"column:esp32_name"`
	Classroom string
	DeviceID  string
	LastSeen  time.Time
}

//Datastore is an interface that is used to inject the database into the pipeline
//services to improve testability
type Datastore interface {
	CreateTelemetryEvent(event *models.TelemetryEvent) error
	TelemetryEventExistsByHash(hash string, since time.Time) (bool, error)
	GetLatestTelemetryEvent(esp32Name, classroom, deviceID string) (*models.TelemetryEvent, error)
	GetPreviousTelemetryEvent(esp32Name, classroom, deviceID string, before time.Time) (*models.TelemetryEvent, error)
	GetUnprocessedTelemetryEvents(limit int) ([]models.TelemetryEvent, error)
	GetUnprocessedTelemetryEventsBefore(cutoff time.Time, limit int) ([]models.TelemetryEvent, error)
	GetUnprocessedTelemetryEventsForDevice(esp32Name, classroom, deviceID string, limit int) ([]models.TelemetryEvent, error)
	GetTelemetryEventsForDevice(esp32Name, classroom, deviceID string, since time.Time) ([]models.TelemetryEvent, error)
	MarkTelemetryEventProcessed(eventID uint) error
	CountTelemetryEventsByIDs(ids []uint) (int64, error)
	HasOfflineStatusBetween(esp32Name, classroom, deviceID string, start, end time.Time) (bool, error)
	GetDevicesSeenSince(since time.Time) ([]DeviceLastSeen, error)

	CreateLedgerEntry(entry *models.ConsumptionLedgerEntry) error
	SaveLedgerEntry(entry *models.ConsumptionLedgerEntry) error
	LedgerEntryExists(esp32Name, classroom, deviceID string, start, end time.Time) (bool, error)
	LedgerEntryCovers(esp32Name, classroom, deviceID string, start, end time.Time) (bool, error)
	GetLedgerEntriesInWindow(start, end time.Time, classroom string) ([]models.ConsumptionLedgerEntry, error)
	GetLedgerEntriesSince(since time.Time) ([]models.ConsumptionLedgerEntry, error)

	GetActiveCostVersion(at time.Time) (*models.CostVersion, error)

	UpsertDailyAggregate(aggregate *models.DailyAggregate) error
	GetDailyAggregates(date, classroom string) ([]models.DailyAggregate, error)
	GetDailyAggregatesForMonth(month, classroom string) ([]models.DailyAggregate, error)
	GetDailyAggregatesBetween(fromDate, toDate string) ([]models.DailyAggregate, error)
	UpsertMonthlyAggregate(aggregate *models.MonthlyAggregate) error
	GetMonthlyAggregates(month, classroom string) ([]models.MonthlyAggregate, error)

	CreateReviewTicket(ticket *models.ReviewTicket) error
	GetReviewTickets(status string) ([]models.ReviewTicket, error)
}

//ErrNotFound is returned from lookups that matched no row
var ErrNotFound = errors.New("record not found")

var dbCtxKey = &databaseContextKey{"database"}

type databaseContextKey struct {
	name string
}

// Middleware packs a pointer to the datastore into context
func Middleware(db Datastore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), dbCtxKey, db)

			// and call the next with our new context
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

//GetFromContext extracts the database wrapper, if any, from the provided context
func GetFromContext(ctx context.Context) (Datastore, error) {
	db, ok := ctx.Value(dbCtxKey).(Datastore)
	if ok {
		return db, nil
	}

	return nil, errors.New("failed to decode database from context")
}

type myDB struct {
	impl *gorm.DB
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(log logging.Logger) ConnectorFunc {
	dbHost := os.Getenv("ENERGY_DB_HOST")
	username := os.Getenv("ENERGY_DB_USER")
	dbName := os.Getenv("ENERGY_DB_NAME")
	password := os.Getenv("ENERGY_DB_PASSWORD")
	sslMode := getEnv("ENERGY_DB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, error) {
		for {
			log.Infof("Connecting to database host %s ...", dbHost)
			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{})
			if err != nil {
				log.Errorf("Failed to connect to database %s", err.Error())
				time.Sleep(3 * time.Second)
			} else {
				return db, nil
			}
		}
	}
}

//NewSQLiteConnector opens a connection to a local sqlite database
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
	}

	db.impl.AutoMigrate(&models.TelemetryEvent{})
	db.impl.AutoMigrate(&models.ConsumptionLedgerEntry{})
	db.impl.AutoMigrate(&models.DailyAggregate{})
	db.impl.AutoMigrate(&models.MonthlyAggregate{})
	db.impl.AutoMigrate(&models.CostVersion{})
	db.impl.AutoMigrate(&models.ReviewTicket{})

	// Make sure that a billing rate exists so cost computation never starts cold.
	// The cost version table is owned by the configuration collaborator; this row
	// is only a bootstrap default.
	var count int64
	db.impl.Model(&models.CostVersion{}).Count(&count)
	if count == 0 {
		rate, err := strconv.ParseFloat(getEnv("ENERGY_DEFAULT_RATE", "8.0"), 64)
		if err != nil {
			rate = 8.0
		}

		log.Infof("No cost version found in database. Seeding default rate %.2f ...", rate)

		result := db.impl.Create(&models.CostVersion{
			RatePerKWh:    rate,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour),
			Active:        true,
		})
		if result.Error != nil {
			log.Errorf("Failed to seed CostVersion into database %s", result.Error.Error())
			return nil, result.Error
		}
	}

	return db, nil
}

func (db *myDB) CreateTelemetryEvent(event *models.TelemetryEvent) error {
	result := db.impl.Create(event)
	return result.Error
}

func (db *myDB) TelemetryEventExistsByHash(hash string, since time.Time) (bool, error) {
	var count int64
	result := db.impl.Model(&models.TelemetryEvent{}).
		Where("event_hash = ? AND received_at >= ?", hash, since).
		Count(&count)
	return count > 0, result.Error
}

func (db *myDB) GetLatestTelemetryEvent(esp32Name, classroom, deviceID string) (*models.TelemetryEvent, error) {
	event := &models.TelemetryEvent{}
	result := db.impl.
		Where("esp32_name = ? AND classroom = ? AND device_id = ?", esp32Name, classroom, deviceID).
		Order("timestamp desc").
		First(event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return event, nil
}

func (db *myDB) GetPreviousTelemetryEvent(esp32Name, classroom, deviceID string, before time.Time) (*models.TelemetryEvent, error) {
	event := &models.TelemetryEvent{}
	result := db.impl.
		Where("esp32_name = ? AND classroom = ? AND device_id = ? AND timestamp < ?", esp32Name, classroom, deviceID, before).
		Order("timestamp desc").
		First(event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return event, nil
}

func (db *myDB) GetUnprocessedTelemetryEvents(limit int) ([]models.TelemetryEvent, error) {
	events := []models.TelemetryEvent{}
	result := db.impl.
		Where("processed = ?", false).
		Order("esp32_name, classroom, device_id, timestamp").
		Limit(limit).
		Find(&events)
	return events, result.Error
}

func (db *myDB) GetUnprocessedTelemetryEventsBefore(cutoff time.Time, limit int) ([]models.TelemetryEvent, error) {
	events := []models.TelemetryEvent{}
	result := db.impl.
		Where("processed = ? AND received_at < ?", false, cutoff).
		Order("esp32_name, classroom, device_id, timestamp").
		Limit(limit).
		Find(&events)
	return events, result.Error
}

func (db *myDB) GetUnprocessedTelemetryEventsForDevice(esp32Name, classroom, deviceID string, limit int) ([]models.TelemetryEvent, error) {
	events := []models.TelemetryEvent{}
	result := db.impl.
		Where("esp32_name = ? AND classroom = ? AND device_id = ? AND processed = ?", esp32Name, classroom, deviceID, false).
		Order("timestamp").
		Limit(limit).
		Find(&events)
	return events, result.Error
}

func (db *myDB) GetTelemetryEventsForDevice(esp32Name, classroom, deviceID string, since time.Time) ([]models.TelemetryEvent, error) {
	events := []models.TelemetryEvent{}
	result := db.impl.
		Where("esp32_name = ? AND classroom = ? AND device_id = ? AND timestamp >= ?", esp32Name, classroom, deviceID, since).
		Order("timestamp").
		Find(&events)
	return events, result.Error
}

func (db *myDB) MarkTelemetryEventProcessed(eventID uint) error {
	result := db.impl.Model(&models.TelemetryEvent{}).
		Where("id = ?", eventID).
		Update("processed", true)
	return result.Error
}

func (db *myDB) CountTelemetryEventsByIDs(ids []uint) (int64, error) {
	var count int64
	result := db.impl.Model(&models.TelemetryEvent{}).
		Where("id IN ?", ids).
		Count(&count)
	return count, result.Error
}

func (db *myDB) HasOfflineStatusBetween(esp32Name, classroom, deviceID string, start, end time.Time) (bool, error) {
	var count int64
	result := db.impl.Model(&models.TelemetryEvent{}).
		Where("esp32_name = ? AND classroom = ? AND device_id = ? AND status = ? AND timestamp >= ? AND timestamp <= ?",
			esp32Name, classroom, deviceID, models.StatusOffline, start, end).
		Count(&count)
	return count > 0, result.Error
}

func (db *myDB) GetDevicesSeenSince(since time.Time) ([]DeviceLastSeen, error) {
	devices := []DeviceLastSeen{}
	result := db.impl.Model(&models.TelemetryEvent{}).
		Select("esp32_name, classroom, device_id, MAX(timestamp) as last_seen").
		Where("timestamp >= ?", since).
		Group("esp32_name").Group("classroom").Group("device_id").
		Scan(&devices)
	return devices, result.Error
}

func (db *myDB) CreateLedgerEntry(entry *models.ConsumptionLedgerEntry) error {
	// Insert-or-ignore on the natural key keeps derivation and gap repair
	// idempotent when they re-run over the same interval.
	result := db.impl.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "esp32_name"}, {Name: "classroom"}, {Name: "device_id"},
			{Name: "start_time"}, {Name: "end_time"},
		},
		DoNothing: true,
	}).Create(entry)
	return result.Error
}

func (db *myDB) SaveLedgerEntry(entry *models.ConsumptionLedgerEntry) error {
	result := db.impl.Save(entry)
	return result.Error
}

func (db *myDB) LedgerEntryExists(esp32Name, classroom, deviceID string, start, end time.Time) (bool, error) {
	var count int64
	result := db.impl.Model(&models.ConsumptionLedgerEntry{}).
		Where("esp32_name = ? AND classroom = ? AND device_id = ? AND start_time = ? AND end_time = ?",
			esp32Name, classroom, deviceID, start, end).
		Count(&count)
	return count > 0, result.Error
}

func (db *myDB) LedgerEntryCovers(esp32Name, classroom, deviceID string, start, end time.Time) (bool, error) {
	var count int64
	result := db.impl.Model(&models.ConsumptionLedgerEntry{}).
		Where("esp32_name = ? AND classroom = ? AND device_id = ? AND start_time <= ? AND end_time >= ?",
			esp32Name, classroom, deviceID, start, end).
		Count(&count)
	return count > 0, result.Error
}

func (db *myDB) GetLedgerEntriesInWindow(start, end time.Time, classroom string) ([]models.ConsumptionLedgerEntry, error) {
	entries := []models.ConsumptionLedgerEntry{}
	query := db.impl.
		Where("end_time > ? AND end_time <= ?", start, end)
	if classroom != "" {
		query = query.Where("classroom = ?", classroom)
	}
	result := query.Order("classroom, device_id, end_time").Find(&entries)
	return entries, result.Error
}

func (db *myDB) GetLedgerEntriesSince(since time.Time) ([]models.ConsumptionLedgerEntry, error) {
	entries := []models.ConsumptionLedgerEntry{}
	result := db.impl.
		Where("end_time >= ?", since).
		Order("classroom, device_id, end_time").
		Find(&entries)
	return entries, result.Error
}

func (db *myDB) GetActiveCostVersion(at time.Time) (*models.CostVersion, error) {
	version := &models.CostVersion{}
	result := db.impl.
		Where("active = ? AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)", true, at, at).
		Order("effective_from desc").
		First(version)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return version, nil
}

func (db *myDB) UpsertDailyAggregate(aggregate *models.DailyAggregate) error {
	result := db.impl.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "classroom"}, {Name: "device_id"}},
		UpdateAll: true,
	}).Create(aggregate)
	return result.Error
}

func (db *myDB) GetDailyAggregates(date, classroom string) ([]models.DailyAggregate, error) {
	aggregates := []models.DailyAggregate{}
	query := db.impl.Where("date = ?", date)
	if classroom != "" {
		query = query.Where("classroom = ?", classroom)
	}
	result := query.Order("classroom, device_id").Find(&aggregates)
	return aggregates, result.Error
}

func (db *myDB) GetDailyAggregatesForMonth(month, classroom string) ([]models.DailyAggregate, error) {
	aggregates := []models.DailyAggregate{}
	query := db.impl.Where("date LIKE ?", month+"-%")
	if classroom != "" {
		query = query.Where("classroom = ?", classroom)
	}
	result := query.Order("classroom, device_id, date").Find(&aggregates)
	return aggregates, result.Error
}

func (db *myDB) GetDailyAggregatesBetween(fromDate, toDate string) ([]models.DailyAggregate, error) {
	aggregates := []models.DailyAggregate{}
	result := db.impl.
		Where("date >= ? AND date <= ?", fromDate, toDate).
		Order("date, classroom, device_id").
		Find(&aggregates)
	return aggregates, result.Error
}

func (db *myDB) UpsertMonthlyAggregate(aggregate *models.MonthlyAggregate) error {
	result := db.impl.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "month"}, {Name: "classroom"}, {Name: "device_id"}},
		UpdateAll: true,
	}).Create(aggregate)
	return result.Error
}

func (db *myDB) GetMonthlyAggregates(month, classroom string) ([]models.MonthlyAggregate, error) {
	aggregates := []models.MonthlyAggregate{}
	query := db.impl.Where("month = ?", month)
	if classroom != "" {
		query = query.Where("classroom = ?", classroom)
	}
	result := query.Order("classroom, device_id").Find(&aggregates)
	return aggregates, result.Error
}

func (db *myDB) CreateReviewTicket(ticket *models.ReviewTicket) error {
	if ticket.Status == "" {
		ticket.Status = "open"
	}
	result := db.impl.Create(ticket)
	return result.Error
}

func (db *myDB) GetReviewTickets(status string) ([]models.ReviewTicket, error) {
	tickets := []models.ReviewTicket{}
	query := db.impl.Model(&models.ReviewTicket{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	result := query.Order("created_at desc").Find(&tickets)
	return tickets, result.Error
}
