package application

import (
	"context"
	"os"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/aggregate"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/ingest"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/ledger"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/reconcile"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/scheduler"
)

//Names of the jobs the application registers on the scheduler
const (
	JobDailyAggregation   = "daily-aggregation"
	JobMonthlyAggregation = "monthly-aggregation"
	JobReconciliation     = "reconciliation"
)

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//Application wires the pipeline services together and owns the scheduled jobs
type Application struct {
	db  database.Datastore
	log logging.Logger
	loc *time.Location

	Ingestor   *ingest.Service
	Ledger     *ledger.Service
	Aggregates *aggregate.Service
	Reconciler *reconcile.Job
	Scheduler  *scheduler.Scheduler
}

//NewApplication constructs the pipeline around a datastore. The bucketing
//timezone comes from ENERGY_TZ and falls back to the default.
func NewApplication(db database.Datastore, log logging.Logger, messenger MessagingContext) *Application {
	tzName := os.Getenv("ENERGY_TZ")
	if tzName == "" {
		tzName = aggregate.DefaultTimezone
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		log.Errorf("Unknown timezone %s, falling back to UTC", tzName)
		loc = time.UTC
	}

	ledgerSvc := ledger.NewService(db, log)
	aggregates := aggregate.NewService(db, log, loc)

	app := &Application{
		db:         db,
		log:        log,
		loc:        loc,
		Ingestor:   ingest.NewService(db, log, ingest.DefaultConfig()),
		Ledger:     ledgerSvc,
		Aggregates: aggregates,
		Reconciler: reconcile.NewJob(db, log, ledgerSvc, aggregates, messenger, reconcile.DefaultConfig()),
		Scheduler:  scheduler.New(log, loc),
	}

	app.registerJobs()

	return app
}

func (app *Application) registerJobs() {
	register := func(name, spec string, fn func()) {
		if err := app.Scheduler.Register(name, spec, fn); err != nil {
			app.log.Fatalf("Failed to register job %s: %s", name, err.Error())
		}
	}

	register(JobDailyAggregation, scheduler.DailyAggregationSchedule, func() {
		// runs shortly after local midnight, covering the day that just ended
		yesterday := time.Now().In(app.loc).AddDate(0, 0, -1)
		if _, err := app.deriveAndAggregate(yesterday); err != nil {
			app.log.Errorf("Daily aggregation failed: %s", err.Error())
		}
	})

	register(JobMonthlyAggregation, scheduler.MonthlyAggregationSchedule, func() {
		previousMonth := time.Now().In(app.loc).AddDate(0, -1, 0)
		if _, err := app.Aggregates.AggregateMonthly(previousMonth.Year(), previousMonth.Month(), ""); err != nil {
			app.log.Errorf("Monthly aggregation failed: %s", err.Error())
		}
	})

	register(JobReconciliation, scheduler.ReconciliationSchedule, func() {
		if _, err := app.Reconciler.Run(); err != nil {
			app.log.Errorf("Reconciliation failed: %s", err.Error())
		}
	})
}

func (app *Application) deriveAndAggregate(date time.Time) (int, error) {
	if _, err := app.Ledger.DeriveAll(); err != nil {
		app.log.Errorf("Ledger derivation failed: %s", err.Error())
	}
	return app.Aggregates.AggregateDaily(date, "")
}

//RunStartupAggregation recomputes today, yesterday and the current month so
//dashboards have data immediately after a restart
func (app *Application) RunStartupAggregation() {
	now := time.Now().In(app.loc)

	if _, err := app.deriveAndAggregate(now); err != nil {
		app.log.Errorf("Startup aggregation for today failed: %s", err.Error())
	}
	if _, err := app.Aggregates.AggregateDaily(now.AddDate(0, 0, -1), ""); err != nil {
		app.log.Errorf("Startup aggregation for yesterday failed: %s", err.Error())
	}
	if _, err := app.Aggregates.AggregateMonthly(now.Year(), now.Month(), ""); err != nil {
		app.log.Errorf("Startup monthly aggregation failed: %s", err.Error())
	}
}

//StartIngestion starts the worker that consumes parsed telemetry from the
//transport channel until the context is cancelled
func (app *Application) StartIngestion(ctx context.Context, messages <-chan ingest.TelemetryMessage) {
	go app.Ingestor.Run(ctx, messages)
}

//Start runs the startup aggregation, starts the cron schedules and serves the
//query API until the process exits
func (app *Application) Start() {
	app.RunStartupAggregation()
	app.Scheduler.Start()

	router := createRequestRouter(app)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8880"
	}

	app.log.Infof("Starting iot-energy-ledger on port %s.", port)
	app.log.Fatal(listenAndServe(":"+port, router))
}
