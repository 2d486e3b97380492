package main

import (
	"context"
	"os"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/application"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/repositories/database"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/transport/mqtt"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
)

func main() {

	serviceName := "iot-energy-ledger"

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	config := messaging.LoadConfiguration(serviceName)
	messenger, _ := messaging.Initialize(config)

	defer messenger.Close()

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(log), log)
	if err != nil {
		log.Fatalf("Failed to connect to the database: %s", err.Error())
	}

	app := application.NewApplication(db, log, messenger)

	brokerAddr := os.Getenv("MQTT_BROKER")
	if brokerAddr == "" {
		brokerAddr = "tcp://127.0.0.1:1883"
	}

	adapter, err := mqtt.NewAdapter(brokerAddr, serviceName, log)
	if err != nil {
		log.Fatalf("Failed to connect to MQTT broker at %s: %s", brokerAddr, err.Error())
	}
	if err := adapter.Start(); err != nil {
		log.Fatalf("Failed to subscribe to telemetry topics: %s", err.Error())
	}
	defer adapter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.StartIngestion(ctx, adapter.Messages())
	app.Start()
}
