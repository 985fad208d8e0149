package main

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/application"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/config"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/eventbus"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/ingestion"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/notifications"
)

func main() {

	serviceName := "iot-farm-monitor"

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err.Error())
	}

	msgCfg := messaging.LoadConfiguration(serviceName)
	messenger, err := messaging.Initialize(msgCfg)
	if err != nil {
		log.Fatalf("Failed to connect to the message broker: %s", err.Error())
	}

	defer messenger.Close()

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(cfg, log), log)
	if err != nil {
		log.Fatalf("Failed to connect to the database: %s", err.Error())
	}

	bus := eventbus.New(log, messenger)
	notifications.RegisterSubscribers(bus, log)

	fieldKeys := []string{"method", "error"}
	requestCount := kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "farm_monitor",
		Subsystem: "ingestion",
		Name:      "request_count",
		Help:      "Number of ingested readings.",
	}, fieldKeys)
	requestLatency := kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
		Namespace: "farm_monitor",
		Subsystem: "ingestion",
		Name:      "request_latency_seconds",
		Help:      "Total duration of ingestions in seconds.",
	}, fieldKeys)

	var svc ingestion.Service
	svc = ingestion.NewService(ingestion.PolicyFromConfig(cfg), db, bus, log)
	svc = ingestion.LoggingMiddleware()(svc)
	svc = ingestion.NewInstrumentingMiddleware(requestCount, requestLatency)(svc)

	application.CreateRouterAndStartServing(log, cfg, svc, db)
}
