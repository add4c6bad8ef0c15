package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/config"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/database"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/logging"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/repository"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/telemetry"
)

// The ingestor archives raw telemetry into telemetry_samples so the policy
// simulator has history even when the API runs without MQTT.
func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup("ingestor", config.AppEnv(), config.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}
	repos := repository.New(db)

	client, err := telemetry.Connect(telemetry.Config{
		Broker:   config.MQTTBroker(),
		ClientID: config.MQTTClientID() + "-ingestor",
		Topic:    config.MQTTTopic(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt connect")
	}
	defer client.Close()

	log.Info().Str("topic", config.MQTTTopic()).Msg("ingestor running; Ctrl+C to stop")
	if err := client.Subscribe(ctx, repos.InsertSample); err != nil {
		log.Fatal().Err(err).Msg("subscribe failed")
	}
	log.Info().Msg("ingestor stopped")
}
