package main

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/config"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/logging"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/telemetry"
)

// The simulator publishes synthetic tenant load so a local stack can be
// driven end to end without real meters.
func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup("simulator", config.AppEnv(), config.LogLevel())

	client, err := telemetry.Connect(telemetry.Config{
		Broker:   config.MQTTBroker(),
		ClientID: config.MQTTClientID() + "-simulator",
		Topic:    config.MQTTTopic(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt connect")
	}
	defer client.Close()

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	tenants := config.SimulatorTenants()
	base := config.SimulatorBaseKW()

	for i := 0; i < config.SimulatorRounds(); i++ {
		now := time.Now().UTC()
		for _, tenant := range tenants {
			s := domain.TelemetrySample{
				TenantID:  tenant,
				CurrentKW: load(base, now, rng),
				Timestamp: now,
			}
			if err := client.Publish(s); err != nil {
				log.Error().Err(err).Str("tenant_id", tenant).Msg("publish failed")
			}
		}
		time.Sleep(config.SimulatorInterval())
	}
	log.Info().Int("tenants", len(tenants)).Msg("simulation done")
}

// load follows a daytime peak around 15:00 with +/-10% noise.
func load(base float64, at time.Time, rng *rand.Rand) float64 {
	hour := float64(at.Hour()) + float64(at.Minute())/60
	shape := 0.75 + 0.5*math.Max(0, math.Cos((hour-15)*math.Pi/12))
	return math.Max(0, base*shape*(0.9+0.2*rng.Float64()))
}
