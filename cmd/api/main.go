package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/cloud"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/config"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/database"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
	httpHandlers "github.com/ANIKETSHETTY47/energy-hub-engine/internal/http"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/logging"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/metrics"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/repository"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/service"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.Setup("api", config.AppEnv(), config.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, err := metrics.NewPromRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("metrics registration failed")
	}

	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithRecorder(recorder)}
	ledgerOpts := []billing.Option{billing.WithLogger(logger)}
	var svcOpts []service.Option

	var repos *repository.Repos
	if config.Storage() == "postgres" {
		db, err := database.Connect()
		if err != nil {
			log.Fatal().Err(err).Msg("db connect failed")
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("db migrate failed")
		}
		repos = repository.New(db)
		engineOpts = append(engineOpts, engine.WithJournal(repos), engine.WithUsageHistory(repos))
		ledgerOpts = append(ledgerOpts, billing.WithStore(repos))
		svcOpts = append(svcOpts, service.WithSampleStore(repos))
	}

	if config.UseCloudServices() {
		awsCfg, err := cloud.LoadConfig(ctx, config.AWSRegion())
		if err != nil {
			log.Fatal().Err(err).Msg("aws config failed")
		}
		if arn := config.SNSTopicArn(); arn != "" {
			engineOpts = append(engineOpts, engine.WithNotifier(cloud.NewSNSNotifier(awsCfg, arn)))
		}
		audit := cloud.NewDynamoAudit(awsCfg, config.AuditTable())
		engineOpts = append(engineOpts, engine.WithAuditSink(audit))
		svcOpts = append(svcOpts, service.WithAuditLister(audit))
		archive := cloud.NewS3Archive(awsCfg, config.S3Bucket())
		ledgerOpts = append(ledgerOpts, billing.WithArchiver(archive))
		svcOpts = append(svcOpts, service.WithPeriodArchive(archive))
		log.Info().Str("region", config.AWSRegion()).Msg("cloud services enabled")
	}

	eng := engine.New(config.EngineSettings(), engineOpts...)
	ledger := billing.New(append(ledgerOpts,
		billing.WithCharger(eng),
		billing.WithMultiplierLookup(func(hubID string) float64 {
			if p, ok := eng.ActivePolicy(hubID); ok {
				return p.OverageMultiplier()
			}
			return 1
		}),
	)...)

	if repos != nil {
		if err := repos.Restore(ctx, eng, ledger); err != nil {
			log.Fatal().Err(err).Msg("restore failed")
		}
		log.Info().Int("hubs", len(eng.HubIDs())).Msg("state restored")
	}

	rates, err := config.DefaultRates()
	if err != nil {
		log.Fatal().Err(err).Msg("default rates")
	}
	svcs := service.New(eng, ledger, append(svcOpts, service.WithDefaultRates(rates))...)
	app := httpHandlers.NewApp(svcs, prometheus.DefaultGatherer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", config.APIAddr()).Msg("api listening")
		return app.Listen(config.APIAddr())
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(5 * time.Second)
	})
	if config.MQTTEnabled() {
		g.Go(func() error {
			client, err := telemetry.Connect(telemetry.Config{
				Broker:   config.MQTTBroker(),
				ClientID: config.MQTTClientID(),
				Topic:    config.MQTTTopic(),
			})
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Subscribe(gctx, func(ctx context.Context, s domain.TelemetrySample) error {
				_, err := svcs.Telemetry.Ingest(ctx, s)
				return err
			})
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exit")
	}
	log.Info().Msg("api stopped")
}
