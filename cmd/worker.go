package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/tickets/config"
	"example.com/backstage/services/tickets/internal/cache"
	"example.com/backstage/services/tickets/internal/messaging"
	"example.com/backstage/services/tickets/internal/metrics"
	"example.com/backstage/services/tickets/internal/repositories"
	"example.com/backstage/services/tickets/internal/search"
	"example.com/backstage/services/tickets/internal/services"
	"example.com/backstage/services/tickets/internal/tracing"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to process queued ticket purchases and run the periodic invariant audit`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	var elasticClient *search.ElasticClient
	if cfg.Elastic.Enabled {
		elasticClient, err = search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search")
			elasticClient = nil
		}
	}

	var publisher messaging.Publisher
	if cfg.Azure.ConnectionString != "" {
		sbPublisher, err := messaging.NewServiceBusPublisher(cfg.Azure)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Service Bus publisher, continuing without events")
		} else {
			publisher = sbPublisher
			defer func() {
				if err := sbPublisher.Close(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Failed to close Service Bus publisher")
				}
			}()
		}
	}

	metricsCollector := metrics.NewMetrics()

	repo := repositories.NewGormLedgerRepository(db)
	treas := treasury.NewGormTreasury(db)
	ledger := services.NewLedgerService(repo, treas, redisCache, elasticClient, publisher, metricsCollector, tracer)

	processor, err := messaging.NewProcessor(cfg.Azure)
	if err != nil {
		return err
	}
	defer func() {
		if err := processor.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to close Service Bus processor")
		}
	}()

	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.PurchaseQueue).Msg("Starting purchase intake processor")
		return processor.ProcessMessages(ctx, ledger.ProcessPurchaseMessage)
	})

	g.Go(func() error {
		log.Info().Dur("interval", cfg.Audit.Interval).Msg("Starting invariant audit job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Audit.Interval),
			gocron.NewTask(func() {
				violations, err := ledger.AuditInvariants(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Invariant audit failed")
					return
				}
				if violations > 0 {
					log.Error().Int("violations", violations).Msg("Invariant audit found violations")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
