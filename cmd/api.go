package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/tickets/config"
	"example.com/backstage/services/tickets/internal/api"
	"example.com/backstage/services/tickets/internal/cache"
	"example.com/backstage/services/tickets/internal/database"
	"example.com/backstage/services/tickets/internal/messaging"
	"example.com/backstage/services/tickets/internal/metrics"
	"example.com/backstage/services/tickets/internal/models"
	"example.com/backstage/services/tickets/internal/repositories"
	"example.com/backstage/services/tickets/internal/search"
	"example.com/backstage/services/tickets/internal/services"
	"example.com/backstage/services/tickets/internal/tracing"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server exposing the ledger and treasury operations`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	server := api.NewServer(cfg, ledger, treas, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	if err := models.SetupModels(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}
