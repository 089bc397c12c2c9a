package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/cache"
	"github.com/camden-git/campaignstudio/config"
	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/generation"
	"github.com/camden-git/campaignstudio/handlers"
	"github.com/camden-git/campaignstudio/hosting"
	"github.com/camden-git/campaignstudio/logging"
	"github.com/camden-git/campaignstudio/media"
	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/notify"
	"github.com/camden-git/campaignstudio/pipeline"
	"github.com/camden-git/campaignstudio/provider"
	"github.com/camden-git/campaignstudio/realtime"
	"github.com/camden-git/campaignstudio/repository"
	"github.com/camden-git/campaignstudio/workers"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := database.InitGormDB(cfg, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	if n, err := database.SeedStandardScenes(db, database.DefaultStandardScenes); err != nil {
		logger.Warn("failed to seed standard scenes", zap.Error(err))
	} else if n > 0 {
		logger.Info("seeded standard scenes", zap.Int("count", n))
	}

	userRepo := repository.NewGormUserRepository(db)
	productRepo := repository.NewGormProductRepository(db)
	modelRepo := repository.NewGormModelRepository(db)
	sceneRepo := repository.NewGormSceneRepository(db)
	campaignRepo := repository.NewGormCampaignRepository(db)
	generationRepo := repository.NewGormGenerationRepository(db)
	jobRepo := repository.NewGormJobRepository(db)

	if n, err := campaignRepo.ResetInterrupted(); err != nil {
		logger.Warn("failed to reset interrupted campaigns", zap.Error(err))
	} else if n > 0 {
		logger.Info("reset campaigns interrupted by a restart", zap.Int64("count", n))
	}

	subDirs := map[media.AssetType]string{
		media.AssetTypeUpload:    filepath.Base(cfg.UploadsPath),
		media.AssetTypeGenerated: filepath.Base(cfg.GeneratedPath),
		media.AssetTypeVideo:     filepath.Base(cfg.VideosPath),
		media.AssetTypeArchive:   filepath.Base(cfg.ArchivesPath),
	}
	mediaStore, err := media.NewLocalStorage(cfg.MediaStoragePath, subDirs, logger)
	if err != nil {
		return err
	}
	processor := media.NewProcessor(mediaStore, media.ImageProcessingOptions{MaxSize: cfg.UploadMaxSize}, logger)

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}

	uploader, err := hosting.NewUploader(ctx, cfg, mediaStore, logger)
	if err != nil {
		return err
	}
	if closer, ok := uploader.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	resolver := hosting.NewResolver(processor, uploader, cfg.PublicBaseURL, httpClient, logger)

	suite, err := buildProviders(ctx, cfg, resolver, httpClient, logger)
	if err != nil {
		return err
	}
	orchestrator := generation.NewOrchestrator(suite, resolver, httpClient, cfg.ProviderTimeout, logger)

	credits := billing.NewCreditService(db, logger)
	var payments *billing.PaymentService
	if cfg.StripeSecretKey != "" {
		payments = billing.NewPaymentService(db, billing.NewStripeGateway(cfg.StripeSecretKey), credits, cfg.StripeCurrency, logger)
	} else {
		logger.Info("STRIPE_SECRET_KEY not set, payments are disabled")
	}

	var (
		backend cache.Backend
		queue   workers.Queue
	)
	if rdb := newRedisClient(ctx, cfg, logger); rdb != nil {
		defer rdb.Close()
		backend = cache.NewRedisBackend(rdb, "campaignstudio:")
		queue = workers.NewRedisQueue(rdb, "")
	} else {
		backend = cache.NewMemoryBackend()
		queue = workers.NewChanQueue(cfg.JobQueueSize)
	}
	poses := cache.NewPoseCache(backend, modelRepo, cache.DefaultPoseTTL, logger)

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	mailer := notify.NewMailer(cfg.SendGridAPIKey, cfg.MailFromAddress, cfg.MailFromName, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		Campaigns:   campaignRepo,
		Products:    productRepo,
		Models:      modelRepo,
		Scenes:      sceneRepo,
		Generations: generationRepo,
		Users:       userRepo,
		Generator:   orchestrator,
		Credits:     credits,
		Poses:       poses,
		Events:      hub,
		Mailer:      mailer,
	}, cfg.CostImage, logger)

	jobs := workers.NewJobRunner(jobRepo, queue, hub, workers.Options{
		Workers:     cfg.NumJobWorkers,
		MaxAttempts: cfg.JobMaxAttempts,
		Backoff:     cfg.JobRetryBackoff,
	}, logger)
	jobs.Register(models.JobKindCampaign, workers.CampaignTask(runner))
	jobs.Register(models.JobKindVideo, (&workers.VideoTask{
		Generations: generationRepo,
		Videos:      orchestrator,
		Credits:     credits,
		CostSD:      cfg.CostVideoStandard,
		CostHD:      cfg.CostVideoHD,
		Log:         logger.Named("task.video"),
	}).Handle)
	jobs.Register(models.JobKindPoses, (&workers.PoseTask{
		Models:      modelRepo,
		Generations: generationRepo,
		Images:      orchestrator,
		Credits:     credits,
		Cache:       poses,
		Cost:        cfg.CostPose,
		Log:         logger.Named("task.poses"),
	}).Handle)
	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer jobs.Stop()

	sweeper := workers.NewPoseSweeper(modelRepo, poses, &http.Client{Timeout: 15 * time.Second}, cfg.PoseSweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	api := &handlers.API{
		Auth: &handlers.AuthHandler{
			UserRepo:      userRepo,
			Credits:       credits,
			Mailer:        mailer,
			Tokens:        handlers.NewTokens(cfg.JWTSecret, cfg.JWTExpiration),
			SignupCredits: cfg.SignupCredits,
			Log:           logger.Named("auth"),
		},
		Products: &handlers.ProductHandler{
			Products:    productRepo,
			Generations: generationRepo,
			Processor:   processor,
			Generator:   orchestrator,
			Credits:     credits,
			CostImage:   cfg.CostImage,
			Log:         logger.Named("products"),
		},
		Models: &handlers.ModelHandler{
			Models:      modelRepo,
			Generations: generationRepo,
			Processor:   processor,
			Generator:   orchestrator,
			Poses:       poses,
			Jobs:        jobs,
			Credits:     credits,
			CostPose:    cfg.CostPose,
			CostAIModel: cfg.CostAIModel,
			Log:         logger.Named("models"),
		},
		Scenes: &handlers.SceneHandler{Scenes: sceneRepo, Processor: processor, Log: logger.Named("scenes")},
		Campaigns: &handlers.CampaignHandler{
			Campaigns: campaignRepo,
			Runner:    runner,
			Jobs:      jobs,
			Credits:   credits,
			Processor: processor,
			Fetcher:   resolver,
			CostImage: cfg.CostImage,
			Log:       logger.Named("campaigns"),
		},
		Generations: &handlers.GenerationHandler{
			Generations: generationRepo,
			Jobs:        jobs,
			Credits:     credits,
			CostVideoSD: cfg.CostVideoStandard,
			CostVideoHD: cfg.CostVideoHD,
			Log:         logger.Named("generations"),
		},
		Jobs:           &handlers.JobHandler{Jobs: jobRepo, Log: logger.Named("jobs")},
		Billing:        &handlers.BillingHandler{Credits: credits, Payments: payments, Log: logger.Named("billing")},
		Realtime:       &handlers.RealtimeHandler{Hub: hub},
		Users:          userRepo,
		StoragePath:    cfg.MediaStoragePath,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            logger.Named("http"),
	}
	api.Tokens = api.Auth.Tokens
	for _, sub := range subDirs {
		api.StaticSubDirs = append(api.StaticSubDirs, sub)
	}

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.Router(),
		ReadTimeout: 30 * time.Second,
		// inline generation and archive downloads outlive a short write timeout
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildProviders wires the HTTP provider for every capability and lets
// Gemini take over the image capabilities when selected.
func buildProviders(ctx context.Context, cfg config.Config, fetcher provider.Fetcher, client *http.Client, logger *zap.Logger) (provider.Suite, error) {
	httpProvider := provider.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, client, logger)
	suite := provider.Suite{
		Background: httpProvider,
		TryOn:      httpProvider,
		Composer:   httpProvider,
		Refiner:    httpProvider,
		Video:      httpProvider,
		Image:      httpProvider,
	}

	if cfg.ProviderBackend == "gemini" {
		gemini, err := provider.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, fetcher, logger)
		if err != nil {
			return provider.Suite{}, err
		}
		suite.TryOn = gemini
		suite.Composer = gemini
		suite.Refiner = gemini
		suite.Image = gemini
	}

	if cfg.VideoProviderBaseURL != "" {
		suite.Video = provider.NewHTTPProvider(cfg.VideoProviderBaseURL, cfg.VideoProviderAPIKey, client, logger)
	}
	return suite, nil
}

// newRedisClient connects when REDIS_ADDR is set. A failed ping falls back
// to the in-process queue and cache.
func newRedisClient(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	var tlsConfig *tls.Config
	if cfg.RedisUseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		TLSConfig:    tlsConfig,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process queue and cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		rdb.Close()
		return nil
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return rdb
}
