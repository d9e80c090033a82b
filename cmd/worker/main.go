package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	pgRepo "priceintel/internal/infra/adapter/persistence/postgres"
	"priceintel/internal/infra/db"
	"priceintel/internal/infra/fetcher"
	"priceintel/internal/infra/lock"
	"priceintel/internal/infra/notifier"
	"priceintel/internal/infra/queue"
	infraratelimit "priceintel/internal/infra/ratelimit"
	"priceintel/internal/infra/scraper"
	workerPkg "priceintel/internal/infra/worker"
	"priceintel/internal/domain/entity"
	"priceintel/internal/observability/logging"
	"priceintel/internal/resilience/retry"
	"priceintel/internal/usecase/feedworker"
	"priceintel/internal/usecase/notify"
	"priceintel/internal/usecase/scheduler"
	"priceintel/internal/usecase/scrapecycle"
	"priceintel/internal/usecase/snapshot"
	"priceintel/pkg/config"
)

func waitForMigrations(logger *slog.Logger, db *sql.DB) {
	const probe = "SELECT 1 FROM sources LIMIT 1"
	for i := 0; i < 10; i++ {
		if _, err := db.Exec(probe); err == nil {
			return
		}
		logger.Info("waiting for migrations, retrying in 3s", slog.Int("attempt", i+1))
		time.Sleep(3 * time.Second)
	}
	logger.Error("migrations did not complete in time")
	os.Exit(1)
}

func main() {
	logger := initLogger()
	database := initDatabase(logger)
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerMetrics := workerPkg.NewWorkerMetrics()
	workerMetrics.MustRegister()
	workerConfig, err := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	if err != nil {
		logger.Error("failed to load worker configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker configuration loaded",
		slog.Int("notify_max_concurrent", workerConfig.NotifyMaxConcurrent),
		slog.Int("health_port", workerConfig.HealthPort))

	discordConfig := loadDiscordConfig(logger)
	var discordChannel notify.Channel
	if discordConfig.Enabled {
		discordChannel = notify.NewDiscordChannel(discordConfig)
		logger.Info("Discord channel initialized", slog.String("status", "enabled"))
	} else {
		logger.Info("Discord channel disabled")
	}

	slackConfig := loadSlackConfig(logger)
	var slackChannel notify.Channel
	if slackConfig.Enabled {
		slackChannel = notify.NewSlackChannel(slackConfig)
		logger.Info("Slack channel initialized", slog.String("status", "enabled"))
	} else {
		logger.Info("Slack channel disabled")
	}

	var channels []notify.Channel
	if discordChannel != nil {
		channels = append(channels, discordChannel)
	}
	if slackChannel != nil {
		channels = append(channels, slackChannel)
	}

	notifyService := notify.NewService(channels, workerConfig.NotifyMaxConcurrent)
	logger.Info("Notification service initialized",
		slog.Int("channels", len(channels)),
		slog.Int("max_concurrent", workerConfig.NotifyMaxConcurrent))

	startMetricsServer(ctx, logger, notifyService)

	healthAddr := fmt.Sprintf(":%d", workerConfig.HealthPort)
	healthServer := workerPkg.NewHealthServer(healthAddr, logger)
	go func() {
		if err := healthServer.Start(ctx); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", slog.Any("error", err))
		}
	}()
	logger.Info("health check server started", slog.String("addr", healthAddr))

	pipeline := setupPipeline(logger, database, notifyService)

	var wg sync.WaitGroup
	wg.Add(4)
	go pipeline.consumeFeedRuns(ctx, &wg, logger, workerMetrics)
	go pipeline.consumeScrapeCycles(ctx, &wg, logger, workerMetrics)
	go pipeline.consumeSnapshots(ctx, &wg, logger, workerMetrics)
	go func() {
		defer wg.Done()
		if err := pipeline.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", slog.Any("error", err))
		}
	}()

	healthServer.SetReady(true)
	logger.Info("worker marked as ready")

	wg.Wait()
}

// initLogger initializes and returns a structured logger based on environment configuration.
func initLogger() *slog.Logger {
	logger := logging.NewLogger()
	slog.SetDefault(logger)
	return logger
}

// initDatabase opens the database connection and waits for migrations to complete.
func initDatabase(logger *slog.Logger) *sql.DB {
	database := db.Open()
	waitForMigrations(logger, database)
	return database
}

func newRedisClient() *redis.Client {
	addr := config.GetEnvString("REDIS_ADDR", "localhost:6379")
	return redis.NewClient(&redis.Options{Addr: addr})
}

// pipeline bundles the queue consumers and the scheduler that feeds them,
// wiring the feed worker, scrape-cycle worker, and snapshot computer onto
// their own durable queues (§4.C/§4.E/§4.F/§4.G/§4.H).
type pipeline struct {
	feedQueue     *queue.Queue
	scrapeQueue   *queue.Queue
	snapshotQueue *queue.Queue

	feedSvc     *feedworker.Service
	cycleSvc    *scrapecycle.Service
	snapshotSvc *snapshot.Service
	scheduler   *scheduler.Service
}

func setupPipeline(logger *slog.Logger, database *sql.DB, notifyService notify.Service) *pipeline {
	redisClient := newRedisClient()

	feedQueue := queue.New(redisClient, "feed_run")
	scrapeQueue := queue.New(redisClient, "scrape_cycle")
	snapshotQueue := queue.New(redisClient, "snapshot")

	lockSvc := lock.NewService(redisClient, "")

	targetRepo := pgRepo.NewTargetRepo(database)
	adapterRepo := pgRepo.NewAdapterRepo(database)
	cycleRepo := pgRepo.NewCycleRepo(database)
	sourceRepo := pgRepo.NewSourceRepo(database)
	productRepo := pgRepo.NewProductRepo(database)
	priceRepo := pgRepo.NewPriceRepo(database)
	feedRepo := pgRepo.NewFeedRepo(database)
	feedRunRepo := pgRepo.NewFeedRunRepo(database)
	settingsRepo := pgRepo.NewSettingsRepo(database)
	snapshotRepo := pgRepo.NewSnapshotRepo(database)
	statsRepo := pgRepo.NewStatsRepo(database)

	webScraperClient := createWebScraperHTTPClient()
	scraperFactory := scraper.NewFactory(webScraperClient)
	dispatcher := scraper.NewDispatcher(scraperFactory, adapterRepo)

	rateStore := infraratelimit.NewRedisStore(redisClient, "")
	domainLimiter := infraratelimit.NewDomainLimiter(rateStore, domainRateLimit, domainRateWindow)

	feedSvc := feedworker.NewService(
		feedRepo, feedRunRepo, sourceRepo, adapterRepo, productRepo, priceRepo, settingsRepo,
		feedworker.NewLockAdapter(lockSvc), newEndpointResolver(), notifyService,
	)

	cycleSvc := scrapecycle.NewService(
		targetRepo, cycleRepo, adapterRepo, sourceRepo, productRepo, priceRepo,
		scrapecycle.NewLockAdapter(lockSvc), dispatcher, domainLimiter, notifyService,
	)

	snapshotSvc := snapshot.NewService(statsRepo, snapshotRepo, snapshot.DefaultWindowDays, snapshot.DefaultCalibers)

	schedulerSvc := scheduler.NewService(
		feedRepo, adapterRepo, settingsRepo,
		feedQueue, scrapeQueue, snapshotQueue,
		cycleSvc, lockSvc, scheduler.Config{},
	)

	logger.Info("pipeline wired",
		slog.Int("caliber_count", len(snapshot.DefaultCalibers)),
		slog.Int("scraper_extractor_count", len(dispatcher.Extractors)))

	return &pipeline{
		feedQueue: feedQueue, scrapeQueue: scrapeQueue, snapshotQueue: snapshotQueue,
		feedSvc: feedSvc, cycleSvc: cycleSvc, snapshotSvc: snapshotSvc, scheduler: schedulerSvc,
	}
}

const (
	domainRateLimit  = 30
	domainRateWindow = 1 * time.Minute

	pollTimeout = 5 * time.Second
)

func (p *pipeline) consumeFeedRuns(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, m *workerPkg.WorkerMetrics) {
	defer wg.Done()
	runQueueConsumer(ctx, logger, m, p.feedQueue, "feed_run", p.feedSvc.Run)
}

func (p *pipeline) consumeScrapeCycles(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, m *workerPkg.WorkerMetrics) {
	defer wg.Done()
	runQueueConsumer(ctx, logger, m, p.scrapeQueue, "scrape_cycle", p.cycleSvc.Run)
}

func (p *pipeline) consumeSnapshots(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, m *workerPkg.WorkerMetrics) {
	defer wg.Done()
	runQueueConsumer(ctx, logger, m, p.snapshotQueue, "compute_snapshots", p.snapshotSvc.Run)
}

// runQueueConsumer polls queueRef until ctx is cancelled, handing each job
// to handle. A job whose handler returns a retryable pipeline error (and
// isn't a lock-contention loss) is re-enqueued with exponential backoff
// derived from retry.DefaultConfig(); anything else is discarded, matching
// feedworker/scrapecycle's "callers discard on permanent failure or
// entity.ErrLockContention, re-enqueue with backoff otherwise" contract.
func runQueueConsumer(ctx context.Context, logger *slog.Logger, m *workerPkg.WorkerMetrics, q *queue.Queue, kind string, handle func(context.Context, *queue.Job) error) {
	log := logger.With(slog.String("queue", kind))
	log.Info("queue consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("queue consumer stopping")
			return
		default:
		}

		job, ok, err := q.Poll(ctx, pollTimeout)
		if err != nil {
			log.Error("poll failed", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		start := time.Now()
		err = handle(ctx, job)
		duration := time.Since(start)

		if err == nil {
			m.RecordJobRun("success")
			m.RecordJobDuration(duration.Seconds())
			m.RecordLastSuccess()
			continue
		}

		if errors.Is(err, entity.ErrLockContention) || !entity.IsRetryablePipelineError(err) {
			log.Warn("job discarded", slog.String("job_id", job.ID), slog.Any("error", err))
			m.RecordJobRun("discarded")
			m.RecordJobDuration(duration.Seconds())
			continue
		}

		delay := backoffDelay(job.Attempt)
		if retryErr := q.Retry(ctx, *job, delay); retryErr != nil {
			log.Error("requeue failed", slog.String("job_id", job.ID), slog.Any("error", retryErr))
		} else {
			log.Warn("job re-enqueued with backoff",
				slog.String("job_id", job.ID), slog.Int("attempt", job.Attempt), slog.Duration("delay", delay))
		}
		m.RecordJobRun("retry")
		m.RecordJobDuration(duration.Seconds())
	}
}

// backoffDelay mirrors internal/resilience/retry's default exponential
// schedule (InitialDelay * Multiplier^attempt, capped at MaxDelay) without
// calling WithBackoff directly, since a queue retry is a re-enqueue rather
// than an in-process sleep loop.
func backoffDelay(attempt int) time.Duration {
	cfg := retry.DefaultConfig()
	delay := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return delay
}

// envEndpointResolver resolves an AffiliateFeed's download endpoint and
// credentials from per-retailer environment variables, keyed on the
// feed's owning Source.RetailerRef. Defined here rather than inside
// internal/usecase/feedworker so the package stays free of a dependency
// on process-level configuration loading.
type envEndpointResolver struct{}

func newEndpointResolver() feedworker.EndpointResolver {
	return envEndpointResolver{}
}

func (envEndpointResolver) Resolve(_ context.Context, feed *entity.AffiliateFeed, source *entity.Source) (string, fetcher.Credentials, error) {
	prefix := "FEED_" + retailerEnvKey(source.RetailerRef) + "_"

	endpoint := config.GetEnvString(prefix+"ENDPOINT", "")
	if endpoint == "" {
		return "", fetcher.Credentials{}, fmt.Errorf("no %sENDPOINT configured for retailer %q", prefix, source.RetailerRef)
	}

	creds := fetcher.Credentials{
		Username: config.GetEnvString(prefix+"USERNAME", ""),
		Password: config.GetEnvString(prefix+"PASSWORD", ""),
		Token:    config.GetEnvString(prefix+"TOKEN", ""),
	}

	if feed.Transport == entity.FeedTransportSFTP {
		creds.Host = config.GetEnvString(prefix+"HOST", "")
		creds.Port = portOrDefault(config.GetEnvString(prefix+"PORT", ""), 22)
		creds.SSHUser = config.GetEnvString(prefix+"SSH_USER", "")
		creds.SSHPassword = config.GetEnvString(prefix+"SSH_PASSWORD", "")
		creds.RemotePath = config.GetEnvString(prefix+"REMOTE_PATH", "")
		if key := config.GetEnvString(prefix+"PRIVATE_KEY", ""); key != "" {
			creds.PrivateKey = []byte(key)
		}
	}

	return endpoint, creds, nil
}

func retailerEnvKey(retailerRef string) string {
	key := strings.ToUpper(retailerRef)
	key = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
	return key
}

func portOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// createWebScraperHTTPClient creates an HTTP client for web scraping with SSRF protection.
// It has shorter timeouts and validates redirects to prevent security issues.
func createWebScraperHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second, // Shorter timeout for scraping
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12, // Enforce TLS 1.2+
			},
		},
		// Redirect validation is handled by the scraper implementations
	}
}

// loadDiscordConfig loads Discord configuration from environment variables.
//
// Environment variables:
//   - DISCORD_ENABLED: Boolean flag to enable Discord notifications (default: false)
//   - DISCORD_WEBHOOK_URL: Discord webhook URL (required if enabled)
//
// Returns:
//   - notifier.DiscordConfig: Configuration with validation applied
func loadDiscordConfig(logger *slog.Logger) notifier.DiscordConfig {
	enabled := os.Getenv("DISCORD_ENABLED") == "true"
	webhookURL := os.Getenv("DISCORD_WEBHOOK_URL")

	if !enabled {
		return notifier.DiscordConfig{Enabled: false}
	}

	// Validate webhook URL format
	if webhookURL == "" {
		logger.Warn("Discord webhook URL is empty, disabling notifications")
		return notifier.DiscordConfig{Enabled: false}
	}

	u, err := url.Parse(webhookURL)
	if err != nil {
		logger.Warn("Invalid Discord webhook URL format, disabling notifications", slog.Any("error", err))
		return notifier.DiscordConfig{Enabled: false}
	}

	if u.Scheme != "https" {
		logger.Warn("Discord webhook URL must use HTTPS, disabling notifications")
		return notifier.DiscordConfig{Enabled: false}
	}

	if u.Host != "discord.com" {
		logger.Warn("Invalid Discord webhook host, disabling notifications", slog.String("host", u.Host))
		return notifier.DiscordConfig{Enabled: false}
	}

	if !strings.HasPrefix(u.Path, "/api/webhooks/") {
		logger.Warn("Invalid Discord webhook path, disabling notifications", slog.String("path", u.Path))
		return notifier.DiscordConfig{Enabled: false}
	}

	return notifier.DiscordConfig{
		Enabled:    true,
		WebhookURL: webhookURL,
		Timeout:    30 * time.Second,
	}
}

// loadSlackConfig loads Slack configuration from environment variables.
//
// Environment variables:
//   - SLACK_ENABLED: Boolean flag to enable Slack notifications (default: false)
//   - SLACK_WEBHOOK_URL: Slack webhook URL (required if enabled)
//
// Returns:
//   - notifier.SlackConfig: Configuration with validation applied
func loadSlackConfig(logger *slog.Logger) notifier.SlackConfig {
	enabled := os.Getenv("SLACK_ENABLED") == "true"
	webhookURL := os.Getenv("SLACK_WEBHOOK_URL")

	if !enabled {
		return notifier.SlackConfig{Enabled: false}
	}

	// Validate webhook URL format
	if webhookURL == "" {
		logger.Warn("Slack webhook URL is empty, disabling notifications")
		return notifier.SlackConfig{Enabled: false}
	}

	u, err := url.Parse(webhookURL)
	if err != nil {
		logger.Warn("Invalid Slack webhook URL format, disabling notifications", slog.Any("error", err))
		return notifier.SlackConfig{Enabled: false}
	}

	if u.Scheme != "https" {
		logger.Warn("Slack webhook URL must use HTTPS, disabling notifications")
		return notifier.SlackConfig{Enabled: false}
	}

	if u.Host != "hooks.slack.com" {
		logger.Warn("Invalid Slack webhook host, disabling notifications", slog.String("host", u.Host))
		return notifier.SlackConfig{Enabled: false}
	}

	if !strings.HasPrefix(u.Path, "/services/") {
		logger.Warn("Invalid Slack webhook path, disabling notifications", slog.String("path", u.Path))
		return notifier.SlackConfig{Enabled: false}
	}

	return notifier.SlackConfig{
		Enabled:    true,
		WebhookURL: webhookURL,
		Timeout:    30 * time.Second,
	}
}

