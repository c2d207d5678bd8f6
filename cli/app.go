package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"reposter/config"
	"reposter/httputil"
	"reposter/lock"
	"reposter/logging"
	"reposter/metrics"
	"reposter/pipeline"
	"reposter/publisher"
	"reposter/scraper"
	"reposter/services"
	"reposter/storage"
)

// app holds everything a command needs, built once from the environment.
type app struct {
	cfg          *config.Config
	store        storage.Store
	metrics      *metrics.Metrics
	dedup        *services.DedupService
	socialbu     *publisher.SocialBu
	pipeline     *pipeline.Pipeline
	orchestrator *pipeline.Orchestrator

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg}

	logFile, err := logging.Setup(logging.Options{Path: cfg.LogFile, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Warnf("Could not set up file logging: %v", err)
	} else if logFile != nil {
		a.closers = append(a.closers, logFile.Close)
	}

	log.Infof("Loaded %d managed accounts (timezone %s, hours %v)", len(cfg.Accounts), cfg.Schedule.Timezone, cfg.Schedule.Hours)

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	log.AddHook(logging.NewRunLogHook(store))

	a.metrics = metrics.New()
	clients := httputil.NewClients(&cfg.Proxy)

	var archiver services.Archiver
	if cfg.S3.Enabled() {
		archive, err := storage.NewS3Archive(ctx, cfg.S3)
		if err != nil {
			log.Warnf("S3 archive disabled: %v", err)
		} else {
			archiver = archive
			log.Infof("Archiving media to s3://%s", cfg.S3.Bucket)
		}
	}
	media := services.NewMediaService(clients.Media, archiver, cfg.Media.DownloadLimitB)

	source := scraper.NewApifySource(cfg.Apify, time.Duration(cfg.Scraper.DelayMS)*time.Millisecond, clients.API)
	if !source.Configured() {
		log.Warn("APIFY_API_TOKEN not set, scraping will return placeholder posts")
	}

	a.socialbu = publisher.NewSocialBu(cfg.SocialBu, cfg.Media, cfg.Schedule.Location, clients.API, clients.Media, media, a.metrics)
	a.dedup = services.NewDedupService(store, cfg.Dedup.TTL)

	a.pipeline = pipeline.New(source, a.socialbu, a.dedup, store, a.metrics, pipeline.Options{
		Location:         cfg.Schedule.Location,
		Hours:            cfg.Schedule.Hours,
		ResultsRetention: cfg.Storage.ResultsRetention,
		RetryFailedPosts: !cfg.Dedup.MarkFailedAsProcessed,
	})

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.URL != "" {
		redisLocker, err := lock.NewRedisLockerFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisLocker.Close)
		locker = redisLocker
		log.Info("Using Redis run lock")
	}
	a.orchestrator = pipeline.NewOrchestrator(a.pipeline, cfg.Accounts, locker, cfg.Redis.LockTTL)

	return a, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		log.Infof("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return store, nil
	default:
		store, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite: %w", err)
		}
		log.Debugf("SQLite database: %s", cfg.DBPath)
		return store, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warnf("Close: %v", err)
		}
	}
	a.closers = nil
}

// maskConnectionString hides the password in a connection URL.
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3
	at := strings.Index(connStr[start:], "@")
	if at < 0 {
		return connStr
	}
	at += start
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
