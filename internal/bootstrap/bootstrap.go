// Package bootstrap builds the service graph shared by the API server and
// the admin CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/banksync"
	"finsync/internal/domain/enrichment"
	"finsync/internal/domain/job"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/team"
	"finsync/internal/infrastructure/aggregator"
	"finsync/internal/infrastructure/crypto"
	enrichclient "finsync/internal/infrastructure/enrichment"
	"finsync/internal/infrastructure/firebase"
	"finsync/internal/infrastructure/memory"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/infrastructure/pubsub"
	"finsync/internal/infrastructure/redis"
	"finsync/internal/interfaces/scheduler"
	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
	"finsync/internal/shared/messages"
)

const (
	JobStorePostgres = "postgres"
	JobStoreMemory   = "memory"
)

// Container holds every long-lived component. Optional integrations are
// nil when not configured.
type Container struct {
	Config *config.Config
	DB     *postgres.DB
	Redis  *goredis.Client

	Connections  *postgres.ConnectionRepository
	Accounts     *postgres.AccountRepository
	Transactions *postgres.TransactionRepository
	Teams        *postgres.TeamRepository
	Activity     *postgres.ActivityRepository

	JobStore job.Repository
	Jobs     *job.Enqueuer

	Notifications *notification.Service
	Gateway       *aggregator.Client

	ConnectionSync *banksync.ConnectionSyncService
	AccountSync    *banksync.AccountSyncService
	Ingestor       *banksync.Ingestor
	Recovery       *banksync.RecoveryService
	Health         *banksync.HealthMonitor
	Balances       *banksync.BalanceRefresher
	TeamService    *team.Service

	closers []func() error
	log     *logrus.Entry
}

// Build connects to every configured backend and wires the pipeline.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config) (c *Container, err error) {
	c = &Container{Config: cfg, log: logging.WithComponent("bootstrap")}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	c.DB = db
	c.closers = append(c.closers, db.Close)
	if err := db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	c.log.Info("Connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	c.Connections = postgres.NewConnectionRepository(db, encryptor)
	c.Accounts = postgres.NewAccountRepository(db)
	c.Transactions = postgres.NewTransactionRepository(db)
	c.Teams = postgres.NewTeamRepository(db)
	c.Activity = postgres.NewActivityRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)

	switch strings.ToLower(cfg.Jobs.Store) {
	case JobStoreMemory:
		c.log.Warn("Using in-memory job store; queued jobs are lost on restart")
		c.JobStore = memory.NewJobStore()
	case JobStorePostgres, "":
		c.JobStore = postgres.NewJobRepository(db)
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.Jobs.Store)
	}
	c.Jobs = job.NewEnqueuer(c.JobStore)

	var locker banksync.Locker = banksync.NopLocker{}
	if cfg.Redis.Address != "" {
		rdb, err := redis.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		c.Redis = rdb
		c.closers = append(c.closers, rdb.Close)
		locker = redis.NewLocker(rdb)
	} else {
		c.log.Warn("REDIS_ADDRESS not set; per-connection locking relies on version checks only")
	}

	c.Notifications, err = c.buildNotifications(ctx, notificationRepo)
	if err != nil {
		return nil, err
	}

	c.Gateway = aggregator.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)

	var scorer enrichment.Scorer
	if cfg.Enrichment.URL != "" {
		scorer = enrichclient.NewClient(cfg.Enrichment.URL, cfg.Enrichment.APIKey, cfg.Enrichment.Timeout)
	}

	c.Ingestor = banksync.NewIngestor(c.Transactions, scorer, c.Jobs)
	c.ConnectionSync = banksync.NewConnectionSyncService(c.Connections, c.Accounts, c.Gateway, c.Jobs, c.Activity, locker, cfg.Sync.LockTTL)
	c.AccountSync = banksync.NewAccountSyncService(c.Accounts, c.Connections, c.Gateway, c.Ingestor, cfg.Sync.StrictIngestion)
	c.Recovery = banksync.NewRecoveryService(c.Connections, c.Teams, c.Gateway, c.Jobs, c.Notifications, c.Activity, locker, cfg.Sync.LockTTL)
	c.Health = banksync.NewHealthMonitor(c.Connections, c.Accounts, c.Teams, c.Notifications, c.Activity, cfg.IsProduction())
	c.Balances = banksync.NewBalanceRefresher(c.Connections, c.Accounts, c.Gateway, c.Jobs)
	c.TeamService = team.NewService(c.Teams, c.Connections, c.Jobs, c.Gateway, c.Activity)

	return c, nil
}

func (c *Container) buildNotifications(ctx context.Context, repo *postgres.NotificationRepository) (*notification.Service, error) {
	cfg := c.Config

	templates := messages.Default()
	if cfg.Messages.Path != "" {
		loaded, err := messages.Load(cfg.Messages.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		templates = loaded
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, repo.DeactivateToken)
		if err != nil {
			return nil, err
		}
		messenger = fcm
	} else {
		c.log.Warn("FIREBASE_CREDENTIALS_FILE not set; push notifications disabled")
	}

	var email notification.EmailQueue
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.EmailTopic != "" {
		publisher, err := pubsub.NewEmailPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.EmailTopic, cfg.PubSub.CredentialsJSON, !cfg.IsProduction())
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, publisher.Close)
		email = publisher
	} else {
		c.log.Warn("Pub/Sub email topic not configured; email notifications disabled")
	}

	return notification.NewService(repo, messenger, email, templates), nil
}

// Services exposes the pipeline as job handler targets.
func (c *Container) Services() scheduler.Services {
	return scheduler.Services{
		Connections: c.ConnectionSync,
		Accounts:    c.AccountSync,
		Recovery:    c.Recovery,
		Enrichment:  c.Ingestor,
		Balances:    c.Balances,
		Health:      c.Health,
		Teams:       c.TeamService,
	}
}

// HealthChecks returns the dependency probes served on /health.
func (c *Container) HealthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"database": c.DB.PingContext,
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
