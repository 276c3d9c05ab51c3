// Package app builds the components shared by the server and worker
// binaries from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/audience"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/ingest"
	"github.com/unclebandit/campaign-dispatch/internal/lease"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/repository/memory"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// Storage is one set of repositories over a single backend.
type Storage struct {
	Campaigns   repository.CampaignRepositoryInterface
	Recipients  repository.RecipientRepositoryInterface
	Contacts    repository.ContactRepositoryInterface
	Credentials repository.CredentialRepositoryInterface
	Logs        repository.CampaignLogRepositoryInterface

	conn *sql.DB
}

func (s *Storage) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// OpenStorage connects to Postgres and applies the schema, or builds an
// in-memory store when cfg.Storage is "memory".
func OpenStorage(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Storage, error) {
	if cfg.Storage == "memory" {
		logger.Warn().Msg("using in-memory storage, data is lost on exit")
		return FromMemory(memory.NewStore()), nil
	}

	conn, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Storage{
		Campaigns:   &repository.CampaignRepository{DB: conn},
		Recipients:  &repository.RecipientRepository{DB: conn},
		Contacts:    &repository.ContactRepository{DB: conn},
		Credentials: &repository.CredentialRepository{DB: conn},
		Logs:        &repository.CampaignLogRepository{DB: conn},
		conn:        conn,
	}, nil
}

func FromMemory(store *memory.Store) *Storage {
	return &Storage{
		Campaigns:   store.Campaigns(),
		Recipients:  store.Recipients(),
		Contacts:    store.Contacts(),
		Credentials: store.Credentials(),
		Logs:        store.CampaignLogs(),
	}
}

// NewLocker returns a Redis-backed lease when REDIS_ADDR is set. Without
// it leases only exclude tasks within this process.
func NewLocker(ctx context.Context, cfg config.Redis, logger zerolog.Logger) (lease.Locker, func() error, error) {
	if cfg.Addr == "" {
		logger.Warn().Msg("REDIS_ADDR not set, dispatch leases are process-local")
		return lease.NewMemoryLocker(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return lease.NewRedisLocker(client), client.Close, nil
}

func NewDispatcher(cfg config.Config, st *Storage, sender provider.Sender, logger zerolog.Logger) *dispatch.Dispatcher {
	return &dispatch.Dispatcher{
		Campaigns:   st.Campaigns,
		Recipients:  st.Recipients,
		Credentials: st.Credentials,
		Logs:        st.Logs,
		Sender:      sender,
		Defaults: model.Pacing{
			DelayMillis: int(cfg.Dispatch.PacingDelay.Milliseconds()),
			BatchSize:   cfg.Dispatch.BatchSize,
			MaxRetries:  cfg.Dispatch.MaxRetries,
		},
		StoreTimeout: cfg.Dispatch.StoreTimeout,
		Logger:       logger.With().Str("component", "dispatch").Logger(),
	}
}

func NewService(cfg config.Config, st *Storage, q queue.Queue, locker lease.Locker, stopper service.DispatchStopper, logger zerolog.Logger) *service.CampaignService {
	return &service.CampaignService{
		CampaignRepo:       st.Campaigns,
		RecipientRepo:      st.Recipients,
		ContactRepo:        st.Contacts,
		CredentialRepo:     st.Credentials,
		LogRepo:            st.Logs,
		Resolver:           audience.NewResolver(st.Contacts, cfg.DefaultRegion, logger),
		Queue:              q,
		Locker:             locker,
		Stopper:            stopper,
		LeaseTTL:           cfg.Dispatch.LeaseTTL,
		ChunkSize:          cfg.Dispatch.MaterializeChunk,
		MaterializeTimeout: cfg.Dispatch.MaterializeTimeout,
		Logger:             logger.With().Str("component", "campaigns").Logger(),
	}
}

func NewIngestor(st *Storage, logger zerolog.Logger) *ingest.Ingestor {
	return ingest.NewIngestor(st.Recipients, logger)
}
