package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arunponnappan/boardsync/internal/config"
	"github.com/arunponnappan/boardsync/internal/database"
	"github.com/arunponnappan/boardsync/internal/remote"
	"github.com/arunponnappan/boardsync/internal/repository"
	"github.com/arunponnappan/boardsync/internal/service"
	"github.com/arunponnappan/boardsync/internal/storage/assetstore"
	"github.com/arunponnappan/boardsync/internal/storage/imageopt"
)

// components — собранный сервисный слой, общий для serve и CLI-команд.
type components struct {
	pool   *pgxpool.Pool
	queue  *service.JobQueue
	access *service.AccessService
	boards *service.BoardService
	items  *service.ItemService
}

// Close освобождает пул соединений.
func (c *components) Close() {
	c.pool.Close()
}

// buildComponents применяет миграции, подключается к PostgreSQL
// и собирает сервисы.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, fmt.Errorf("миграции БД: %w", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("подключение к PostgreSQL: %w", err)
	}

	c, err := wireServices(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func wireServices(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*components, error) {
	client, err := remote.New(remote.Config{
		Endpoint:   cfg.RemoteAPIURL,
		APIKey:     cfg.RemoteAPIKey,
		APIVersion: cfg.RemoteAPIVersion,
		Timeout:    cfg.RemoteTimeout,
		CACertPath: cfg.RemoteCACertPath,
	}, logger)
	if err != nil {
		return nil, err
	}

	files, err := assetstore.New(cfg.AssetsDir)
	if err != nil {
		return nil, fmt.Errorf("каталог файлов %s: %w", cfg.AssetsDir, err)
	}

	boardRepo := repository.NewBoardRepository(pool)
	itemRepo := repository.NewItemRepository(pool)
	accessRepo := repository.NewBoardAccessRepository(pool)
	jobRepo := repository.NewSyncJobRepository(pool)

	pipeline := service.NewAssetPipeline(
		files,
		imageopt.New(cfg.OptimizeMaxWidth, cfg.OptimizeQuality),
		nil,
		service.AssetPipelineConfig{
			Concurrency:     cfg.AssetConcurrency,
			DownloadTimeout: cfg.AssetDownloadTimeout,
			APIKey:          cfg.RemoteAPIKey,
			AuthDomains:     cfg.RemoteAuthDomains,
		},
		logger,
	)
	mirror := service.NewMirrorStore(pool, files, logger)
	syncer := service.NewBoardSyncService(client, pipeline, mirror, service.BoardSyncConfig{
		PageSize:             cfg.SyncPageSize,
		MaxPages:             cfg.SyncMaxPages,
		RetryAttempts:        cfg.RemoteRetryAttempts,
		RetryInitialInterval: cfg.RemoteRetryInitialInterval,
		RetryMaxInterval:     cfg.RemoteRetryMaxInterval,
	}, logger)

	items := service.NewItemService(
		boardRepo, itemRepo, client,
		cfg.AssetsURLPrefix, cfg.ItemsCacheSize, cfg.ItemsCacheTTL,
		logger,
	)
	access := service.NewAccessService(accessRepo, logger)
	boards := service.NewBoardService(client, access, boardRepo, itemRepo, accessRepo, files, items, logger)

	return &components{
		pool:   pool,
		queue:  service.NewJobQueue(jobRepo, syncer, cfg.JobListLimit, logger),
		access: access,
		boards: boards,
		items:  items,
	}, nil
}
