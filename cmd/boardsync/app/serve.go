package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/arunponnappan/boardsync/internal/api/handlers"
	"github.com/arunponnappan/boardsync/internal/api/middleware"
	"github.com/arunponnappan/boardsync/internal/api/openapi"
	"github.com/arunponnappan/boardsync/internal/config"
	"github.com/arunponnappan/boardsync/internal/database"
	"github.com/arunponnappan/boardsync/internal/server"
	"github.com/arunponnappan/boardsync/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запуск HTTP API и исполнителя очереди синхронизации",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		logger.Error("Некорректная конфигурация", slog.String("error", err.Error()))
		return err
	}

	logger.Info("boardsync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)
	if os.Getenv("BS_DEPHEALTH_GROUP") == "" {
		logger.Warn("BS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return err
	}
	defer comps.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics: проверка идёт
	// через тот же пул и видит его исчерпание.
	pgDB := stdlib.OpenDBFromPool(comps.pool)
	defer pgDB.Close()

	// Readiness checkers (PostgreSQL + JWKS)
	pgChecker := database.NewReadinessChecker(comps.pool)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		return fmt.Errorf("JWKS readiness checker: %w", err)
	}

	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(pgChecker, jwksChecker),
		comps.queue,
		comps.boards,
		comps.items,
		comps.access,
		logger,
	)

	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWKSCACertPath,
		cfg.JWTIssuer,
		cfg.RoleAdminGroups,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		return err
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	doc, err := openapi.Load(ctx)
	if err != nil {
		return fmt.Errorf("загрузка контракта OpenAPI: %w", err)
	}
	validator, err := middleware.OpenAPIValidator(doc, logger)
	if err != nil {
		return fmt.Errorf("валидатор OpenAPI: %w", err)
	}

	// Исполнитель очереди: сначала снимает задачи, прерванные прошлым запуском
	if err := comps.queue.Start(ctx); err != nil {
		logger.Error("Ошибка запуска очереди синхронизации", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		comps.queue.Stop()
		comps.queue.Wait()
	}()

	dephealthSvc := startDephealth(ctx, cfg, pgDB, logger)
	if dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	srv := server.New(cfg, logger, apiHandler, jwtAuth.Middleware(), validator)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		return err
	}

	logger.Info("boardsync остановлен")
	return nil
}

// startDephealth запускает мониторинг зависимостей. Ошибка не фатальна:
// сервис работает и без него.
func startDephealth(ctx context.Context, cfg *config.Config, pgDB *sql.DB, logger *slog.Logger) *service.DephealthService {
	dcfg := service.DephealthConfig{
		ServiceID:        "boardsync",
		Group:            cfg.DephealthGroup,
		PgConnURL:        cfg.DatabaseURL(),
		JWKSURL:          cfg.JWTJWKSURL,
		RemoteHealthPath: cfg.DephealthRemoteHealthPath,
		CheckInterval:    cfg.DephealthCheckInterval,
	}
	if cfg.DephealthRemoteCheck {
		dcfg.RemoteAPIURL = cfg.RemoteAPIURL
	}

	svc, err := service.NewDephealthService(dcfg, pgDB, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}
