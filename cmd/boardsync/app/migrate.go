package app

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/arunponnappan/boardsync/internal/config"
	"github.com/arunponnappan/boardsync/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Миграции схемы БД",
	Long:  `Управление версией схемы БД. Используйте с подкомандами 'up' или 'down'.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Применить все новые миграции",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return database.Migrate(cfg, logger)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Откатить миграции",
	RunE: func(cmd *cobra.Command, _ []string) error {
		steps, err := cmd.Flags().GetUint("num-steps")
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return database.Rollback(cfg, int(steps), logger)
	},
}

func init() {
	migrateDownCmd.Flags().UintP("num-steps", "n", 1, "Сколько миграций откатить (0 — все)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// loadConfig читает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		return nil, nil, err
	}
	return cfg, config.SetupLogger(cfg), nil
}
