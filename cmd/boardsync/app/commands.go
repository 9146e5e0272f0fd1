// Пакет app — команды CLI boardsync.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/arunponnappan/boardsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:               "boardsync",
	DisableAutoGenTag: true,
	Short:             "Зеркало досок удалённой SaaS-системы",
	Long: `boardsync синхронизирует доски удалённой системы в PostgreSQL,
хранит локальные копии файлов и отдаёт их через HTTP API.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			slog.Error("Ошибка вывода справки", slog.String("error", err.Error()))
		}
	},
}

// NewRootCmd создаёт корневую команду со всеми подкомандами.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)

	return rootCmd
}

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go"`
	Platform  string `json:"platform"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Версия приложения",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := versionInfo{
			Version:   config.Version,
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		}
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return err
		}

		if format == "json" {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("форматирование версии: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "boardsync %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
		return nil
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Формат вывода (json)")
}
