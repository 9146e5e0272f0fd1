package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Управление очередью синхронизации",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Перевести все pending и running задачи в failed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		comps, err := buildComponents(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer comps.Close()

		n, err := comps.queue.Reset(ctx)
		if err != nil {
			return fmt.Errorf("сброс очереди: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Сброшено задач: %d\n", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueResetCmd)
}
