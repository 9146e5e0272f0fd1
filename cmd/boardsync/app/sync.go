package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

// cliUserID — автор задач, поставленных из командной строки.
const cliUserID = "cli"

var syncCmd = &cobra.Command{
	Use:   "sync <board-id>",
	Short: "Поставить синхронизацию доски в очередь и разобрать очередь",
	Long: `Ставит задачу синхронизации в общую очередь и выполняет её в этом процессе.
Задачи, поставленные раньше, выполняются первыми. Если очередь занята
запущенным сервером, задача останется pending и её выполнит сервер.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	defaults := model.DefaultSyncParams()
	syncCmd.Flags().Bool("download", defaults.DownloadAssets, "Скачивать файлы элементов")
	syncCmd.Flags().Bool("optimize", defaults.OptimizeImages, "Создавать оптимизированные копии изображений")
	syncCmd.Flags().Bool("force", defaults.ForceRefresh, "Перекачать файлы, даже если локальная копия есть")
	syncCmd.Flags().Bool("keep-original", defaults.KeepOriginal, "Хранить оригинал рядом с оптимизированной копией")
	syncCmd.Flags().StringArray("filter", nil, "Условие отбора column=value (можно повторять)")
	syncCmd.Flags().String("format", "", "Формат вывода итога (json)")
}

func runSync(cmd *cobra.Command, args []string) error {
	boardID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || boardID < 1 {
		return fmt.Errorf("некорректный ID доски: %q", args[0])
	}
	params, err := syncParamsFromFlags(cmd)
	if err != nil {
		return err
	}

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

	job, err := comps.queue.Enqueue(ctx, boardID, cliUserID, params)
	if err != nil {
		return fmt.Errorf("постановка в очередь: %w", err)
	}
	comps.queue.Tick(ctx)

	jobID := job.ID
	if job, err = comps.queue.Get(ctx, jobID); err != nil {
		return fmt.Errorf("чтение задачи %s: %w", jobID, err)
	}
	if err := printJob(cmd, job); err != nil {
		return err
	}
	if job.Status == model.JobFailed {
		return fmt.Errorf("синхронизация доски %d завершилась ошибкой", boardID)
	}
	return nil
}

// syncParamsFromFlags собирает параметры синхронизации из флагов.
func syncParamsFromFlags(cmd *cobra.Command) (model.SyncParams, error) {
	var p model.SyncParams
	var err error
	flags := cmd.Flags()
	if p.DownloadAssets, err = flags.GetBool("download"); err != nil {
		return p, err
	}
	if p.OptimizeImages, err = flags.GetBool("optimize"); err != nil {
		return p, err
	}
	if p.ForceRefresh, err = flags.GetBool("force"); err != nil {
		return p, err
	}
	if p.KeepOriginal, err = flags.GetBool("keep-original"); err != nil {
		return p, err
	}
	raw, err := flags.GetStringArray("filter")
	if err != nil {
		return p, err
	}
	p.Filters, err = parseFilters(raw)
	return p, err
}

// parseFilters разбирает условия вида column=value.
// Без "=" значение ищется во всех колонках.
func parseFilters(raw []string) ([]model.FilterClause, error) {
	clauses := make([]model.FilterClause, 0, len(raw))
	for _, r := range raw {
		column, value, found := strings.Cut(r, "=")
		if !found {
			column, value = model.FilterColumnAll, r
		}
		column = strings.TrimSpace(column)
		if column == "" || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("некорректное условие фильтра: %q", r)
		}
		clauses = append(clauses, model.FilterClause{Column: column, Value: model.FilterValue(value)})
	}
	return clauses, nil
}

func printJob(cmd *cobra.Command, job *model.SyncJob) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"job_id":           job.ID,
			"board_id":         job.BoardID,
			"status":           job.Status,
			"progress_message": job.ProgressMessage,
			"logs":             job.Logs,
		})
	}
	fmt.Fprintf(out, "Задача %s: %s\n%s\n", job.ID, job.Status, job.ProgressMessage)
	return nil
}
