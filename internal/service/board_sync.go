// board_sync.go — синхронизация одной доски с удалённой системой.
//
// Этапы: started → fetching-board-metadata → paging (по странице) → pruning →
// finalizing-stats → complete; из любого незавершённого этапа — error.
//
// Страницы обрабатываются строго последовательно: файлы страницы, затем
// запись страницы одной транзакцией, затем запрос следующей страницы.
// Удаление отсутствующих элементов выполняется только после полного обхода;
// остановка курсора, предел страниц и любая ошибка запроса прерывают
// синхронизацию без удаления.
//
// Запросы метаданных и страниц повторяются с экспоненциальной задержкой
// (cenkalti/backoff) только для сетевых ошибок и rate limit.
//
// Prometheus-метрики:
//   - boardsync_sync_duration_seconds — длительность синхронизации по результату
//   - boardsync_sync_items_total — элементы по операциям
//   - boardsync_remote_retries_total — повторы запросов к удалённому API
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arunponnappan/boardsync/internal/domain/filter"
	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/domain/syncerr"
	"github.com/arunponnappan/boardsync/internal/remote"
)

var (
	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boardsync_sync_duration_seconds",
		Help:    "Длительность синхронизации доски.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s … ~17m
	}, []string{"result"})

	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_sync_items_total",
		Help: "Количество элементов, обработанных синхронизацией.",
	}, []string{"operation"}) // fetched, filtered, added, updated, pruned

	remoteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boardsync_remote_retries_total",
		Help: "Количество повторов запросов к удалённому API.",
	}, []string{"operation"})
)

// ProgressFunc получает события хода синхронизации в порядке их возникновения.
type ProgressFunc func(model.ProgressEvent)

// BoardSource — чтение доски из удалённой системы.
type BoardSource interface {
	FetchBoard(ctx context.Context, boardID int64) (*remote.Board, error)
	FetchItemsPage(ctx context.Context, boardID int64, limit int, cursor string) (*remote.ItemsPage, error)
	FetchItemsLegacy(ctx context.Context, boardID int64, limit int) (*remote.ItemsPage, error)
}

// AssetProcessor — пакетная обработка файлов.
type AssetProcessor interface {
	ProcessAll(ctx context.Context, refs []AssetRef, policy AssetPolicy) []AssetOutcome
}

// Mirror — запись зеркала.
type Mirror interface {
	UpsertBoard(ctx context.Context, board *model.Board) error
	UpsertItems(ctx context.Context, boardID int64, batch []ItemUpsert) (added, updated int, err error)
	PruneItemsNotIn(ctx context.Context, boardID int64, seenIDs []int64) ([]int64, error)
	CountItems(ctx context.Context, boardID int64) (int, error)
	DiskUsage(boardID int64) (original, optimized int64, err error)
	FinalizeBoard(ctx context.Context, boardID int64, stats model.BoardStats, syncedAt time.Time) error
}

// BoardSyncConfig — параметры обхода доски.
type BoardSyncConfig struct {
	PageSize int
	MaxPages int
	// RetryAttempts — общее число попыток запроса (1 — без повторов)
	RetryAttempts        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// BoardSyncService — оркестратор синхронизации доски.
type BoardSyncService struct {
	source BoardSource
	assets AssetProcessor
	mirror Mirror
	cfg    BoardSyncConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewBoardSyncService создаёт оркестратор синхронизации.
func NewBoardSyncService(
	source BoardSource,
	assets AssetProcessor,
	mirror Mirror,
	cfg BoardSyncConfig,
	logger *slog.Logger,
) *BoardSyncService {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 500
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = time.Second
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = cfg.RetryInitialInterval
	}
	return &BoardSyncService{
		source: source,
		assets: assets,
		mirror: mirror,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "board_sync")),
	}
}

// SyncBoard синхронизирует доску. События передаются в emit синхронно,
// в порядке этапов; при ошибке последним событием будет этап error.
func (s *BoardSyncService) SyncBoard(ctx context.Context, boardID int64, params model.SyncParams, emit ProgressFunc) (*model.SyncReport, error) {
	if emit == nil {
		emit = func(model.ProgressEvent) {}
	}

	run := &syncRun{
		svc:     s,
		boardID: boardID,
		params:  params,
		emit:    emit,
		stage:   model.StageStarted,
		started: s.now(),
		logger:  s.logger.With(slog.Int64("board_id", boardID)),
	}

	report, err := run.execute(ctx)
	elapsed := time.Since(run.started).Seconds()
	if err != nil {
		syncDuration.WithLabelValues("failed").Observe(elapsed)
		run.fail(err)
		return nil, err
	}
	syncDuration.WithLabelValues("complete").Observe(elapsed)
	return report, nil
}

// syncRun — состояние одного прогона синхронизации.
type syncRun struct {
	svc     *BoardSyncService
	boardID int64
	params  model.SyncParams
	emit    ProgressFunc
	stage   model.SyncStage
	stats   model.SyncStats
	started time.Time
	logger  *slog.Logger
}

func (r *syncRun) execute(ctx context.Context) (*model.SyncReport, error) {
	r.event(model.EventInfo, true, fmt.Sprintf("Синхронизация доски %d начата", r.boardID))

	// 1. Метаданные доски
	if err := r.enter(model.StageFetchingMetadata); err != nil {
		return nil, err
	}
	board, err := r.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.svc.mirror.UpsertBoard(ctx, board); err != nil {
		return nil, fmt.Errorf("сохранение доски %d: %w", r.boardID, err)
	}
	r.event(model.EventInfo, true, fmt.Sprintf("Доска «%s»: колонок %d", board.Name, len(board.Columns)))

	// 2. Постраничный обход
	seen, complete, err := r.walk(ctx)
	if err != nil {
		return nil, err
	}

	// 3. Удаление отсутствующих элементов
	if err := r.enter(model.StagePruning); err != nil {
		return nil, err
	}
	if complete {
		pruned, err := r.svc.mirror.PruneItemsNotIn(ctx, r.boardID, seen)
		if err != nil {
			return nil, fmt.Errorf("удаление отсутствующих элементов: %w", err)
		}
		r.stats.ItemsPruned = len(pruned)
		syncItemsTotal.WithLabelValues("pruned").Add(float64(len(pruned)))
		r.event(model.EventInfo, len(pruned) > 0, fmt.Sprintf("Удалено отсутствующих элементов: %d", len(pruned)))
	} else {
		// Устаревший запрос вернул полную страницу: часть элементов могла не попасть в выборку
		r.logger.Warn("Удаление отсутствующих элементов пропущено, список элементов может быть неполным",
			slog.Int("items_seen", len(seen)),
			slog.Int("page_size", r.svc.cfg.PageSize),
		)
		r.event(model.EventWarning, true, "Удаление отсутствующих элементов пропущено: устаревший запрос мог вернуть неполный список")
	}

	// 4. Итоговая статистика
	if err := r.enter(model.StageFinalizing); err != nil {
		return nil, err
	}
	count, err := r.svc.mirror.CountItems(ctx, r.boardID)
	if err != nil {
		return nil, fmt.Errorf("подсчёт элементов доски: %w", err)
	}
	original, optimized, err := r.svc.mirror.DiskUsage(r.boardID)
	if err != nil {
		return nil, fmt.Errorf("подсчёт объёма файлов доски: %w", err)
	}
	r.stats.DBItemCount = count
	r.stats.OriginalBytes = original
	r.stats.OptimizedBytes = optimized

	completedAt := r.svc.now()
	boardStats := model.BoardStats{
		ItemCount:          count,
		SizeBytes:          r.stats.TotalBytes(),
		OriginalSizeBytes:  original,
		OptimizedSizeBytes: optimized,
	}
	if err := r.svc.mirror.FinalizeBoard(ctx, r.boardID, boardStats, completedAt); err != nil {
		return nil, fmt.Errorf("сохранение статистики доски: %w", err)
	}

	// 5. Итог
	if err := r.enter(model.StageComplete); err != nil {
		return nil, err
	}
	summary := r.summary()
	r.event(model.EventInfo, true, summary)

	r.logger.Info("Синхронизация доски завершена",
		slog.Int("pages", r.stats.Pages),
		slog.Int("items_synced", r.stats.ItemsSynced),
		slog.Int("items_pruned", r.stats.ItemsPruned),
		slog.Int("db_item_count", count),
	)

	return &model.SyncReport{
		BoardID:     r.boardID,
		BoardName:   board.Name,
		Stats:       r.stats,
		Summary:     summary,
		StartedAt:   r.started,
		CompletedAt: completedAt,
	}, nil
}

// walk обходит все страницы доски и возвращает идентификаторы всех
// встреченных элементов, включая не прошедшие фильтр.
// complete = false, если список мог быть обрезан устаревшим запросом.
func (r *syncRun) walk(ctx context.Context) (seen []int64, complete bool, err error) {
	if err := r.enter(model.StagePaging); err != nil {
		return nil, false, err
	}

	var cursor string
	for page := 1; ; page++ {
		if page > r.svc.cfg.MaxPages {
			return nil, false, syncerr.New(syncerr.KindPageLimitExceeded, "walk_pages",
				fmt.Sprintf("превышен предел страниц (%d)", r.svc.cfg.MaxPages))
		}

		p, err := r.fetchPage(ctx, cursor)
		if err != nil {
			return nil, false, err
		}
		if p.Cursor != "" && p.Cursor == cursor {
			return nil, false, syncerr.New(syncerr.KindCursorStall, "walk_pages",
				fmt.Sprintf("курсор не изменился на странице %d", page))
		}

		r.stats.Pages++
		r.stats.ItemsFetched += len(p.Items)
		syncItemsTotal.WithLabelValues("fetched").Add(float64(len(p.Items)))

		if len(p.Items) == 0 {
			r.event(model.EventInfo, false, fmt.Sprintf("Страница %d пуста, обход завершён", page))
			break
		}

		ids, err := r.syncPage(ctx, page, p.Items)
		if err != nil {
			return nil, false, err
		}
		seen = append(seen, ids...)

		if p.Legacy {
			return seen, len(p.Items) < r.svc.cfg.PageSize, nil
		}
		if p.Cursor == "" {
			break
		}
		cursor = p.Cursor
		if err := r.enter(model.StagePaging); err != nil {
			return nil, false, err
		}
	}
	return seen, true, nil
}

// syncPage отбирает элементы страницы, обрабатывает их файлы и записывает
// страницу одной транзакцией. Возвращает идентификаторы всех элементов страницы.
func (r *syncRun) syncPage(ctx context.Context, page int, remoteItems []remote.Item) ([]int64, error) {
	ids := make([]int64, 0, len(remoteItems))
	batch := make([]ItemUpsert, 0, len(remoteItems))
	var refs []AssetRef

	for i := range remoteItems {
		it, err := remote.ToModelItem(r.boardID, &remoteItems[i])
		if err != nil {
			r.logger.Warn("Пропущен элемент с некорректным идентификатором",
				slog.String("item_id", remoteItems[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ids = append(ids, it.ID)

		if !filter.Match(it, r.params.Filters) {
			syncItemsTotal.WithLabelValues("filtered").Inc()
			continue
		}
		it.ColumnValues = filter.NormalizeColumns(it.ColumnValues)
		batch = append(batch, ItemUpsert{Item: it})

		if r.params.AssetsAllowed(it.ID) {
			for _, a := range it.Assets {
				refs = append(refs, AssetRef{BoardID: r.boardID, ItemID: it.ID, Asset: a})
			}
		}
	}

	if len(refs) > 0 {
		r.applyAssets(ctx, batch, refs)
	}

	added, updated, err := r.svc.mirror.UpsertItems(ctx, r.boardID, batch)
	if err != nil {
		return nil, err
	}
	r.stats.ItemsSynced += len(batch)
	r.stats.ItemsAdded += added
	r.stats.ItemsUpdated += updated
	syncItemsTotal.WithLabelValues("added").Add(float64(added))
	syncItemsTotal.WithLabelValues("updated").Add(float64(updated))

	r.event(model.EventInfo, true, fmt.Sprintf("Страница %d: получено %d, синхронизировано %d",
		page, len(remoteItems), len(batch)))
	return ids, nil
}

// applyAssets обрабатывает файлы страницы и раскладывает изменения по элементам.
func (r *syncRun) applyAssets(ctx context.Context, batch []ItemUpsert, refs []AssetRef) {
	policy := AssetPolicy{
		Optimize:     r.params.OptimizeImages,
		ForceRefresh: r.params.ForceRefresh,
		KeepOriginal: r.params.KeepOriginal,
	}
	outcomes := r.svc.assets.ProcessAll(ctx, refs, policy)

	updates := make(map[int64]map[string]*model.AssetUpdate)
	for _, o := range outcomes {
		if o.Err != nil {
			r.stats.AssetsFailed++
			r.event(model.EventWarning, false, fmt.Sprintf("Файл %s элемента %d пропущен: %v",
				o.Ref.Asset.ID, o.Ref.ItemID, o.Err))
			continue
		}
		if o.Result == nil {
			continue
		}
		if o.Result.Downloaded {
			r.stats.AssetsDownloaded++
		}
		if o.Result.Optimized {
			r.stats.AssetsOptimized++
			r.stats.SavedBytes += o.Result.SavedBytes
		}
		if o.Result.Purged {
			r.stats.AssetsPurged++
		}

		byAsset := updates[o.Ref.ItemID]
		if byAsset == nil {
			byAsset = make(map[string]*model.AssetUpdate)
			updates[o.Ref.ItemID] = byAsset
		}
		upd := o.Result.Update
		byAsset[o.Result.AssetID] = &upd
	}

	for i := range batch {
		batch[i].Updates = updates[batch[i].Item.ID]
	}
}

func (r *syncRun) fetchBoard(ctx context.Context) (*model.Board, error) {
	b, err := retryRemote(ctx, r, "fetch_board", func() (*remote.Board, error) {
		return r.svc.source.FetchBoard(ctx, r.boardID)
	})
	if err != nil {
		return nil, err
	}
	board, err := remote.ToModelBoard(b)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindRemoteRejected, "fetch_board", err)
	}
	board.ID = r.boardID
	return board, nil
}

// fetchPage запрашивает страницу с повторами. Если первая страница так и
// не получена из-за сетевой ошибки или отказа API, выполняется устаревший
// запрос без пагинации. Продолжения по курсору на него не переходят.
func (r *syncRun) fetchPage(ctx context.Context, cursor string) (*remote.ItemsPage, error) {
	p, err := retryRemote(ctx, r, "fetch_items_page", func() (*remote.ItemsPage, error) {
		return r.svc.source.FetchItemsPage(ctx, r.boardID, r.svc.cfg.PageSize, cursor)
	})
	if err == nil || cursor != "" || ctx.Err() != nil {
		return p, err
	}
	if kind := syncerr.KindOf(err); kind != syncerr.KindTransport && kind != syncerr.KindRemoteRejected {
		return nil, err
	}

	r.logger.Warn("Постраничный запрос не удался, используется устаревший запрос",
		slog.String("kind", string(syncerr.KindOf(err))),
		slog.String("error", err.Error()),
	)
	r.event(model.EventWarning, true, fmt.Sprintf("Постраничный запрос не удался (%v), используется устаревший запрос", err))

	p, legacyErr := retryRemote(ctx, r, "fetch_items_legacy", func() (*remote.ItemsPage, error) {
		return r.svc.source.FetchItemsLegacy(ctx, r.boardID, r.svc.cfg.PageSize)
	})
	if legacyErr != nil {
		return nil, fmt.Errorf("устаревший запрос после ошибки (%v): %w", err, legacyErr)
	}
	return p, nil
}

// enter переводит прогон в следующий этап.
func (r *syncRun) enter(next model.SyncStage) error {
	if !r.stage.CanTransitionTo(next) {
		return fmt.Errorf("недопустимый переход этапа синхронизации: %s → %s", r.stage, next)
	}
	r.stage = next
	return nil
}

// fail завершает прогон этапом error.
func (r *syncRun) fail(err error) {
	if !r.stage.IsTerminal() {
		r.stage = model.StageError
	}
	r.logger.Error("Синхронизация доски прервана",
		slog.String("kind", string(syncerr.KindOf(err))),
		slog.String("error", err.Error()),
	)
	r.event(model.EventError, false, err.Error())
}

func (r *syncRun) event(level model.EventLevel, notable bool, msg string) {
	stats := r.stats
	r.emit(model.ProgressEvent{
		Stage:   r.stage,
		Level:   level,
		Message: msg,
		Notable: notable,
		Stats:   &stats,
	})
}

func (r *syncRun) summary() string {
	const mb = 1024 * 1024
	msg := fmt.Sprintf("Синхронизировано элементов: %d. Объём: %.2f МБ.",
		r.stats.ItemsSynced, float64(r.stats.TotalBytes())/mb)
	if r.params.OptimizeImages && r.stats.SavedBytes > 0 {
		msg += fmt.Sprintf(" Оптимизация сэкономила %.2f МБ.", float64(r.stats.SavedBytes)/mb)
	}
	return msg + fmt.Sprintf(" В базе: %d элементов.", r.stats.DBItemCount)
}

// retryRemote выполняет запрос к удалённому API с повторами.
// Повторяются только сетевые ошибки и rate limit; подсказка Retry-After
// используется как нижняя граница паузы.
func retryRemote[T any](ctx context.Context, r *syncRun, op string, fn func() (T, error)) (T, error) {
	bo := &retryAfterBackOff{base: backoff.NewExponentialBackOff()}
	bo.base.InitialInterval = r.svc.cfg.RetryInitialInterval
	bo.base.MaxInterval = r.svc.cfg.RetryMaxInterval

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := fn()
		if err == nil {
			return res, nil
		}
		if !syncerr.Retryable(err) || errors.Is(err, context.Canceled) {
			return res, backoff.Permanent(err)
		}
		bo.hint = syncerr.RetryAfterOf(err)
		return res, err
	}

	notify := func(err error, wait time.Duration) {
		remoteRetriesTotal.WithLabelValues(op).Inc()
		r.logger.Warn("Повтор запроса к удалённому API",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		r.event(model.EventWarning, true, fmt.Sprintf("Повтор запроса через %s (попытка %d из %d): %v",
			wait.Round(time.Millisecond), attempt+1, r.svc.cfg.RetryAttempts, err))
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(r.svc.cfg.RetryAttempts)),
		backoff.WithNotify(notify),
	)
}

// retryAfterBackOff — экспоненциальная задержка с нижней границей
// из подсказки Retry-After последней ошибки.
type retryAfterBackOff struct {
	base *backoff.ExponentialBackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.base.NextBackOff()
	if d != backoff.Stop && b.hint > d {
		d = b.hint
	}
	b.hint = 0
	return d
}

func (b *retryAfterBackOff) Reset() {
	b.base.Reset()
	b.hint = 0
}
