// mirror_store.go — единственная точка записи зеркала досок.
//
// Элементы страницы записываются одной транзакцией: предыдущие записи
// файлов читаются внутри неё и сливаются с данными удалённой системы
// функцией model.MergeAssets, поэтому локальные пути, поворот и размеры
// копий переживают повторную синхронизацию.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/repository"
	"github.com/arunponnappan/boardsync/internal/storage/assetstore"
)

// ItemUpsert — элемент страницы с изменениями его файлов.
// Item.Assets содержит поля удалённой системы в её порядке.
type ItemUpsert struct {
	Item    *model.Item
	Updates map[string]*model.AssetUpdate
}

// itemTxFunc выполняет fn в транзакции с репозиторием элементов.
type itemTxFunc func(ctx context.Context, fn func(items repository.ItemRepository) error) error

// MirrorStore — запись зеркала досок и элементов.
type MirrorStore struct {
	boards  repository.BoardRepository
	items   repository.ItemRepository
	runInTx itemTxFunc
	files   *assetstore.Store
	logger  *slog.Logger
}

// NewMirrorStore создаёт MirrorStore поверх пула PostgreSQL.
func NewMirrorStore(pool *pgxpool.Pool, files *assetstore.Store, logger *slog.Logger) *MirrorStore {
	txRunner := repository.NewTxRunner(pool)
	runInTx := func(ctx context.Context, fn func(repository.ItemRepository) error) error {
		return txRunner.RunInTx(ctx, func(tx pgx.Tx) error {
			return fn(repository.NewItemRepository(tx))
		})
	}
	return newMirrorStore(repository.NewBoardRepository(pool), repository.NewItemRepository(pool), runInTx, files, logger)
}

func newMirrorStore(
	boards repository.BoardRepository,
	items repository.ItemRepository,
	runInTx itemTxFunc,
	files *assetstore.Store,
	logger *slog.Logger,
) *MirrorStore {
	return &MirrorStore{
		boards:  boards,
		items:   items,
		runInTx: runInTx,
		files:   files,
		logger:  logger.With(slog.String("component", "mirror_store")),
	}
}

// UpsertBoard создаёт или обновляет метаданные доски.
func (m *MirrorStore) UpsertBoard(ctx context.Context, board *model.Board) error {
	return m.boards.Upsert(ctx, board)
}

// UpsertItems записывает элементы страницы одной транзакцией.
func (m *MirrorStore) UpsertItems(ctx context.Context, boardID int64, batch []ItemUpsert) (added, updated int, err error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	ids := make([]int64, 0, len(batch))
	for _, u := range batch {
		ids = append(ids, u.Item.ID)
	}

	err = m.runInTx(ctx, func(items repository.ItemRepository) error {
		prev, err := items.GetAssets(ctx, boardID, ids)
		if err != nil {
			return err
		}

		merged := make([]*model.Item, 0, len(batch))
		for _, u := range batch {
			it := *u.Item
			it.BoardID = boardID
			it.Assets = model.MergeAssets(prev[it.ID], u.Item.Assets, u.Updates)
			merged = append(merged, &it)
		}

		added, updated, err = items.BatchUpsert(ctx, merged)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("запись страницы доски %d: %w", boardID, err)
	}
	return added, updated, nil
}

// PruneItemsNotIn удаляет элементы доски, не встреченные при полном обходе,
// вместе с каталогами их файлов. Вызывается только после полного обхода.
func (m *MirrorStore) PruneItemsNotIn(ctx context.Context, boardID int64, seenIDs []int64) ([]int64, error) {
	pruned, err := m.items.DeleteExcept(ctx, boardID, seenIDs)
	if err != nil {
		return nil, err
	}

	for _, id := range pruned {
		if err := m.files.RemoveItemDir(boardID, id); err != nil {
			m.logger.Warn("Не удалось удалить файлы элемента",
				slog.Int64("board_id", boardID),
				slog.Int64("item_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(pruned) > 0 {
		m.logger.Info("Удалены отсутствующие элементы",
			slog.Int64("board_id", boardID),
			slog.Int("count", len(pruned)),
		)
	}
	return pruned, nil
}

// CountItems возвращает количество элементов доски в зеркале.
func (m *MirrorStore) CountItems(ctx context.Context, boardID int64) (int, error) {
	return m.items.CountByBoard(ctx, boardID)
}

// DiskUsage возвращает объём оригиналов и оптимизированных копий доски.
func (m *MirrorStore) DiskUsage(boardID int64) (original, optimized int64, err error) {
	return m.files.BoardUsage(boardID)
}

// FinalizeBoard фиксирует итоги синхронизации доски.
func (m *MirrorStore) FinalizeBoard(ctx context.Context, boardID int64, stats model.BoardStats, syncedAt time.Time) error {
	return m.boards.UpdateSyncStats(ctx, boardID, stats, syncedAt)
}
