// items.go — локальное чтение элементов доски и правки элементов.
//
// Список элементов доски кэшируется в expirable LRU. Запись кэша помечена
// updated_at доски: синхронизация обновляет доску в начале и в конце обхода,
// поэтому после неё кэш перечитывается. Правки элементов сбрасывают кэш явно.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/repository"
)

// ColumnWriter — изменение значений колонок в удалённой системе.
type ColumnWriter interface {
	ChangeColumnValues(ctx context.Context, boardID, itemID int64, values map[string]string) error
}

// LocalItemsPage — элементы доски в форме для клиента.
type LocalItemsPage struct {
	Items []LocalItem `json:"items"`
	Total int         `json:"total"`
}

// LocalItem — элемент доски для клиента. Порядок колонок и файлов —
// порядок удалённой системы на момент последней синхронизации.
type LocalItem struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	ColumnValues []model.ColumnValue `json:"column_values"`
	Assets       []LocalAsset        `json:"assets"`
}

// LocalAsset — файл элемента с адресами локальных копий.
type LocalAsset struct {
	model.Asset
	// LocalURL — адрес оригинала, если он есть локально
	LocalURL string `json:"local_url,omitempty"`
	// OptimizedURL — адрес WebP-копии, если она есть локально
	OptimizedURL string `json:"optimized_url,omitempty"`
}

type cachedItems struct {
	version time.Time
	items   []*model.Item
}

// ItemService — чтение и правка элементов зеркала.
type ItemService struct {
	boards    repository.BoardRepository
	items     repository.ItemRepository
	writer    ColumnWriter
	urlPrefix string
	cache     *expirable.LRU[int64, *cachedItems]
	logger    *slog.Logger
}

// NewItemService создаёт сервис элементов.
// urlPrefix — URL-префикс, под которым раздаётся каталог файлов.
func NewItemService(
	boards repository.BoardRepository,
	items repository.ItemRepository,
	writer ColumnWriter,
	urlPrefix string,
	cacheSize int,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *ItemService {
	if cacheSize < 1 {
		cacheSize = 1
	}
	return &ItemService{
		boards:    boards,
		items:     items,
		writer:    writer,
		urlPrefix: urlPrefix,
		cache:     expirable.NewLRU[int64, *cachedItems](cacheSize, nil, cacheTTL),
		logger:    logger.With(slog.String("component", "items")),
	}
}

// ListLocalItems возвращает элементы доски из зеркала.
// limit <= 0 — все элементы начиная с offset.
func (s *ItemService) ListLocalItems(ctx context.Context, boardID int64, limit, offset int) (*LocalItemsPage, error) {
	board, err := s.boards.GetByID(ctx, boardID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	all, err := s.load(ctx, board)
	if err != nil {
		return nil, err
	}

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	page := &LocalItemsPage{Items: make([]LocalItem, 0, end-offset), Total: total}
	for _, it := range all[offset:end] {
		page.Items = append(page.Items, s.toLocal(it))
	}
	return page, nil
}

func (s *ItemService) load(ctx context.Context, board *model.Board) ([]*model.Item, error) {
	if c, ok := s.cache.Get(board.ID); ok && c.version.Equal(board.UpdatedAt) {
		return c.items, nil
	}

	items, err := s.items.ListByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(board.ID, &cachedItems{version: board.UpdatedAt, items: items})
	return items, nil
}

func (s *ItemService) toLocal(it *model.Item) LocalItem {
	li := LocalItem{
		ID:           it.ID,
		Name:         it.Name,
		ColumnValues: it.ColumnValues,
		Assets:       make([]LocalAsset, 0, len(it.Assets)),
	}
	if li.ColumnValues == nil {
		li.ColumnValues = []model.ColumnValue{}
	}
	for _, a := range it.Assets {
		la := LocalAsset{Asset: a}
		if a.LocalPath != "" {
			la.LocalURL = path.Join(s.urlPrefix, a.LocalPath)
		}
		if a.OptimizedPath != "" {
			la.OptimizedURL = path.Join(s.urlPrefix, a.OptimizedPath)
		}
		li.Assets = append(li.Assets, la)
	}
	return li
}

// UpdateColumnValues изменяет значения колонок в удалённой системе и затем
// в зеркале. Ключ "name" меняет название элемента.
func (s *ItemService) UpdateColumnValues(ctx context.Context, boardID, itemID int64, values map[string]string) (*model.Item, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: column_values пуст", ErrValidation)
	}

	it, err := s.getItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it.BoardID != boardID {
		return nil, fmt.Errorf("%w: элемент %d не принадлежит доске %d", ErrValidation, itemID, boardID)
	}

	if err := s.writer.ChangeColumnValues(ctx, boardID, itemID, values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	for id, text := range values {
		if id == "name" {
			it.Name = text
			continue
		}
		found := false
		for i := range it.ColumnValues {
			if it.ColumnValues[i].ID == id {
				it.ColumnValues[i].Text = text
				found = true
				break
			}
		}
		if !found {
			it.ColumnValues = append(it.ColumnValues, model.ColumnValue{ID: id, Text: text})
		}
	}

	if err := s.items.UpdateContent(ctx, it); err != nil {
		return nil, err
	}
	s.Invalidate(boardID)

	s.logger.Info("Значения колонок элемента изменены",
		slog.Int64("board_id", boardID),
		slog.Int64("item_id", itemID),
		slog.Int("columns", len(values)),
	)
	return it, nil
}

// SetAssetRotation сохраняет поворот файла для отображения.
// Угол должен быть кратен 90 и приводится к 0, 90, 180, 270.
func (s *ItemService) SetAssetRotation(ctx context.Context, itemID int64, assetID string, rotation int) (*model.Asset, error) {
	deg, ok := model.NormalizeRotation(rotation)
	if !ok {
		return nil, fmt.Errorf("%w: угол поворота %d не кратен 90", ErrValidation, rotation)
	}

	it, err := s.getItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	a := it.Asset(assetID)
	if a == nil {
		return nil, ErrNotFound
	}
	a.Rotation = deg

	if err := s.items.UpdateAssets(ctx, it.ID, it.Assets); err != nil {
		return nil, err
	}
	s.Invalidate(it.BoardID)
	return a, nil
}

// Get возвращает элемент зеркала.
func (s *ItemService) Get(ctx context.Context, itemID int64) (*model.Item, error) {
	return s.getItem(ctx, itemID)
}

// Invalidate сбрасывает кэш элементов доски.
func (s *ItemService) Invalidate(boardID int64) {
	s.cache.Remove(boardID)
}

func (s *ItemService) getItem(ctx context.Context, itemID int64) (*model.Item, error) {
	it, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return it, nil
}
