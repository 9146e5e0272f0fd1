package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

// ItemRepository — зеркало элементов досок.
type ItemRepository interface {
	// GetAssets возвращает текущие записи файлов указанных элементов доски.
	GetAssets(ctx context.Context, boardID int64, itemIDs []int64) (map[int64][]model.Asset, error)
	// BatchUpsert вставляет или обновляет элементы.
	// Элемент другой доски с тем же ID — ErrConflict.
	BatchUpsert(ctx context.Context, items []*model.Item) (added, updated int, err error)
	// DeleteExcept удаляет элементы доски, отсутствующие в keepIDs,
	// и возвращает идентификаторы удалённых.
	DeleteExcept(ctx context.Context, boardID int64, keepIDs []int64) ([]int64, error)
	// DeleteByBoard удаляет все элементы доски.
	DeleteByBoard(ctx context.Context, boardID int64) (int, error)
	GetByID(ctx context.Context, itemID int64) (*model.Item, error)
	ListByBoard(ctx context.Context, boardID int64) ([]*model.Item, error)
	CountByBoard(ctx context.Context, boardID int64) (int, error)
	// UpdateContent перезаписывает название и значения колонок.
	UpdateContent(ctx context.Context, item *model.Item) error
	// UpdateAssets перезаписывает записи файлов элемента.
	UpdateAssets(ctx context.Context, itemID int64, assets []model.Asset) error
}

type itemRepo struct {
	db DBTX
}

// NewItemRepository создаёт репозиторий элементов.
func NewItemRepository(db DBTX) ItemRepository {
	return &itemRepo{db: db}
}

const itemColumns = `id, board_id, name, column_values, assets, created_at, updated_at`

func (r *itemRepo) GetAssets(ctx context.Context, boardID int64, itemIDs []int64) (map[int64][]model.Asset, error) {
	result := make(map[int64][]model.Asset, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, assets FROM board_items WHERE board_id = $1 AND id = ANY($2)`,
		boardID, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов элементов доски %d: %w", boardID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("ошибка чтения файлов элемента: %w", err)
		}
		var assets []model.Asset
		if err := unmarshalJSONB(raw, &assets); err != nil {
			return nil, fmt.Errorf("разбор файлов элемента %d: %w", id, err)
		}
		result[id] = assets
	}
	return result, rows.Err()
}

// BatchUpsert вставляет или обновляет элементы (INSERT ON CONFLICT UPDATE).
// Возвращает количество добавленных и обновлённых записей.
func (r *itemRepo) BatchUpsert(ctx context.Context, items []*model.Item) (added, updated int, err error) {
	query := `
		INSERT INTO board_items (id, board_id, name, column_values, assets)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			column_values = EXCLUDED.column_values,
			assets = EXCLUDED.assets
		WHERE board_items.board_id = EXCLUDED.board_id
		RETURNING (xmax = 0) AS is_insert`

	for _, it := range items {
		columns, err := marshalJSONB(it.ColumnValues)
		if err != nil {
			return added, updated, fmt.Errorf("сериализация колонок элемента %d: %w", it.ID, err)
		}
		assets, err := marshalJSONB(it.Assets)
		if err != nil {
			return added, updated, fmt.Errorf("сериализация файлов элемента %d: %w", it.ID, err)
		}

		var isInsert bool
		err = r.db.QueryRow(ctx, query, it.ID, it.BoardID, it.Name, columns, assets).Scan(&isInsert)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return added, updated, fmt.Errorf("%w: элемент %d принадлежит другой доске", ErrConflict, it.ID)
			}
			return added, updated, fmt.Errorf("ошибка upsert элемента %d: %w", it.ID, err)
		}
		if isInsert {
			added++
		} else {
			updated++
		}
	}
	return added, updated, nil
}

func (r *itemRepo) DeleteExcept(ctx context.Context, boardID int64, keepIDs []int64) ([]int64, error) {
	if keepIDs == nil {
		keepIDs = []int64{}
	}

	rows, err := r.db.Query(ctx,
		`DELETE FROM board_items WHERE board_id = $1 AND id != ALL($2) RETURNING id`,
		boardID, keepIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления отсутствующих элементов доски %d: %w", boardID, err)
	}
	defer rows.Close()

	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка чтения удалённого элемента: %w", err)
		}
		deleted = append(deleted, id)
	}
	return deleted, rows.Err()
}

func (r *itemRepo) DeleteByBoard(ctx context.Context, boardID int64) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM board_items WHERE board_id = $1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления элементов доски %d: %w", boardID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *itemRepo) GetByID(ctx context.Context, itemID int64) (*model.Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM board_items WHERE id = $1`, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента %d: %w", itemID, err)
	}
	return it, nil
}

func (r *itemRepo) ListByBoard(ctx context.Context, boardID int64) ([]*model.Item, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+itemColumns+` FROM board_items WHERE board_id = $1 ORDER BY id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения элементов доски %d: %w", boardID, err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения элемента: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *itemRepo) CountByBoard(ctx context.Context, boardID int64) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM board_items WHERE board_id = $1`, boardID).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта элементов доски %d: %w", boardID, err)
	}
	return count, nil
}

func (r *itemRepo) UpdateContent(ctx context.Context, item *model.Item) error {
	columns, err := marshalJSONB(item.ColumnValues)
	if err != nil {
		return fmt.Errorf("сериализация колонок элемента %d: %w", item.ID, err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE board_items SET name = $2, column_values = $3 WHERE id = $1`,
		item.ID, item.Name, columns)
	if err != nil {
		return fmt.Errorf("ошибка обновления элемента %d: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *itemRepo) UpdateAssets(ctx context.Context, itemID int64, assets []model.Asset) error {
	raw, err := marshalJSONB(assets)
	if err != nil {
		return fmt.Errorf("сериализация файлов элемента %d: %w", itemID, err)
	}

	tag, err := r.db.Exec(ctx, `UPDATE board_items SET assets = $2 WHERE id = $1`, itemID, raw)
	if err != nil {
		return fmt.Errorf("ошибка обновления файлов элемента %d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanItem(row pgx.Row) (*model.Item, error) {
	it := &model.Item{}
	var columns, assets []byte
	if err := row.Scan(&it.ID, &it.BoardID, &it.Name, &columns, &assets, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(columns, &it.ColumnValues); err != nil {
		return nil, fmt.Errorf("разбор колонок элемента %d: %w", it.ID, err)
	}
	if err := unmarshalJSONB(assets, &it.Assets); err != nil {
		return nil, fmt.Errorf("разбор файлов элемента %d: %w", it.ID, err)
	}
	return it, nil
}
