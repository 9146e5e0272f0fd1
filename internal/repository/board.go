package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

// BoardRepository — зеркало досок.
type BoardRepository interface {
	// Upsert создаёт или обновляет метаданные доски. Статистика не меняется.
	Upsert(ctx context.Context, b *model.Board) error
	GetByID(ctx context.Context, id int64) (*model.Board, error)
	List(ctx context.Context) ([]*model.Board, error)
	// UpdateSyncStats фиксирует итоги успешной синхронизации.
	UpdateSyncStats(ctx context.Context, id int64, stats model.BoardStats, syncedAt time.Time) error
	// Delete удаляет доску; элементы удаляются каскадно.
	Delete(ctx context.Context, id int64) error
}

type boardRepo struct {
	db DBTX
}

// NewBoardRepository создаёт репозиторий досок.
func NewBoardRepository(db DBTX) BoardRepository {
	return &boardRepo{db: db}
}

const boardColumns = `id, name, state, columns, last_synced_at, last_sync_item_count,
	last_sync_size_bytes, last_sync_original_size_bytes, last_sync_optimized_size_bytes,
	created_at, updated_at`

func (r *boardRepo) Upsert(ctx context.Context, b *model.Board) error {
	columns, err := marshalJSONB(b.Columns)
	if err != nil {
		return fmt.Errorf("сериализация колонок доски %d: %w", b.ID, err)
	}

	query := `
		INSERT INTO boards (id, name, state, columns)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			columns = EXCLUDED.columns
		RETURNING created_at, updated_at`

	if err := r.db.QueryRow(ctx, query, b.ID, b.Name, b.State, columns).Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("ошибка upsert доски %d: %w", b.ID, err)
	}
	return nil
}

func (r *boardRepo) GetByID(ctx context.Context, id int64) (*model.Board, error) {
	query := `SELECT ` + boardColumns + ` FROM boards WHERE id = $1`

	b, err := scanBoard(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения доски %d: %w", id, err)
	}
	return b, nil
}

func (r *boardRepo) List(ctx context.Context) ([]*model.Board, error) {
	query := `SELECT ` + boardColumns + ` FROM boards ORDER BY name, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка досок: %w", err)
	}
	defer rows.Close()

	var boards []*model.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения доски: %w", err)
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

func (r *boardRepo) UpdateSyncStats(ctx context.Context, id int64, stats model.BoardStats, syncedAt time.Time) error {
	query := `
		UPDATE boards SET
			last_synced_at = $2,
			last_sync_item_count = $3,
			last_sync_size_bytes = $4,
			last_sync_original_size_bytes = $5,
			last_sync_optimized_size_bytes = $6
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, syncedAt,
		stats.ItemCount, stats.SizeBytes, stats.OriginalSizeBytes, stats.OptimizedSizeBytes)
	if err != nil {
		return fmt.Errorf("ошибка обновления статистики доски %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *boardRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM boards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления доски %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBoard(row pgx.Row) (*model.Board, error) {
	b := &model.Board{}
	var columns []byte
	err := row.Scan(&b.ID, &b.Name, &b.State, &columns, &b.LastSyncedAt,
		&b.Stats.ItemCount, &b.Stats.SizeBytes, &b.Stats.OriginalSizeBytes, &b.Stats.OptimizedSizeBytes,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(columns, &b.Columns); err != nil {
		return nil, fmt.Errorf("разбор колонок доски %d: %w", b.ID, err)
	}
	return b, nil
}
