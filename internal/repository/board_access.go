package repository

import (
	"context"
	"fmt"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

// BoardAccessRepository — журнал доступа пользователей к доскам.
type BoardAccessRepository interface {
	// Grant выдаёт доступ; существующие разрешения не меняются.
	// Возвращает количество новых разрешений.
	Grant(ctx context.Context, boardID int64, userIDs []string, grantedBy string) (int, error)
	// Revoke отзывает доступ и возвращает количество отозванных разрешений.
	Revoke(ctx context.Context, boardID int64, userIDs []string) (int, error)
	ListByBoard(ctx context.Context, boardID int64) ([]model.BoardGrant, error)
	BoardIDsForUser(ctx context.Context, userID string) ([]int64, error)
	Exists(ctx context.Context, boardID int64, userID string) (bool, error)
	DeleteByBoard(ctx context.Context, boardID int64) (int, error)
}

type boardAccessRepo struct {
	db DBTX
}

// NewBoardAccessRepository создаёт репозиторий журнала доступа.
func NewBoardAccessRepository(db DBTX) BoardAccessRepository {
	return &boardAccessRepo{db: db}
}

func (r *boardAccessRepo) Grant(ctx context.Context, boardID int64, userIDs []string, grantedBy string) (int, error) {
	query := `
		INSERT INTO board_access (board_id, user_id, granted_by)
		SELECT $1, u, $3 FROM unnest($2::text[]) AS u
		ON CONFLICT (board_id, user_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, boardID, userIDs, grantedBy)
	if err != nil {
		return 0, fmt.Errorf("ошибка выдачи доступа к доске %d: %w", boardID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *boardAccessRepo) Revoke(ctx context.Context, boardID int64, userIDs []string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM board_access WHERE board_id = $1 AND user_id = ANY($2)`, boardID, userIDs)
	if err != nil {
		return 0, fmt.Errorf("ошибка отзыва доступа к доске %d: %w", boardID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *boardAccessRepo) ListByBoard(ctx context.Context, boardID int64) ([]model.BoardGrant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT board_id, user_id, granted_by, granted_at FROM board_access
		 WHERE board_id = $1 ORDER BY granted_at, user_id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения доступа к доске %d: %w", boardID, err)
	}
	defer rows.Close()

	var grants []model.BoardGrant
	for rows.Next() {
		var g model.BoardGrant
		if err := rows.Scan(&g.BoardID, &g.UserID, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения разрешения: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (r *boardAccessRepo) BoardIDsForUser(ctx context.Context, userID string) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT board_id FROM board_access WHERE user_id = $1 ORDER BY board_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения досок пользователя: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка чтения доски пользователя: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *boardAccessRepo) Exists(ctx context.Context, boardID int64, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM board_access WHERE board_id = $1 AND user_id = $2)`,
		boardID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки доступа к доске %d: %w", boardID, err)
	}
	return exists, nil
}

func (r *boardAccessRepo) DeleteByBoard(ctx context.Context, boardID int64) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM board_access WHERE board_id = $1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления доступа к доске %d: %w", boardID, err)
	}
	return int(tag.RowsAffected()), nil
}
