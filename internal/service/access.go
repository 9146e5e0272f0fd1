// access.go — журнал доступа пользователей к доскам.
// Администраторы видят все доски, остальные — только выданные им.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/repository"
)

// AccessService — выдача, отзыв и проверка доступа к доскам.
type AccessService struct {
	repo   repository.BoardAccessRepository
	logger *slog.Logger
}

// NewAccessService создаёт сервис доступа.
func NewAccessService(repo repository.BoardAccessRepository, logger *slog.Logger) *AccessService {
	return &AccessService{
		repo:   repo,
		logger: logger.With(slog.String("component", "access")),
	}
}

// Grant выдаёт доступ к доске. Повторная выдача ничего не меняет.
// Возвращает количество новых разрешений.
func (s *AccessService) Grant(ctx context.Context, boardID int64, userIDs []string, grantedBy string) (int, error) {
	ids, err := normalizeUserIDs(boardID, userIDs)
	if err != nil {
		return 0, err
	}

	n, err := s.repo.Grant(ctx, boardID, ids, grantedBy)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Выдан доступ к доске",
		slog.Int64("board_id", boardID),
		slog.Int("granted", n),
		slog.String("granted_by", grantedBy),
	)
	return n, nil
}

// Revoke отзывает доступ к доске.
func (s *AccessService) Revoke(ctx context.Context, boardID int64, userIDs []string) (int, error) {
	ids, err := normalizeUserIDs(boardID, userIDs)
	if err != nil {
		return 0, err
	}

	n, err := s.repo.Revoke(ctx, boardID, ids)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Отозван доступ к доске",
		slog.Int64("board_id", boardID),
		slog.Int("revoked", n),
	)
	return n, nil
}

// ListUsers возвращает разрешения доски.
func (s *AccessService) ListUsers(ctx context.Context, boardID int64) ([]model.BoardGrant, error) {
	return s.repo.ListByBoard(ctx, boardID)
}

// BoardIDsForUser возвращает доски, доступные пользователю.
func (s *AccessService) BoardIDsForUser(ctx context.Context, userID string) ([]int64, error) {
	return s.repo.BoardIDsForUser(ctx, userID)
}

// CanAccess проверяет доступ пользователя к доске.
func (s *AccessService) CanAccess(ctx context.Context, userID string, isAdmin bool, boardID int64) (bool, error) {
	if isAdmin {
		return true, nil
	}
	if userID == "" {
		return false, nil
	}
	return s.repo.Exists(ctx, boardID, userID)
}

// FilterBoards оставляет доски, доступные пользователю.
func (s *AccessService) FilterBoards(ctx context.Context, userID string, isAdmin bool, boards []*model.Board) ([]*model.Board, error) {
	if isAdmin {
		return boards, nil
	}

	ids, err := s.repo.BoardIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}

	result := make([]*model.Board, 0, len(boards))
	for _, b := range boards {
		if allowed[b.ID] {
			result = append(result, b)
		}
	}
	return result, nil
}

// normalizeUserIDs убирает пустые и повторяющиеся идентификаторы.
func normalizeUserIDs(boardID int64, userIDs []string) ([]string, error) {
	if boardID <= 0 {
		return nil, fmt.Errorf("%w: некорректный board_id %d", ErrValidation, boardID)
	}

	seen := make(map[string]bool, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: список user_ids пуст", ErrValidation)
	}
	return ids, nil
}
