// boards.go — доски: список из удалённой системы, локальная запись,
// очистка кэша и удаление данных доски.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/remote"
	"github.com/arunponnappan/boardsync/internal/repository"
	"github.com/arunponnappan/boardsync/internal/storage/assetstore"
)

// максимальное число досок в списке удалённой системы
const remoteBoardsLimit = 500

// RemoteCatalog — справочные запросы к удалённой системе.
type RemoteCatalog interface {
	ListBoards(ctx context.Context, limit int) ([]remote.Board, error)
	Ping(ctx context.Context) error
}

// CacheInvalidator сбрасывает кэш локального чтения доски.
type CacheInvalidator interface {
	Invalidate(boardID int64)
}

// ClearOptions — что очистить. Из файловых флагов действует первый
// установленный: ClearAssets, ClearOptimized, ClearOriginals.
type ClearOptions struct {
	ClearDB        bool
	ClearAssets    bool
	ClearOptimized bool
	ClearOriginals bool
}

// ClearResult — итог очистки.
type ClearResult struct {
	ItemsRemoved int
	FilesRemoved int
	BytesFreed   int64
}

// BoardService — операции над досками.
type BoardService struct {
	catalog RemoteCatalog
	access  *AccessService
	boards  repository.BoardRepository
	items   repository.ItemRepository
	grants  repository.BoardAccessRepository
	files   *assetstore.Store
	cache   CacheInvalidator
	logger  *slog.Logger
}

// NewBoardService создаёт сервис досок. cache может быть nil.
func NewBoardService(
	catalog RemoteCatalog,
	access *AccessService,
	boards repository.BoardRepository,
	items repository.ItemRepository,
	grants repository.BoardAccessRepository,
	files *assetstore.Store,
	cache CacheInvalidator,
	logger *slog.Logger,
) *BoardService {
	return &BoardService{
		catalog: catalog,
		access:  access,
		boards:  boards,
		items:   items,
		grants:  grants,
		files:   files,
		cache:   cache,
		logger:  logger.With(slog.String("component", "boards")),
	}
}

// ListVisible возвращает доски удалённой системы, доступные пользователю.
func (s *BoardService) ListVisible(ctx context.Context, userID string, isAdmin bool) ([]*model.Board, error) {
	remoteBoards, err := s.catalog.ListBoards(ctx, remoteBoardsLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	boards := make([]*model.Board, 0, len(remoteBoards))
	for i := range remoteBoards {
		b, err := remote.ToModelBoard(&remoteBoards[i])
		if err != nil {
			s.logger.Warn("Пропущена доска с некорректным идентификатором",
				slog.String("board_id", remoteBoards[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		boards = append(boards, b)
	}
	return s.access.FilterBoards(ctx, userID, isAdmin, boards)
}

// Get возвращает локальную запись доски.
func (s *BoardService) Get(ctx context.Context, boardID int64) (*model.Board, error) {
	b, err := s.boards.GetByID(ctx, boardID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// TestConnection проверяет доступность удалённого API и ключа.
func (s *BoardService) TestConnection(ctx context.Context) bool {
	if err := s.catalog.Ping(ctx); err != nil {
		s.logger.Warn("Удалённый API недоступен", slog.String("error", err.Error()))
		return false
	}
	return true
}

// ClearCache очищает элементы и (или) локальные копии файлов доски.
func (s *BoardService) ClearCache(ctx context.Context, boardID int64, opts ClearOptions) (*ClearResult, error) {
	res := &ClearResult{}
	defer s.invalidate(boardID)

	if opts.ClearDB {
		n, err := s.items.DeleteByBoard(ctx, boardID)
		if err != nil {
			return nil, err
		}
		res.ItemsRemoved = n
	}

	switch {
	case opts.ClearAssets:
		freed, err := s.files.RemoveBoardDir(boardID)
		if err != nil {
			return nil, err
		}
		res.BytesFreed = freed
		if err := s.forgetLocalPaths(ctx, boardID, true, true); err != nil {
			return nil, err
		}
	case opts.ClearOptimized:
		n, freed, err := s.files.RemoveBoardFiles(boardID, assetstore.IsOptimized)
		if err != nil {
			return nil, err
		}
		res.FilesRemoved, res.BytesFreed = n, freed
		if err := s.forgetLocalPaths(ctx, boardID, false, true); err != nil {
			return nil, err
		}
	case opts.ClearOriginals:
		n, freed, err := s.files.RemoveBoardFiles(boardID, func(name string) bool {
			return !assetstore.IsOptimized(name)
		})
		if err != nil {
			return nil, err
		}
		res.FilesRemoved, res.BytesFreed = n, freed
		if err := s.forgetLocalPaths(ctx, boardID, true, false); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Кэш доски очищен",
		slog.Int64("board_id", boardID),
		slog.Int("items_removed", res.ItemsRemoved),
		slog.Int("files_removed", res.FilesRemoved),
		slog.Int64("bytes_freed", res.BytesFreed),
	)
	return res, nil
}

// forgetLocalPaths убирает из записей файлов пути к удалённым копиям.
func (s *BoardService) forgetLocalPaths(ctx context.Context, boardID int64, originals, optimized bool) error {
	items, err := s.items.ListByBoard(ctx, boardID)
	if err != nil {
		return err
	}

	for _, it := range items {
		changed := false
		for i := range it.Assets {
			a := &it.Assets[i]
			if originals && (a.LocalPath != "" || a.OriginalPurged) {
				a.LocalPath = ""
				a.OriginalPurged = false
				a.Stats.OriginalBytes = 0
				changed = true
			}
			if optimized && a.OptimizedPath != "" {
				a.OptimizedPath = ""
				a.Stats.OptimizedBytes = 0
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := s.items.UpdateAssets(ctx, it.ID, it.Assets); err != nil {
			return err
		}
	}
	return nil
}

// Delete удаляет все локальные данные доски: элементы, запись доски,
// разрешения и каталог файлов.
func (s *BoardService) Delete(ctx context.Context, boardID int64) (*ClearResult, error) {
	res := &ClearResult{}
	defer s.invalidate(boardID)

	n, err := s.items.DeleteByBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	res.ItemsRemoved = n

	boardExisted := true
	if err := s.boards.Delete(ctx, boardID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		boardExisted = false
	}

	if _, err := s.grants.DeleteByBoard(ctx, boardID); err != nil {
		return nil, err
	}

	freed, err := s.files.RemoveBoardDir(boardID)
	if err != nil {
		return nil, err
	}
	res.BytesFreed = freed

	if !boardExisted && n == 0 && freed == 0 {
		return nil, ErrNotFound
	}

	s.logger.Info("Данные доски удалены",
		slog.Int64("board_id", boardID),
		slog.Int("items_removed", n),
		slog.Int64("bytes_freed", freed),
	)
	return res, nil
}

func (s *BoardService) invalidate(boardID int64) {
	if s.cache != nil {
		s.cache.Invalidate(boardID)
	}
}
