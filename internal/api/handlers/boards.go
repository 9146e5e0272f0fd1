// boards.go — обработчики /api/v1/boards: список досок, локальная запись,
// элементы зеркала, очистка кэша и удаление данных доски.
package handlers

import (
	"net/http"
	"time"

	apierrors "github.com/arunponnappan/boardsync/internal/api/errors"
	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/service"
)

const maxItemsPageSize = 1000

type boardStatsResponse struct {
	ItemCount          int   `json:"item_count"`
	SizeBytes          int64 `json:"size_bytes"`
	OriginalSizeBytes  int64 `json:"original_size_bytes"`
	OptimizedSizeBytes int64 `json:"optimized_size_bytes"`
}

type boardResponse struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	State        string              `json:"state,omitempty"`
	Columns      []model.BoardColumn `json:"columns,omitempty"`
	LastSyncedAt *time.Time          `json:"last_synced_at,omitempty"`
	Stats        *boardStatsResponse `json:"stats,omitempty"`
}

func mapBoard(b *model.Board, withStats bool) boardResponse {
	resp := boardResponse{
		ID:           b.ID,
		Name:         b.Name,
		State:        b.State,
		Columns:      b.Columns,
		LastSyncedAt: b.LastSyncedAt,
	}
	if withStats {
		resp.Stats = &boardStatsResponse{
			ItemCount:          b.Stats.ItemCount,
			SizeBytes:          b.Stats.SizeBytes,
			OriginalSizeBytes:  b.Stats.OriginalSizeBytes,
			OptimizedSizeBytes: b.Stats.OptimizedSizeBytes,
		}
	}
	return resp
}

type clearCacheRequest struct {
	ClearDB        bool `json:"clear_db"`
	ClearAssets    bool `json:"clear_assets"`
	ClearOptimized bool `json:"clear_optimized"`
	ClearOriginals bool `json:"clear_originals"`
}

type clearResultResponse struct {
	Status       string  `json:"status"`
	ItemsRemoved int     `json:"items_removed"`
	FilesRemoved int     `json:"files_removed"`
	BytesFreed   int64   `json:"bytes_freed"`
	MBFreed      float64 `json:"mb_freed"`
}

func mapClearResult(res *service.ClearResult) clearResultResponse {
	return clearResultResponse{
		Status:       "success",
		ItemsRemoved: res.ItemsRemoved,
		FilesRemoved: res.FilesRemoved,
		BytesFreed:   res.BytesFreed,
		MBFreed:      float64(res.BytesFreed*100/(1024*1024)) / 100,
	}
}

// ListBoards — GET /api/v1/boards.
// Доски удалённой системы; пользователь видит только выданные ему.
func (h *APIHandler) ListBoards(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	boards, err := h.boards.ListVisible(r.Context(), claims.Subject, claims.IsAdmin())
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения списка досок")
		return
	}

	items := make([]boardResponse, 0, len(boards))
	for _, b := range boards {
		items = append(items, mapBoard(b, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": items})
}

// GetBoard — GET /api/v1/boards/{boardId}.
// Локальная запись доски со статистикой последней синхронизации.
func (h *APIHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	boardID, ok := bindPathInt64(w, r, "boardId")
	if !ok {
		return
	}
	if _, ok := h.requireBoardAccess(w, r, boardID); !ok {
		return
	}
	b, err := h.boards.Get(r.Context(), boardID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения доски")
		return
	}
	writeJSON(w, http.StatusOK, mapBoard(b, true))
}

// DeleteBoard — DELETE /api/v1/boards/{boardId}.
// Удаляет элементы, запись доски, разрешения и файлы. Доступ: admin.
func (h *APIHandler) DeleteBoard(w http.ResponseWriter, r *http.Request) {
	boardID, ok := bindPathInt64(w, r, "boardId")
	if !ok {
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	res, err := h.boards.Delete(r.Context(), boardID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка удаления доски")
		return
	}
	writeJSON(w, http.StatusOK, mapClearResult(res))
}

// ListBoardItems — GET /api/v1/boards/{boardId}/items.
// Без limit возвращаются все элементы начиная с offset.
func (h *APIHandler) ListBoardItems(w http.ResponseWriter, r *http.Request) {
	boardID, ok := bindPathInt64(w, r, "boardId")
	if !ok {
		return
	}
	limit, ok := bindQueryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := bindQueryInt(w, r, "offset")
	if !ok {
		return
	}
	if _, ok := h.requireBoardAccess(w, r, boardID); !ok {
		return
	}

	l, o := paginationDefaults(limit, offset)
	page, err := h.items.ListLocalItems(r.Context(), boardID, l, o)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка чтения элементов доски")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ClearBoardCache — POST /api/v1/boards/{boardId}/clear-cache.
// Из файловых флагов действует первый установленный:
// clear_assets, clear_optimized, clear_originals. Доступ: admin.
func (h *APIHandler) ClearBoardCache(w http.ResponseWriter, r *http.Request) {
	boardID, ok := bindPathInt64(w, r, "boardId")
	if !ok {
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	var req clearCacheRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if !req.ClearDB && !req.ClearAssets && !req.ClearOptimized && !req.ClearOriginals {
		apierrors.ValidationError(w, "Не выбрано, что очищать")
		return
	}

	res, err := h.boards.ClearCache(r.Context(), boardID, service.ClearOptions{
		ClearDB:        req.ClearDB,
		ClearAssets:    req.ClearAssets,
		ClearOptimized: req.ClearOptimized,
		ClearOriginals: req.ClearOriginals,
	})
	if err != nil {
		h.writeServiceError(w, err, "Ошибка очистки кэша доски")
		return
	}
	writeJSON(w, http.StatusOK, mapClearResult(res))
}

// paginationDefaults нормализует limit и offset.
// Отсутствующий limit — 0 (все элементы).
func paginationDefaults(limit, offset *int) (int, int) {
	l, o := 0, 0
	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > maxItemsPageSize {
			l = maxItemsPageSize
		}
	}
	if offset != nil && *offset > 0 {
		o = *offset
	}
	return l, o
}
