// items.go — правки элементов зеркала: значения колонок и поворот файлов.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arunponnappan/boardsync/internal/api/errors"
	"github.com/arunponnappan/boardsync/internal/domain/model"
)

type updateItemRequest struct {
	BoardID      int64             `json:"board_id"`
	ColumnValues map[string]string `json:"column_values"`
}

type itemResponse struct {
	ID           int64               `json:"id"`
	BoardID      int64               `json:"board_id"`
	Name         string              `json:"name"`
	ColumnValues []model.ColumnValue `json:"column_values"`
}

type rotateAssetRequest struct {
	Rotation *int `json:"rotation"`
}

// UpdateItem — PUT /api/v1/items/{itemId}.
// Меняет значения колонок в удалённой системе, затем в зеркале.
func (h *APIHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := bindPathInt64(w, r, "itemId")
	if !ok {
		return
	}
	var req updateItemRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.BoardID < 1 || len(req.ColumnValues) == 0 {
		apierrors.ValidationError(w, "Обязательны board_id и column_values")
		return
	}
	if _, ok := h.requireBoardAccess(w, r, req.BoardID); !ok {
		return
	}

	it, err := h.items.UpdateColumnValues(r.Context(), req.BoardID, itemID, req.ColumnValues)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка изменения элемента")
		return
	}

	resp := itemResponse{ID: it.ID, BoardID: it.BoardID, Name: it.Name, ColumnValues: it.ColumnValues}
	if resp.ColumnValues == nil {
		resp.ColumnValues = []model.ColumnValue{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RotateAsset — PATCH /api/v1/items/{itemId}/assets/{assetId}.
// Сохраняет поворот файла для отображения (кратно 90).
func (h *APIHandler) RotateAsset(w http.ResponseWriter, r *http.Request) {
	itemID, ok := bindPathInt64(w, r, "itemId")
	if !ok {
		return
	}
	assetID := chi.URLParam(r, "assetId")
	if assetID == "" {
		apierrors.ValidationError(w, "Некорректный параметр assetId")
		return
	}
	var req rotateAssetRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Rotation == nil {
		apierrors.ValidationError(w, "Поле rotation обязательно")
		return
	}

	it, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка чтения элемента")
		return
	}
	if _, ok := h.requireBoardAccess(w, r, it.BoardID); !ok {
		return
	}

	a, err := h.items.SetAssetRotation(r.Context(), itemID, assetID, *req.Rotation)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка сохранения поворота")
		return
	}
	writeJSON(w, http.StatusOK, a)
}
