// access.go — обработчики журнала доступа к доскам. Доступ: admin.
package handlers

import (
	"net/http"
	"time"

	apierrors "github.com/arunponnappan/boardsync/internal/api/errors"
)

type accessChangeRequest struct {
	BoardID int64    `json:"board_id"`
	UserIDs []string `json:"user_ids"`
}

type grantResponse struct {
	UserID    string    `json:"user_id"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// ListBoardUsers — GET /api/v1/access/boards/{boardId}/users.
func (h *APIHandler) ListBoardUsers(w http.ResponseWriter, r *http.Request) {
	boardID, ok := bindPathInt64(w, r, "boardId")
	if !ok {
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	grants, err := h.access.ListUsers(r.Context(), boardID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения журнала доступа")
		return
	}
	users := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		users = append(users, grantResponse{UserID: g.UserID, GrantedBy: g.GrantedBy, GrantedAt: g.GrantedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"board_id": boardID, "users": users})
}

// GrantAccess — POST /api/v1/access/grant. Повторная выдача не ошибка.
func (h *APIHandler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req accessChangeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.BoardID < 1 || len(req.UserIDs) == 0 {
		apierrors.ValidationError(w, "Обязательны board_id и user_ids")
		return
	}

	n, err := h.access.Grant(r.Context(), req.BoardID, req.UserIDs, claims.Subject)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка выдачи доступа")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "granted": n})
}

// RevokeAccess — POST /api/v1/access/revoke.
func (h *APIHandler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req accessChangeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.BoardID < 1 || len(req.UserIDs) == 0 {
		apierrors.ValidationError(w, "Обязательны board_id и user_ids")
		return
	}

	n, err := h.access.Revoke(r.Context(), req.BoardID, req.UserIDs)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка отзыва доступа")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "revoked": n})
}
