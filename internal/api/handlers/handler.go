// handler.go — обработчики HTTP API.
// APIHandler объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/arunponnappan/boardsync/internal/api/errors"
	"github.com/arunponnappan/boardsync/internal/api/middleware"
	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/service"
)

// SyncQueue — очередь задач синхронизации.
type SyncQueue interface {
	Enqueue(ctx context.Context, boardID int64, userID string, params model.SyncParams) (*model.SyncJob, error)
	Trigger()
	Get(ctx context.Context, id string) (*model.SyncJob, error)
	ListRecent(ctx context.Context, limit int) ([]*model.SyncJob, error)
	Reset(ctx context.Context) (int, error)
}

// BoardCatalog — доски удалённой системы и их локальные данные.
type BoardCatalog interface {
	ListVisible(ctx context.Context, userID string, isAdmin bool) ([]*model.Board, error)
	Get(ctx context.Context, boardID int64) (*model.Board, error)
	TestConnection(ctx context.Context) bool
	ClearCache(ctx context.Context, boardID int64, opts service.ClearOptions) (*service.ClearResult, error)
	Delete(ctx context.Context, boardID int64) (*service.ClearResult, error)
}

// ItemStore — элементы зеркала.
type ItemStore interface {
	ListLocalItems(ctx context.Context, boardID int64, limit, offset int) (*service.LocalItemsPage, error)
	Get(ctx context.Context, itemID int64) (*model.Item, error)
	UpdateColumnValues(ctx context.Context, boardID, itemID int64, values map[string]string) (*model.Item, error)
	SetAssetRotation(ctx context.Context, itemID int64, assetID string, rotation int) (*model.Asset, error)
}

// AccessLedger — журнал доступа к доскам.
type AccessLedger interface {
	Grant(ctx context.Context, boardID int64, userIDs []string, grantedBy string) (int, error)
	Revoke(ctx context.Context, boardID int64, userIDs []string) (int, error)
	ListUsers(ctx context.Context, boardID int64) ([]model.BoardGrant, error)
	BoardIDsForUser(ctx context.Context, userID string) ([]int64, error)
	CanAccess(ctx context.Context, userID string, isAdmin bool, boardID int64) (bool, error)
}

// APIHandler — обработчик API.
type APIHandler struct {
	health *HealthHandler
	queue  SyncQueue
	boards BoardCatalog
	items  ItemStore
	access AccessLedger
	logger *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	queue SyncQueue,
	boards BoardCatalog,
	items ItemStore,
	access AccessLedger,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health: health,
		queue:  queue,
		boards: boards,
		items:  items,
		access: access,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты API на роутере.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/boards", h.ListBoards)
		r.Get("/boards/{boardId}", h.GetBoard)
		r.Delete("/boards/{boardId}", h.DeleteBoard)
		r.Post("/boards/{boardId}/sync", h.StartSync)
		r.Get("/boards/{boardId}/items", h.ListBoardItems)
		r.Post("/boards/{boardId}/clear-cache", h.ClearBoardCache)

		r.Get("/sync/jobs", h.ListSyncJobs)
		r.Post("/sync/jobs/reset", h.ResetSyncQueue)
		r.Get("/sync/jobs/{jobId}", h.GetSyncJob)

		r.Put("/items/{itemId}", h.UpdateItem)
		r.Patch("/items/{itemId}/assets/{assetId}", h.RotateAsset)

		r.Get("/access/boards/{boardId}/users", h.ListBoardUsers)
		r.Post("/access/grant", h.GrantAccess)
		r.Post("/access/revoke", h.RevokeAccess)

		r.Post("/remote/test-connection", h.TestRemoteConnection)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// bindPathInt64 разбирает целочисленный параметр пути.
func bindPathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	var v int64
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil || v < 1 {
		apierrors.ValidationError(w, "Некорректный параметр "+name)
		return 0, false
	}
	return v, true
}

// bindQueryInt разбирает необязательный целочисленный параметр запроса.
func bindQueryInt(w http.ResponseWriter, r *http.Request, name string) (*int, bool) {
	var v *int
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), &v); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name)
		return nil, false
	}
	return v, true
}

// decodeBody разбирает JSON-тело запроса в dst.
// Пустое тело допустимо, если allowEmpty; dst тогда не меняется.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		if allowEmpty {
			return true
		}
		apierrors.ValidationError(w, "Тело запроса обязательно")
		return false
	default:
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
}

// requireClaims возвращает claims пользователя или пишет 401.
func requireClaims(w http.ResponseWriter, r *http.Request) (*middleware.AuthClaims, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return nil, false
	}
	return claims, true
}

// requireAdmin пропускает только администраторов.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*middleware.AuthClaims, bool) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return nil, false
	}
	if !claims.IsAdmin() {
		apierrors.Forbidden(w, "Недостаточно прав: требуется роль admin")
		return nil, false
	}
	return claims, true
}

// requireBoardAccess пропускает администраторов и пользователей
// с разрешением на доску.
func (h *APIHandler) requireBoardAccess(w http.ResponseWriter, r *http.Request, boardID int64) (*middleware.AuthClaims, bool) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return nil, false
	}
	allowed, err := h.access.CanAccess(r.Context(), claims.Subject, claims.IsAdmin(), boardID)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка проверки доступа")
		return nil, false
	}
	if !allowed {
		apierrors.Forbidden(w, "Нет доступа к доске")
		return nil, false
	}
	return claims, true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// internalMsg — сообщение клиенту для непредвиденных ошибок.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, internalMsg string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrRemoteUnavailable):
		apierrors.RemoteUnavailable(w, err.Error())
	default:
		h.logger.Error(internalMsg, slog.String("error", err.Error()))
		apierrors.InternalError(w, internalMsg)
	}
}
