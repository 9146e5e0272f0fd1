// sync.go — обработчики очереди синхронизации:
// постановка доски в очередь, статус задач, сброс очереди.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/arunponnappan/boardsync/internal/api/errors"
	"github.com/arunponnappan/boardsync/internal/domain/model"
)

type syncAcceptedResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type jobResponse struct {
	ID              string           `json:"id"`
	BoardID         int64            `json:"board_id"`
	Status          model.JobStatus  `json:"status"`
	ProgressMessage string           `json:"progress_message"`
	Logs            []string         `json:"logs"`
	Stats           map[string]any   `json:"stats"`
	Params          model.SyncParams `json:"params"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at"`
}

func mapJob(j *model.SyncJob) jobResponse {
	resp := jobResponse{
		ID:              j.ID,
		BoardID:         j.BoardID,
		Status:          j.Status,
		ProgressMessage: j.ProgressMessage,
		Logs:            j.Logs,
		Stats:           j.Stats,
		Params:          j.Params,
		CreatedBy:       j.CreatedBy,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if resp.Logs == nil {
		resp.Logs = []string{}
	}
	if resp.Stats == nil {
		resp.Stats = map[string]any{}
	}
	return resp
}

// StartSync — POST /api/v1/boards/{boardId}/sync.
// Ставит синхронизацию в очередь и будит обработчик очереди.
// Доступ: admin или пользователь с разрешением на доску.
func (h *APIHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	boardID, ok := bindPathInt64(w, r, "boardId")
	if !ok {
		return
	}
	claims, ok := h.requireBoardAccess(w, r, boardID)
	if !ok {
		return
	}

	params := model.DefaultSyncParams()
	if !decodeBody(w, r, &params, true) {
		return
	}

	job, err := h.queue.Enqueue(r.Context(), boardID, claims.Subject, params)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка постановки синхронизации в очередь")
		return
	}
	h.queue.Trigger()

	writeJSON(w, http.StatusAccepted, syncAcceptedResponse{
		Status:  "accepted",
		JobID:   job.ID,
		Message: "Синхронизация поставлена в очередь",
	})
}

// ListSyncJobs — GET /api/v1/sync/jobs.
// Последние задачи, новые первыми. Пользователь видит задачи
// только по доступным ему доскам.
func (h *APIHandler) ListSyncJobs(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	limit, ok := bindQueryInt(w, r, "limit")
	if !ok {
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	jobs, err := h.queue.ListRecent(r.Context(), n)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения списка задач")
		return
	}

	var allowed map[int64]bool
	if !claims.IsAdmin() {
		ids, err := h.access.BoardIDsForUser(r.Context(), claims.Subject)
		if err != nil {
			h.writeServiceError(w, err, "Ошибка получения списка задач")
			return
		}
		allowed = make(map[int64]bool, len(ids))
		for _, id := range ids {
			allowed[id] = true
		}
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		if allowed != nil && !allowed[j.BoardID] {
			continue
		}
		items = append(items, mapJob(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

// GetSyncJob — GET /api/v1/sync/jobs/{jobId}.
func (h *APIHandler) GetSyncJob(w http.ResponseWriter, r *http.Request) {
	var jobID openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "jobId", chi.URLParam(r, "jobId"), &jobID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр jobId")
		return
	}

	job, err := h.queue.Get(r.Context(), jobID.String())
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения задачи")
		return
	}
	if _, ok := h.requireBoardAccess(w, r, job.BoardID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapJob(job))
}

// ResetSyncQueue — POST /api/v1/sync/jobs/reset.
// Переводит все pending и running задачи в failed. Доступ: admin.
func (h *APIHandler) ResetSyncQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	n, err := h.queue.Reset(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Ошибка сброса очереди")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "reset_count": n})
}
