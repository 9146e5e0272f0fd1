package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arunponnappan/boardsync/internal/api/middleware"
	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/domain/rbac"
	"github.com/arunponnappan/boardsync/internal/service"
)

// --- Моки ---

type fakeQueue struct {
	enqueued []model.SyncParams
	triggers int
	jobs     map[string]*model.SyncJob
	recent   []*model.SyncJob
	resetN   int
}

func (q *fakeQueue) Enqueue(_ context.Context, boardID int64, userID string, params model.SyncParams) (*model.SyncJob, error) {
	q.enqueued = append(q.enqueued, params)
	return &model.SyncJob{ID: fmt.Sprintf("job-%d", len(q.enqueued)), BoardID: boardID, CreatedBy: userID}, nil
}

func (q *fakeQueue) Trigger() { q.triggers++ }

func (q *fakeQueue) Get(_ context.Context, id string) (*model.SyncJob, error) {
	if j, ok := q.jobs[id]; ok {
		return j, nil
	}
	return nil, service.ErrNotFound
}

func (q *fakeQueue) ListRecent(_ context.Context, _ int) ([]*model.SyncJob, error) {
	return q.recent, nil
}

func (q *fakeQueue) Reset(_ context.Context) (int, error) { return q.resetN, nil }

type fakeBoards struct {
	board     *model.Board
	clearOpts []service.ClearOptions
	connected bool
}

func (b *fakeBoards) ListVisible(_ context.Context, _ string, _ bool) ([]*model.Board, error) {
	return []*model.Board{b.board}, nil
}

func (b *fakeBoards) Get(_ context.Context, id int64) (*model.Board, error) {
	if b.board == nil || b.board.ID != id {
		return nil, service.ErrNotFound
	}
	return b.board, nil
}

func (b *fakeBoards) TestConnection(_ context.Context) bool { return b.connected }

func (b *fakeBoards) ClearCache(_ context.Context, _ int64, opts service.ClearOptions) (*service.ClearResult, error) {
	b.clearOpts = append(b.clearOpts, opts)
	return &service.ClearResult{FilesRemoved: 2, BytesFreed: 3 * 1024 * 1024}, nil
}

func (b *fakeBoards) Delete(_ context.Context, _ int64) (*service.ClearResult, error) {
	return &service.ClearResult{ItemsRemoved: 5}, nil
}

type fakeItems struct {
	item      *model.Item
	updateErr error
}

func (f *fakeItems) ListLocalItems(_ context.Context, _ int64, limit, offset int) (*service.LocalItemsPage, error) {
	return &service.LocalItemsPage{Items: []service.LocalItem{}, Total: limit*1000 + offset}, nil
}

func (f *fakeItems) Get(_ context.Context, id int64) (*model.Item, error) {
	if f.item == nil || f.item.ID != id {
		return nil, service.ErrNotFound
	}
	return f.item, nil
}

func (f *fakeItems) UpdateColumnValues(_ context.Context, boardID, itemID int64, values map[string]string) (*model.Item, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &model.Item{ID: itemID, BoardID: boardID, Name: values["name"]}, nil
}

func (f *fakeItems) SetAssetRotation(_ context.Context, _ int64, assetID string, rotation int) (*model.Asset, error) {
	if rotation%90 != 0 {
		return nil, fmt.Errorf("%w: угол", service.ErrValidation)
	}
	return &model.Asset{ID: assetID, Rotation: rotation % 360}, nil
}

// fakeAccess — пользователь alice имеет доступ к доске 7.
type fakeAccess struct {
	granted []string
}

func (a *fakeAccess) Grant(_ context.Context, _ int64, userIDs []string, grantedBy string) (int, error) {
	a.granted = append(a.granted, grantedBy)
	return len(userIDs), nil
}

func (a *fakeAccess) Revoke(_ context.Context, _ int64, userIDs []string) (int, error) {
	return len(userIDs), nil
}

func (a *fakeAccess) ListUsers(_ context.Context, boardID int64) ([]model.BoardGrant, error) {
	return []model.BoardGrant{{BoardID: boardID, UserID: "alice", GrantedBy: "root"}}, nil
}

func (a *fakeAccess) BoardIDsForUser(_ context.Context, userID string) ([]int64, error) {
	if userID == "alice" {
		return []int64{7}, nil
	}
	return nil, nil
}

func (a *fakeAccess) CanAccess(_ context.Context, userID string, isAdmin bool, boardID int64) (bool, error) {
	return isAdmin || (userID == "alice" && boardID == 7), nil
}

type staticChecker struct{ status string }

func (c staticChecker) CheckReady() (string, string) { return c.status, "" }

// --- Стенд ---

type testEnv struct {
	router http.Handler
	queue  *fakeQueue
	boards *fakeBoards
	items  *fakeItems
	access *fakeAccess
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		queue:  &fakeQueue{jobs: map[string]*model.SyncJob{}},
		boards: &fakeBoards{board: &model.Board{ID: 7, Name: "Каталог"}, connected: true},
		items:  &fakeItems{item: &model.Item{ID: 11, BoardID: 7}},
		access: &fakeAccess{},
	}
	h := NewAPIHandler(NewHealthHandler(staticChecker{"ok"}, nil), env.queue, env.boards, env.items, env.access, slog.Default())

	r := chi.NewRouter()
	// роль задаётся заголовком X-Test-User: <sub>[:admin]
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if v := req.Header.Get("X-Test-User"); v != "" {
				sub, role, _ := strings.Cut(v, ":")
				if role == "" {
					role = rbac.RoleUser
				}
				req = req.WithContext(middleware.ContextWithClaims(req.Context(),
					&middleware.AuthClaims{Subject: sub, EffectiveRole: role}))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.Routes(r)
	env.router = r
	return env
}

func (e *testEnv) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// --- Тесты ---

func TestStartSync(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/boards/7/sync", "alice", `{"keep_original":false,"filters":[{"column":"name","value":"Widget"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, 1, env.queue.triggers)

	params := env.queue.enqueued[0]
	assert.True(t, params.DownloadAssets, "не указанные флаги берутся по умолчанию")
	assert.True(t, params.OptimizeImages)
	assert.False(t, params.KeepOriginal)
	require.Len(t, params.Filters, 1)
	assert.Equal(t, model.FilterValue("Widget"), params.Filters[0].Value)

	rec = env.do(http.MethodPost, "/api/v1/boards/7/sync", "alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.DefaultSyncParams(), env.queue.enqueued[1])
}

func TestStartSync_Rejections(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/boards/8/sync", "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/v1/boards/abc/sync", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/boards/7/sync", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/boards/7/sync", "alice", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.queue.enqueued)
	assert.Zero(t, env.queue.triggers)
}

func TestListSyncJobs_FilteredForUser(t *testing.T) {
	env := newTestEnv(t)
	env.queue.recent = []*model.SyncJob{
		{ID: "a", BoardID: 7, Status: model.JobComplete},
		{ID: "b", BoardID: 8, Status: model.JobPending},
	}

	rec := env.do(http.MethodGet, "/api/v1/sync/jobs", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	job := jobs[0].(map[string]any)
	assert.Equal(t, "a", job["id"])
	assert.Equal(t, []any{}, job["logs"], "пустой журнал — пустой массив")

	rec = env.do(http.MethodGet, "/api/v1/sync/jobs?limit=5", "root:admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["jobs"].([]any), 2)

	rec = env.do(http.MethodGet, "/api/v1/sync/jobs?limit=x", "root:admin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSyncJob(t *testing.T) {
	env := newTestEnv(t)
	id := "6f1c2a3e-8b4d-4c6e-9f0a-1b2c3d4e5f60"
	env.queue.jobs[id] = &model.SyncJob{ID: id, BoardID: 7, Status: model.JobRunning, ProgressMessage: "страница 2"}

	rec := env.do(http.MethodGet, "/api/v1/sync/jobs/"+id, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "страница 2", body["progress_message"])
	assert.Nil(t, body["completed_at"])

	rec = env.do(http.MethodGet, "/api/v1/sync/jobs/not-a-uuid", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/sync/jobs/00000000-0000-0000-0000-000000000000", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/sync/jobs/"+id, "bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResetSyncQueue(t *testing.T) {
	env := newTestEnv(t)
	env.queue.resetN = 3

	rec := env.do(http.MethodPost, "/api/v1/sync/jobs/reset", "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/sync/jobs/reset", "root:admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(3), body["reset_count"])
}

func TestBoards(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/boards", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["boards"].([]any), 1)

	rec = env.do(http.MethodGet, "/api/v1/boards/7", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Каталог", body["name"])
	assert.Contains(t, body, "stats")

	rec = env.do(http.MethodDelete, "/api/v1/boards/7", "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodDelete, "/api/v1/boards/7", "root:admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), decode(t, rec)["items_removed"])
}

func TestListBoardItems_Pagination(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/boards/7/items?limit=20&offset=40", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(20*1000+40), decode(t, rec)["total"])

	rec = env.do(http.MethodGet, "/api/v1/boards/7/items?limit=5000", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(maxItemsPageSize*1000), decode(t, rec)["total"])

	rec = env.do(http.MethodGet, "/api/v1/boards/8/items", "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestClearBoardCache(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/boards/7/clear-cache", "root:admin", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/boards/7/clear-cache", "root:admin", `{"clear_optimized":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["files_removed"])
	assert.Equal(t, float64(3), body["mb_freed"])
	require.Len(t, env.boards.clearOpts, 1)
	assert.True(t, env.boards.clearOpts[0].ClearOptimized)
}

func TestUpdateItem(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPut, "/api/v1/items/11", "alice", `{"board_id":7,"column_values":{"name":"Новое"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Новое", decode(t, rec)["name"])

	rec = env.do(http.MethodPut, "/api/v1/items/11", "alice", `{"board_id":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.items.updateErr = fmt.Errorf("%w: timeout", service.ErrRemoteUnavailable)
	rec = env.do(http.MethodPut, "/api/v1/items/11", "alice", `{"board_id":7,"column_values":{"sku":"x"}}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "REMOTE_UNAVAILABLE", errorCode(t, rec))
}

func TestRotateAsset(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPatch, "/api/v1/items/11/assets/a1", "alice", `{"rotation":450}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(90), decode(t, rec)["rotation"])

	rec = env.do(http.MethodPatch, "/api/v1/items/11/assets/a1", "alice", `{"rotation":45}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPatch, "/api/v1/items/11/assets/a1", "alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPatch, "/api/v1/items/99/assets/a1", "alice", `{"rotation":90}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccessEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/access/grant", "alice", `{"board_id":7,"user_ids":["bob"]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/access/grant", "root:admin", `{"board_id":7,"user_ids":["bob","carol"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["granted"])
	assert.Equal(t, []string{"root"}, env.access.granted)

	rec = env.do(http.MethodPost, "/api/v1/access/revoke", "root:admin", `{"board_id":7,"user_ids":["bob"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["revoked"])

	rec = env.do(http.MethodGet, "/api/v1/access/boards/7/users", "root:admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode(t, rec)["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].(map[string]any)["user_id"])
}

func TestTestRemoteConnection(t *testing.T) {
	env := newTestEnv(t)
	env.boards.connected = false

	rec := env.do(http.MethodPost, "/api/v1/remote/test-connection", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["connected"])
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name string
		pg   ReadinessChecker
		jwks ReadinessChecker
		want int
		st   string
	}{
		{"всё доступно", staticChecker{"ok"}, staticChecker{"ok"}, http.StatusOK, "ok"},
		{"JWKS без ключей", staticChecker{"ok"}, staticChecker{"degraded"}, http.StatusOK, "degraded"},
		{"БД недоступна", staticChecker{"fail"}, nil, http.StatusServiceUnavailable, "fail"},
		{"БД не инициализирована", nil, nil, http.StatusServiceUnavailable, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.jwks)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.st, decode(t, rec)["status"])
		})
	}
}
