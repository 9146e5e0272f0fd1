package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/remote"
)

// remoteBoardServer — GraphQL API доски поверх httptest.
// Обработчики страниц задаются тестом, запросы считаются по видам.
type remoteBoardServer struct {
	itemsPage  func(call int32) (int, string)
	nextPage   func(cursor string) string
	legacyPage func() string

	itemsPageCalls atomic.Int32
	legacyCalls    atomic.Int32
}

func (s *remoteBoardServer) handle(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("некорректное тело запроса: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch {
		case strings.Contains(req.Query, "next_items_page"):
			cursor, _ := req.Variables["cursor"].(string)
			w.Write([]byte(s.nextPage(cursor)))
		case strings.Contains(req.Query, "items_page"):
			status, resp := s.itemsPage(s.itemsPageCalls.Add(1))
			w.WriteHeader(status)
			w.Write([]byte(resp))
		case strings.Contains(req.Query, "items_legacy"):
			s.legacyCalls.Add(1)
			w.Write([]byte(s.legacyPage()))
		default:
			w.Write([]byte(`{"data":{"boards":[{"id":"42","name":"Каталог","state":"active","columns":[]}]}}`))
		}
	}
}

func remoteItemsJSON(ids ...int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf(`{"id":"%d","name":"I%d","column_values":[],"assets":[]}`, id, id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func newRemoteSync(t *testing.T, srv *remoteBoardServer, mirror Mirror, cfg BoardSyncConfig) *BoardSyncService {
	t.Helper()
	ts := httptest.NewServer(srv.handle(t))
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := remote.New(remote.Config{Endpoint: ts.URL, APIKey: "k", Timeout: 5 * time.Second}, logger)
	require.NoError(t, err)

	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return NewBoardSyncService(client, &fakeAssets{}, mirror, cfg, logger)
}

func seededMirror(ids ...int64) *memMirror {
	m := newMemMirror()
	for _, id := range ids {
		m.items[id] = &model.Item{ID: id, BoardID: 42, Name: "старый"}
	}
	return m
}

func TestSyncBoard_RemoteFirstPageErrorRetriedBeforeLegacy(t *testing.T) {
	mirror := seededMirror(1, 2, 3, 4, 5)
	srv := &remoteBoardServer{
		itemsPage: func(call int32) (int, string) {
			if call == 1 {
				return http.StatusBadGateway, ""
			}
			return http.StatusOK, `{"data":{"boards":[{"items_page":{"cursor":"c1","items":` + remoteItemsJSON(1, 2) + `}}]}}`
		},
		nextPage: func(cursor string) string {
			if cursor == "c1" {
				return `{"data":{"next_items_page":{"cursor":"c2","items":` + remoteItemsJSON(3, 4) + `}}}`
			}
			return `{"data":{"next_items_page":{"cursor":null,"items":` + remoteItemsJSON(5) + `}}}`
		},
		legacyPage: func() string {
			t.Error("устаревший запрос не ожидается после успешного повтора")
			return `{"data":{"boards":[{"items":[]}]}}`
		},
	}
	svc := newRemoteSync(t, srv, mirror, BoardSyncConfig{PageSize: 2, RetryAttempts: 3})

	report, err := svc.SyncBoard(context.Background(), 42, model.DefaultSyncParams(), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.itemsPageCalls.Load(), "первая страница запрошена повторно")
	assert.Equal(t, int32(0), srv.legacyCalls.Load())
	assert.Equal(t, 3, report.Stats.Pages)
	assert.Equal(t, 1, mirror.pruneCalls)
	assert.Equal(t, 0, report.Stats.ItemsPruned)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, mirror.ids())
}

func TestSyncBoard_RemoteFullLegacyPageSkipsPrune(t *testing.T) {
	mirror := seededMirror(1, 2, 3, 4, 5)
	srv := &remoteBoardServer{
		itemsPage: func(int32) (int, string) {
			return http.StatusBadGateway, ""
		},
		legacyPage: func() string {
			return `{"data":{"boards":[{"items":` + remoteItemsJSON(1, 2) + `}]}}`
		},
	}
	svc := newRemoteSync(t, srv, mirror, BoardSyncConfig{PageSize: 2, RetryAttempts: 3})

	var log eventLog
	report, err := svc.SyncBoard(context.Background(), 42, model.DefaultSyncParams(), log.emit)
	require.NoError(t, err)

	assert.Equal(t, int32(3), srv.itemsPageCalls.Load(), "устаревший запрос только после исчерпания повторов")
	assert.Equal(t, int32(1), srv.legacyCalls.Load())
	assert.Equal(t, 0, mirror.pruneCalls, "полная устаревшая страница может быть обрезана")
	assert.Equal(t, 0, report.Stats.ItemsPruned)
	assert.Equal(t, 2, report.Stats.ItemsSynced)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, mirror.ids())
	assert.Equal(t, model.StageComplete, log.last().Stage)

	skipped := false
	for _, ev := range log.events {
		if ev.Level == model.EventWarning && ev.Stage == model.StagePruning &&
			strings.Contains(ev.Message, "Удаление отсутствующих элементов пропущено") {
			skipped = true
		}
	}
	assert.True(t, skipped, "ожидается предупреждение о пропуске удаления")
}
