package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arunponnappan/boardsync/internal/domain/syncerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// decodeRequest разбирает GraphQL-запрос в тестовом сервере.
func decodeRequest(t *testing.T, r *http.Request) graphqlRequest {
	t.Helper()
	var req graphqlRequest
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("некорректное тело запроса: %v", err)
	}
	return req
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:   srv.URL,
		APIKey:     "secret-key",
		APIVersion: "2024-04",
		Timeout:    5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() вернул ошибку: %v", err)
	}
	return c
}

func TestExecute_Headers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("метод = %s, ожидается POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "secret-key" {
			t.Errorf("Authorization = %q, ожидается secret-key", got)
		}
		if got := r.Header.Get("API-Version"); got != "2024-04" {
			t.Errorf("API-Version = %q, ожидается 2024-04", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		w.Write([]byte(`{"data":{"me":{"id":"1","name":"bot"}}}`))
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() вернул ошибку: %v", err)
	}
}

func TestExecute_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		header     map[string]string
		wantKind   syncerr.Kind
		wantRetry  time.Duration
	}{
		{"429 с Retry-After", http.StatusTooManyRequests, `slow down`, map[string]string{"Retry-After": "12"}, syncerr.KindRateLimited, 12 * time.Second},
		{"502", http.StatusBadGateway, `bad gateway`, nil, syncerr.KindTransport, 0},
		{"401", http.StatusUnauthorized, `{"errors":[{"message":"Not Authenticated"}]}`, nil, syncerr.KindRemoteRejected, 0},
		{"GraphQL ошибка", http.StatusOK, `{"errors":[{"message":"Field 'x' doesn't exist"}]}`, nil, syncerr.KindRemoteRejected, 0},
		{"GraphQL сложность", http.StatusOK, `{"errors":[{"message":"budget","extensions":{"code":"ComplexityException","retry_in_seconds":20}}]}`, nil, syncerr.KindRateLimited, 20 * time.Second},
		{"устаревший формат", http.StatusOK, `{"error_code":"InvalidBoardIdException","error_message":"nope"}`, nil, syncerr.KindRemoteRejected, 0},
		{"мусор вместо JSON", http.StatusOK, `<html>`, nil, syncerr.KindTransport, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Execute(context.Background(), meQuery, nil)
			if err == nil {
				t.Fatal("Execute() не вернул ошибку")
			}
			if kind := syncerr.KindOf(err); kind != tt.wantKind {
				t.Errorf("вид ошибки = %q, ожидается %q (%v)", kind, tt.wantKind, err)
			}
			if got := syncerr.RetryAfterOf(err); got != tt.wantRetry {
				t.Errorf("RetryAfter = %v, ожидается %v", got, tt.wantRetry)
			}
		})
	}
}

func TestExecute_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := New(Config{Endpoint: url, APIKey: "k", Timeout: time.Second}, testLogger())
	_, err := c.Execute(context.Background(), meQuery, nil)
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Errorf("ошибка = %v, ожидается transport", err)
	}
}

func TestFetchItemsPage_InitialAndContinuation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		switch {
		case strings.Contains(req.Query, "next_items_page"):
			if req.Variables["cursor"] != "c1" {
				t.Errorf("cursor = %v, ожидается c1", req.Variables["cursor"])
			}
			w.Write([]byte(`{"data":{"next_items_page":{"cursor":null,"items":[{"id":"3","name":"C","column_values":[],"assets":[]}]}}}`))
		case strings.Contains(req.Query, "items_page"):
			if req.Variables["limit"] != float64(100) {
				t.Errorf("limit = %v, ожидается 100", req.Variables["limit"])
			}
			w.Write([]byte(`{"data":{"boards":[{"items_page":{"cursor":"c1","items":[
				{"id":"1","name":"A","column_values":[{"id":"sku","text":null,"value":"{\"value\":5}","type":"numbers"}],
				 "assets":[{"id":"9","name":"p.png","url":"https://u","public_url":null,"file_extension":".png"}]},
				{"id":"2","name":"B","column_values":[],"assets":[]}]}}]}}`))
		default:
			t.Errorf("неожиданный запрос: %s", req.Query)
		}
	})

	page, err := c.FetchItemsPage(context.Background(), 42, 100, "")
	if err != nil {
		t.Fatalf("FetchItemsPage() вернул ошибку: %v", err)
	}
	if page.Cursor != "c1" || len(page.Items) != 2 || page.Legacy {
		t.Fatalf("страница = %+v, ожидается 2 элемента и курсор c1", page)
	}
	if page.Items[0].ColumnValues[0].Text != nil {
		t.Error("null text должен остаться nil")
	}

	next, err := c.FetchItemsPage(context.Background(), 42, 100, "c1")
	if err != nil {
		t.Fatalf("FetchItemsPage(c1) вернул ошибку: %v", err)
	}
	if next.Cursor != "" || len(next.Items) != 1 {
		t.Errorf("последняя страница = %+v, ожидается пустой курсор", next)
	}
}

func TestFetchItemsPage_TransportErrorReturnedAsIs(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchItemsPage(context.Background(), 42, 100, "")
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Errorf("ошибка = %v, ожидается transport", err)
	}
	if calls.Load() != 1 {
		t.Errorf("запросов = %d, ожидается 1 (без устаревшего запроса)", calls.Load())
	}
}

func TestFetchItemsLegacy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if strings.Contains(req.Query, "items_page") {
			t.Errorf("устаревший запрос не должен использовать items_page: %s", req.Query)
		}
		if req.Variables["limit"] != float64(100) {
			t.Errorf("limit = %v, ожидается 100", req.Variables["limit"])
		}
		w.Write([]byte(`{"data":{"boards":[{"items":[{"id":"7","name":"L","column_values":[],"assets":[]}]}]}}`))
	})

	page, err := c.FetchItemsLegacy(context.Background(), 42, 100)
	if err != nil {
		t.Fatalf("FetchItemsLegacy() вернул ошибку: %v", err)
	}
	if !page.Legacy || page.Cursor != "" || len(page.Items) != 1 {
		t.Errorf("страница = %+v, ожидается устаревшая страница без курсора", page)
	}
}

func TestFetchItemsPage_RateLimitReturnedAsIs(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.FetchItemsPage(context.Background(), 42, 100, "")
	if !errors.Is(err, syncerr.ErrRateLimited) {
		t.Errorf("ошибка = %v, ожидается rate_limited", err)
	}
	if calls.Load() != 1 {
		t.Errorf("запросов = %d, ожидается 1", calls.Load())
	}
}

func TestFetchItemsPage_ContinuationHasNoFallback(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchItemsPage(context.Background(), 42, 100, "cur")
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Errorf("ошибка = %v, ожидается transport", err)
	}
	if calls.Load() != 1 {
		t.Errorf("запросов = %d, ожидается 1", calls.Load())
	}
}

func TestFetchBoard(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		ids, _ := req.Variables["boardId"].([]any)
		if len(ids) != 1 || ids[0] != "42" {
			t.Errorf("boardId = %v, ожидается [\"42\"]", req.Variables["boardId"])
		}
		w.Write([]byte(`{"data":{"boards":[{"id":"42","name":"Склад","state":"active","columns":[{"id":"sku","title":"SKU","type":"text"}]}]}}`))
	})

	b, err := c.FetchBoard(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchBoard() вернул ошибку: %v", err)
	}
	mb, err := ToModelBoard(b)
	if err != nil {
		t.Fatalf("ToModelBoard() вернул ошибку: %v", err)
	}
	if mb.ID != 42 || mb.Name != "Склад" || len(mb.Columns) != 1 || mb.Columns[0].Title != "SKU" {
		t.Errorf("доска = %+v", mb)
	}
}

func TestFetchBoard_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"boards":[]}}`))
	})

	_, err := c.FetchBoard(context.Background(), 1)
	if !errors.Is(err, ErrBoardNotFound) {
		t.Errorf("ошибка = %v, ожидается ErrBoardNotFound", err)
	}
	if !errors.Is(err, syncerr.ErrRemoteRejected) {
		t.Error("ErrBoardNotFound должна относиться к remote_rejected")
	}
}

func TestChangeColumnValues_EncodesJSONString(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		raw, ok := req.Variables["columnValues"].(string)
		if !ok {
			t.Fatalf("columnValues = %T, ожидается строка", req.Variables["columnValues"])
		}
		var values map[string]string
		if err := json.Unmarshal([]byte(raw), &values); err != nil || values["status"] != "Done" {
			t.Errorf("columnValues = %q", raw)
		}
		if req.Variables["itemId"] != "5" || req.Variables["boardId"] != "42" {
			t.Errorf("variables = %v", req.Variables)
		}
		w.Write([]byte(`{"data":{"change_multiple_column_values":{"id":"5"}}}`))
	})

	if err := c.ChangeColumnValues(context.Background(), 42, 5, map[string]string{"status": "Done"}); err != nil {
		t.Fatalf("ChangeColumnValues() вернул ошибку: %v", err)
	}
}

func TestToModelItem(t *testing.T) {
	text := "123"
	raw := `{"value":123}`
	pub := "https://public"
	it := &Item{
		ID:           "10",
		Name:         "Widget A",
		ColumnValues: []ColumnValue{{ID: "sku", Text: &text, Value: &raw, Type: "numbers"}, {ID: "empty"}},
		Assets:       []Asset{{ID: "a1", Name: "p.png", PublicURL: &pub}},
	}

	m, err := ToModelItem(42, it)
	if err != nil {
		t.Fatalf("ToModelItem() вернул ошибку: %v", err)
	}
	if m.ID != 10 || m.BoardID != 42 || m.Name != "Widget A" {
		t.Errorf("элемент = %+v", m)
	}
	if m.ColumnValues[0].Text != "123" || m.ColumnValues[1].Text != "" || m.ColumnValues[1].Value != nil {
		t.Errorf("колонки = %+v", m.ColumnValues)
	}
	if m.Assets[0].SourceURL() != "https://public" {
		t.Errorf("SourceURL() = %q", m.Assets[0].SourceURL())
	}

	if _, err := ToModelItem(42, &Item{ID: "abc"}); err == nil {
		t.Error("ToModelItem() с нечисловым ID должен вернуть ошибку")
	}
}
