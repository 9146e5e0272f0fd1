package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/arunponnappan/boardsync/internal/domain/model"
	"github.com/arunponnappan/boardsync/internal/domain/syncerr"
)

// ErrBoardNotFound — доска отсутствует или недоступна ключу API.
var ErrBoardNotFound = syncerr.New(syncerr.KindRemoteRejected, "fetch_board", "доска не найдена")

const itemFields = `id name column_values { id text value type } assets { id name url public_url file_extension }`

const (
	boardQuery = `query board($boardId: [ID!]) {
  boards(ids: $boardId) { id name state columns { id title type } }
}`

	listBoardsQuery = `query boards($limit: Int!) {
  boards(limit: $limit) { id name state columns { id title type } }
}`

	itemsPageQuery = `query board_items($boardId: [ID!], $limit: Int!) {
  boards(ids: $boardId) { items_page(limit: $limit) { cursor items { ` + itemFields + ` } } }
}`

	nextItemsPageQuery = `query next_items_page($limit: Int!, $cursor: String!) {
  next_items_page(limit: $limit, cursor: $cursor) { cursor items { ` + itemFields + ` } }
}`

	legacyItemsQuery = `query board_items_legacy($boardId: [ID!], $limit: Int!) {
  boards(ids: $boardId) { items(limit: $limit) { ` + itemFields + ` } }
}`

	meQuery = `query { me { id name } }`

	changeColumnValuesMutation = `mutation change_values($boardId: ID!, $itemId: ID!, $columnValues: JSON!) {
  change_multiple_column_values(item_id: $itemId, board_id: $boardId, column_values: $columnValues) { id }
}`
)

// Board — доска в ответе удалённого API.
type Board struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Columns []Column `json:"columns"`
}

// Column — колонка доски.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Item — элемент доски.
type Item struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	ColumnValues []ColumnValue `json:"column_values"`
	Assets       []Asset       `json:"assets"`
}

// ColumnValue — значение колонки; text и value могут быть null.
type ColumnValue struct {
	ID    string  `json:"id"`
	Text  *string `json:"text"`
	Value *string `json:"value"`
	Type  string  `json:"type"`
}

// Asset — прикреплённый файл.
type Asset struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	URL           *string `json:"url"`
	PublicURL     *string `json:"public_url"`
	FileExtension *string `json:"file_extension"`
}

// ItemsPage — нормализованная страница элементов.
// Пустой Cursor означает последнюю страницу.
type ItemsPage struct {
	Items  []Item
	Cursor string
	// Legacy — страница получена устаревшим запросом без пагинации
	Legacy bool
}

// FetchBoard возвращает метаданные доски.
func (c *Client) FetchBoard(ctx context.Context, boardID int64) (*Board, error) {
	data, err := c.execute(ctx, "fetch_board", boardQuery, map[string]any{
		"boardId": []string{strconv.FormatInt(boardID, 10)},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Boards []Board `json:"boards"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, "fetch_board", err)
	}
	if len(resp.Boards) == 0 {
		return nil, ErrBoardNotFound
	}
	return &resp.Boards[0], nil
}

// ListBoards возвращает доски, доступные ключу API.
func (c *Client) ListBoards(ctx context.Context, limit int) ([]Board, error) {
	data, err := c.execute(ctx, "list_boards", listBoardsQuery, map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Boards []Board `json:"boards"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, "list_boards", err)
	}
	return resp.Boards, nil
}

// FetchItemsPage возвращает страницу элементов доски.
// Пустой cursor — первая страница, иначе продолжение по курсору.
// Ошибки возвращаются как есть: повторы и переход на FetchItemsLegacy
// решает вызывающая сторона.
func (c *Client) FetchItemsPage(ctx context.Context, boardID int64, limit int, cursor string) (*ItemsPage, error) {
	if cursor != "" {
		return c.fetchNextPage(ctx, limit, cursor)
	}
	return c.fetchFirstPage(ctx, boardID, limit)
}

func (c *Client) fetchFirstPage(ctx context.Context, boardID int64, limit int) (*ItemsPage, error) {
	data, err := c.execute(ctx, "fetch_items_page", itemsPageQuery, map[string]any{
		"boardId": []string{strconv.FormatInt(boardID, 10)},
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Boards []struct {
			ItemsPage *pagePayload `json:"items_page"`
		} `json:"boards"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, "fetch_items_page", err)
	}
	if len(resp.Boards) == 0 {
		return nil, ErrBoardNotFound
	}
	if resp.Boards[0].ItemsPage == nil {
		return nil, syncerr.New(syncerr.KindRemoteRejected, "fetch_items_page", "ответ без items_page")
	}
	return resp.Boards[0].ItemsPage.toPage(), nil
}

func (c *Client) fetchNextPage(ctx context.Context, limit int, cursor string) (*ItemsPage, error) {
	data, err := c.execute(ctx, "fetch_next_items_page", nextItemsPageQuery, map[string]any{
		"limit":  limit,
		"cursor": cursor,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		NextItemsPage *pagePayload `json:"next_items_page"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, "fetch_next_items_page", err)
	}
	if resp.NextItemsPage == nil {
		return nil, syncerr.New(syncerr.KindRemoteRejected, "fetch_next_items_page", "ответ без next_items_page")
	}
	return resp.NextItemsPage.toPage(), nil
}

// FetchItemsLegacy выполняет устаревший запрос без пагинации.
// Страница всегда последняя и содержит не больше limit элементов,
// поэтому полная страница может оказаться обрезанной.
func (c *Client) FetchItemsLegacy(ctx context.Context, boardID int64, limit int) (*ItemsPage, error) {
	data, err := c.execute(ctx, "fetch_items_legacy", legacyItemsQuery, map[string]any{
		"boardId": []string{strconv.FormatInt(boardID, 10)},
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Boards []struct {
			Items []Item `json:"items"`
		} `json:"boards"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransport, "fetch_items_legacy", err)
	}
	if len(resp.Boards) == 0 {
		return nil, ErrBoardNotFound
	}
	return &ItemsPage{Items: resp.Boards[0].Items, Legacy: true}, nil
}

type pagePayload struct {
	Cursor *string `json:"cursor"`
	Items  []Item  `json:"items"`
}

func (p *pagePayload) toPage() *ItemsPage {
	page := &ItemsPage{Items: p.Items}
	if p.Cursor != nil {
		page.Cursor = *p.Cursor
	}
	return page
}

// Ping проверяет ключ API запросом текущего пользователя.
func (c *Client) Ping(ctx context.Context) error {
	data, err := c.execute(ctx, "ping", meQuery, nil)
	if err != nil {
		return err
	}

	var resp struct {
		Me *struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return syncerr.Wrap(syncerr.KindTransport, "ping", err)
	}
	if resp.Me == nil {
		return syncerr.New(syncerr.KindRemoteRejected, "ping", "ответ без данных пользователя")
	}
	return nil
}

// ChangeColumnValues изменяет значения колонок элемента в удалённой системе.
// values передаются как JSON-строка, как того требует мутация.
func (c *Client) ChangeColumnValues(ctx context.Context, boardID, itemID int64, values map[string]string) error {
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("сериализация значений колонок: %w", err)
	}

	_, err = c.execute(ctx, "change_column_values", changeColumnValuesMutation, map[string]any{
		"boardId":      strconv.FormatInt(boardID, 10),
		"itemId":       strconv.FormatInt(itemID, 10),
		"columnValues": string(encoded),
	})
	return err
}

// --- Преобразование в модель зеркала ---

// ParseID разбирает строковый идентификатор удалённой системы.
func ParseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный идентификатор %q: %w", id, err)
	}
	return n, nil
}

// ToModelBoard преобразует доску в модель зеркала.
func ToModelBoard(b *Board) (*model.Board, error) {
	id, err := ParseID(b.ID)
	if err != nil {
		return nil, err
	}

	columns := make([]model.BoardColumn, 0, len(b.Columns))
	for _, col := range b.Columns {
		columns = append(columns, model.BoardColumn{ID: col.ID, Title: col.Title, Type: col.Type})
	}
	return &model.Board{ID: id, Name: b.Name, State: b.State, Columns: columns}, nil
}

// ToModelItem преобразует элемент в модель зеркала. Тексты колонок
// остаются в исходном виде, локальные поля файлов пусты.
func ToModelItem(boardID int64, it *Item) (*model.Item, error) {
	id, err := ParseID(it.ID)
	if err != nil {
		return nil, err
	}

	item := &model.Item{
		ID:           id,
		BoardID:      boardID,
		Name:         it.Name,
		ColumnValues: make([]model.ColumnValue, 0, len(it.ColumnValues)),
		Assets:       make([]model.Asset, 0, len(it.Assets)),
	}
	for _, cv := range it.ColumnValues {
		item.ColumnValues = append(item.ColumnValues, model.ColumnValue{
			ID:    cv.ID,
			Text:  deref(cv.Text),
			Value: cv.Value,
			Type:  cv.Type,
		})
	}
	for _, a := range it.Assets {
		item.Assets = append(item.Assets, model.Asset{
			ID:            a.ID,
			Name:          a.Name,
			URL:           deref(a.URL),
			PublicURL:     deref(a.PublicURL),
			FileExtension: deref(a.FileExtension),
		})
	}
	return item, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
