package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

func strPtr(s string) *string { return &s }

func sampleItems() []*model.Item {
	return []*model.Item{
		{ID: 1, Name: "Widget A", ColumnValues: []model.ColumnValue{{ID: "sku", Text: "123"}}},
		{ID: 2, Name: "Gadget B", ColumnValues: []model.ColumnValue{{ID: "sku", Text: "456"}}},
	}
}

func matchedIDs(items []*model.Item, clauses []model.FilterClause) []int64 {
	var ids []int64
	for _, it := range items {
		if Match(it, clauses) {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func TestMatch_ClausesAreANDed(t *testing.T) {
	items := sampleItems()

	clauses := []model.FilterClause{
		{Column: "name", Value: "widget"},
		{Column: "sku", Value: "12"},
	}
	assert.Equal(t, []int64{1}, matchedIDs(items, clauses))

	clauses = []model.FilterClause{
		{Column: "name", Value: "widget"},
		{Column: "sku", Value: "45"},
	}
	assert.Empty(t, matchedIDs(items, clauses))
}

func TestMatch_AllColumn(t *testing.T) {
	items := sampleItems()

	assert.Equal(t, []int64{2}, matchedIDs(items, []model.FilterClause{{Column: "all", Value: "456"}}))
	assert.Equal(t, []int64{2}, matchedIDs(items, []model.FilterClause{{Column: "all", Value: "GADGET"}}))
	assert.Equal(t, []int64{1}, matchedIDs(items, []model.FilterClause{{Value: "widget"}}),
		"пустая колонка трактуется как all")
}

func TestMatch_IgnoredClauses(t *testing.T) {
	items := sampleItems()

	clauses := []model.FilterClause{
		{Column: "sku", Value: ""},
		{Column: "sku", Value: "   "},
		{Column: "sku", Condition: "is_duplicate", Value: "999"},
	}
	assert.Equal(t, []int64{1, 2}, matchedIDs(items, clauses))
}

func TestMatch_MissingColumnDoesNotMatch(t *testing.T) {
	items := sampleItems()
	assert.Empty(t, matchedIDs(items, []model.FilterClause{{Column: "status", Value: "done"}}))
}

func TestEffectiveText(t *testing.T) {
	tests := []struct {
		name string
		text string
		raw  *string
		want string
	}{
		{"текст есть", "Готово", strPtr(`{"value":5}`), "Готово"},
		{"числовое value", "", strPtr(`{"value":42}`), "42"},
		{"дробное value", "", strPtr(`{"value":1.50}`), "1.50"},
		{"строковое value", "", strPtr(`{"value":"abc"}`), "abc"},
		{"формула", "", strPtr(`{"formula_result":"7.5"}`), "7.5"},
		{"value null, формула", "", strPtr(`{"value":null,"formula_result":3}`), "3"},
		{"голое число", "", strPtr(`"17"`), ""},
		{"некорректный JSON", "", strPtr(`{`), ""},
		{"nil", "", nil, ""},
		{"объект в value", "", strPtr(`{"value":{"a":1}}`), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveText(tt.text, tt.raw))
		})
	}
}

func TestNormalizeColumns_DoesNotMutateInput(t *testing.T) {
	in := []model.ColumnValue{{ID: "n", Text: "", Value: strPtr(`{"value":9}`)}}

	out := NormalizeColumns(in)

	assert.Equal(t, "9", out[0].Text)
	assert.Equal(t, "", in[0].Text)
}
