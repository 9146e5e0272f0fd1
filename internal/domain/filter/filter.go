// Пакет filter — отбор элементов доски по условиям и нормализация
// текстов колонок.
//
// Условия сравниваются без учёта регистра как подстроки и объединяются через AND.
// Колонка "all" совпадает с названием элемента или текстом любой колонки,
// колонка "name" — только с названием.
package filter

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/arunponnappan/boardsync/internal/domain/model"
)

// Active возвращает условия, влияющие на отбор: с непустым значением
// и не служебные. Пустая колонка заменяется на "all".
func Active(clauses []model.FilterClause) []model.FilterClause {
	result := make([]model.FilterClause, 0, len(clauses))
	for _, c := range clauses {
		if c.Condition == model.FilterConditionDuplicate {
			continue
		}
		if strings.TrimSpace(string(c.Value)) == "" {
			continue
		}
		if c.Column == "" {
			c.Column = model.FilterColumnAll
		}
		result = append(result, c)
	}
	return result
}

// Match проверяет элемент на соответствие всем условиям.
// Пустой набор условий пропускает любой элемент.
func Match(item *model.Item, clauses []model.FilterClause) bool {
	for _, c := range Active(clauses) {
		if !matchClause(item, c) {
			return false
		}
	}
	return true
}

func matchClause(item *model.Item, c model.FilterClause) bool {
	needle := strings.ToLower(strings.TrimSpace(string(c.Value)))

	switch c.Column {
	case model.FilterColumnAll:
		if contains(item.Name, needle) {
			return true
		}
		for _, cv := range item.ColumnValues {
			if contains(cv.Text, needle) {
				return true
			}
		}
		return false
	case model.FilterColumnName:
		return contains(item.Name, needle)
	default:
		cv, _ := item.Column(c.Column)
		return contains(cv.Text, needle)
	}
}

func contains(haystack, lowerNeedle string) bool {
	return strings.Contains(strings.ToLower(haystack), lowerNeedle)
}

// EffectiveText возвращает отображаемый текст колонки. Если он пуст,
// текст берётся из поля "value", затем "formula_result" сырого JSON-значения.
// Числовые и формульные колонки удалённой системы часто приходят без текста.
func EffectiveText(text string, raw *string) string {
	if text != "" || raw == nil || *raw == "" {
		return text
	}

	dec := json.NewDecoder(strings.NewReader(*raw))
	dec.UseNumber()
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return text
	}

	for _, key := range []string{"value", "formula_result"} {
		if s, ok := scalarText(obj[key]); ok {
			return s
		}
	}
	return text
}

// scalarText превращает JSON-скаляр в текст без потери формы числа.
func scalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	case '{', '[':
		return "", false
	default:
		// число или bool — как записано в JSON
		return string(raw), true
	}
}

// NormalizeColumns заменяет пустые тексты колонок на EffectiveText.
// Исходный срез не изменяется.
func NormalizeColumns(values []model.ColumnValue) []model.ColumnValue {
	result := make([]model.ColumnValue, len(values))
	for i, cv := range values {
		cv.Text = EffectiveText(cv.Text, cv.Value)
		result[i] = cv
	}
	return result
}
