package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Специальные колонки фильтра.
const (
	// FilterColumnAll — совпадение с названием или текстом любой колонки
	FilterColumnAll = "all"
	// FilterColumnName — совпадение с названием элемента
	FilterColumnName = "name"
	// FilterConditionDuplicate — условие интерфейса, на синхронизацию не влияет
	FilterConditionDuplicate = "is_duplicate"
)

// FilterClause — условие отбора элементов.
type FilterClause struct {
	Column    string      `json:"column,omitempty"`
	Condition string      `json:"condition,omitempty"`
	Value     FilterValue `json:"value"`
}

// FilterValue — значение условия. В JSON допускаются строка, число или bool.
type FilterValue string

// UnmarshalJSON принимает строку, число, bool или null.
func (v *FilterValue) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "null":
		*v = ""
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*v = FilterValue(str)
		return nil
	case s == "true" || s == "false":
		*v = FilterValue(s)
		return nil
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("недопустимое значение фильтра: %s", s)
		}
		*v = FilterValue(s)
		return nil
	}
}
