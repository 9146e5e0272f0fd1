// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden — нет доступа к доске.
	ErrForbidden = errors.New("нет доступа к доске")
	// ErrRemoteUnavailable — удалённый API недоступен или отклонил запрос.
	ErrRemoteUnavailable = errors.New("удалённый API недоступен")
)
