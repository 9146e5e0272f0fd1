// Пакет syncerr — таксономия ошибок синхронизации доски.
//
// Каждая ошибка несёт вид (Kind), по которому принимаются решения:
// повторять ли запрос, падает ли задача, можно ли удалять отсутствующие элементы.
// Сравнение через errors.Is с sentinel-значениями выполняется по виду.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind — вид ошибки синхронизации.
type Kind string

const (
	// KindTransport — сеть, таймаут, 5xx удалённой стороны.
	KindTransport Kind = "transport"
	// KindRemoteRejected — удалённая сторона вернула структурированную ошибку.
	KindRemoteRejected Kind = "remote_rejected"
	// KindRateLimited — превышен лимит запросов или сложности.
	KindRateLimited Kind = "rate_limited"
	// KindAsset — ошибка обработки одного файла, не прерывает синхронизацию.
	KindAsset Kind = "asset"
	// KindCursorStall — курсор страницы не изменился.
	KindCursorStall Kind = "cursor_stall"
	// KindPageLimitExceeded — превышен предел числа страниц.
	KindPageLimitExceeded Kind = "page_limit_exceeded"
)

// Sentinel-значения для errors.Is.
var (
	ErrTransport         = &Error{Kind: KindTransport}
	ErrRemoteRejected    = &Error{Kind: KindRemoteRejected}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrAsset             = &Error{Kind: KindAsset}
	ErrCursorStall       = &Error{Kind: KindCursorStall}
	ErrPageLimitExceeded = &Error{Kind: KindPageLimitExceeded}
)

// Error — ошибка синхронизации.
type Error struct {
	Kind Kind
	// Op — операция, в которой возникла ошибка (fetch_items_page, download_asset, ...)
	Op string
	// Message — человекочитаемое описание
	Message string
	// RetryAfter — подсказка удалённой стороны о паузе (только для KindRateLimited)
	RetryAfter time.Duration
	// Err — исходная ошибка
	Err error
}

// New создаёт ошибку указанного вида.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap создаёт ошибку указанного вида поверх исходной.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает по виду, если target — sentinel без Op и Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf возвращает вид ошибки синхронизации или пустую строку.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// RetryAfterOf возвращает подсказку паузы из ошибки rate limit.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindRateLimited {
		return se.RetryAfter
	}
	return 0
}

// Retryable — повтор имеет смысл только для сетевых ошибок и rate limit.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited:
		return true
	default:
		return false
	}
}
