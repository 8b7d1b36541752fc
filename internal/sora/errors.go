// Ошибки клиента Sora. Таксономия фиксирована и используется очередью
// генераций для выбора реакции: протухшая авторизация не ретраится и
// сопровождается инструкцией по переэкспорту cookies; отказ сабмита и сетевые
// сбои помечают задание проваленным; таймаут — отдельный терминальный код.

package sora

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrAuthExpired — сайт не признал cookies (редирект/401 на auth-session или в
// процессе поллинга). Автоматических повторов нет: нужен свежий экспорт cookies.
var ErrAuthExpired = errors.New("sora: authentication expired (cookies are stale)")

// Известные коды отказов, которые сервер возвращает на создание генерации.
// Строки попадают в персист заданий, поэтому держим их стабильными.
const (
	CodeDailyLimit       = "daily_limit"
	CodeConcurrencyLimit = "concurrency_limit"
	CodeInvalidImage     = "invalid_start_image"
	CodeTimeout          = "timeout"
)

// SubmissionError — сайт видимо отклонил сабмит или загрузку изображения.
// Code — машинный код (remapped для известных лимитов), Message — текст сервера.
type SubmissionError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *SubmissionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sora: submission rejected (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sora: submission rejected (%s), http %d", e.Code, e.HTTPStatus)
}

// IsDailyLimit сообщает, что аккаунт исчерпал суточный лимит генераций.
func IsDailyLimit(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Code == CodeDailyLimit
}

// IsConcurrencyLimit сообщает, что на аккаунте уже крутится максимум генераций.
func IsConcurrencyLimit(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Code == CodeConcurrencyLimit
}
