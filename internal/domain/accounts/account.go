// Package accounts ведёт пул донорских аккаунтов Sora: хранение cookies,
// дедупликация по владельцу, суточные счётчики и выдача наименее загруженного
// аккаунта под новую генерацию.
package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/ushan0v/sora-bot/internal/sora"
)

// Лимиты бэкенда Sora на один аккаунт. Пул не даёт их превысить локально,
// чтобы не жечь попытки о серверные отказы.
const (
	DefaultDailyLimit  = 100
	DefaultConcurrency = 5
)

// Account — запись пула. Active и Daily* мутируются только внутри транзакций
// стора; снаружи запись читается как снимок.
type Account struct {
	ID          uint64    `json:"id"`
	Key         string    `json:"key"`
	CookiesJSON []byte    `json:"cookies_json"`
	CreatedAt   time.Time `json:"created_at"`

	// Active — число генераций, идущих на аккаунте прямо сейчас.
	Active int `json:"active"`
	// DailyCount — генерации, принятые бэкендом за сутки DailyDate (UTC).
	DailyCount int    `json:"daily_count"`
	DailyDate  string `json:"daily_date"`
}

// DuplicateError — попытка добавить аккаунт, который уже есть в пуле.
type DuplicateError struct {
	Key        string
	ExistingID uint64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("account %q already exists (id=%d)", e.Key, e.ExistingID)
}

// CanonicalizeCookies приводит cookies к канонической форме для хэширования:
// только значимые поля, сортировка по (domain, name, path), компактный JSON.
// Один и тот же экспорт, переснятый браузером в другом порядке или с другими
// метаданными, даёт одинаковый канон.
func CanonicalizeCookies(cookies []sora.Cookie) ([]byte, error) {
	type canon struct {
		Domain string `json:"domain"`
		Name   string `json:"name"`
		Path   string `json:"path"`
		Value  string `json:"value"`
	}
	cs := make([]canon, 0, len(cookies))
	for _, c := range cookies {
		cs = append(cs, canon{
			Domain: strings.ToLower(strings.TrimPrefix(c.Domain, ".")),
			Name:   c.Name,
			Path:   c.Path,
			Value:  c.Value,
		})
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Domain != cs[j].Domain {
			return cs[i].Domain < cs[j].Domain
		}
		if cs[i].Name != cs[j].Name {
			return cs[i].Name < cs[j].Name
		}
		return cs[i].Path < cs[j].Path
	})
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, errors.Wrap(err, "encode canonical cookies")
	}
	return data, nil
}

// AccountKey выводит стабильный ключ дедупликации. Предпочтителен владелец из
// JWT (email, затем sub): он переживает перевыпуск cookies. Без токена ключом
// становится хэш канонических cookies.
func AccountKey(accessToken string, cookies []sora.Cookie) (string, error) {
	if accessToken != "" {
		if claims := sora.DecodeJWTClaims(accessToken); claims != nil {
			if email, ok := claims["email"].(string); ok && email != "" {
				return "email:" + strings.ToLower(email), nil
			}
			if sub, ok := claims["sub"].(string); ok && sub != "" {
				return "sub:" + sub, nil
			}
		}
	}
	canon, err := CanonicalizeCookies(cookies)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "cookiehash:" + hex.EncodeToString(sum[:]), nil
}

// utcDay возвращает текущие сутки UTC в виде ключа сброса счётчика.
func utcDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
