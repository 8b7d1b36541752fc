// Разбор экспортированных браузерных cookies (формат расширений
// Cookie-Editor и совместимых: JSON-массив объектов name/value/domain/path).
// Набор cookies иммутабелен на всё время жизни сессии: клиент только читает его.

package sora

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

// cookieDomainSuffix ограничивает импорт cookies доменами ChatGPT: всё
// остальное (куки трекеров и т.п.) сайту не нужно и в jar не попадает.
const cookieDomainSuffix = "chatgpt.com"

// cookieNameRe — валидные имена cookie по RFC 6265 (token). Экспортеры иногда
// пишут мусорные записи; их молча пропускаем.
var cookieNameRe = regexp.MustCompile(`^[!#$%&'*+.^_` + "`" + `|~0-9A-Za-z-]+$`)

// Cookie — одна запись из экспортированного cookies.json.
// ExpirationDate присутствует в экспорте, но jar не требует его: протухшие
// cookies сервер отвергнет сам, что проявится как ErrAuthExpired.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`
}

// ParseCookies разбирает cookies.json и возвращает только валидные записи
// доменов *.chatgpt.com. Ошибка возвращается, если JSON не массив или после
// фильтрации не осталось ни одной cookie — стартовать с пустым набором нельзя.
func ParseCookies(data []byte) ([]Cookie, error) {
	var raw []Cookie
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode cookies json")
	}

	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		if c.Name == "" || !cookieNameRe.MatchString(c.Name) {
			continue
		}
		domain := strings.ToLower(strings.TrimSpace(c.Domain))
		if domain == "" {
			domain = Host
		}
		if !strings.Contains(domain, cookieDomainSuffix) {
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		c.Domain = domain
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, errors.New("cookies json contains no usable chatgpt.com cookies")
	}
	return out, nil
}

// cookieValue ищет значение cookie по имени (например, oai-did для заголовка
// oai-device-id). Пустая строка — не найдено.
func cookieValue(cookies []Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
