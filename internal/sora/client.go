// Package sora реализует менеджер сессий генерации видео поверх веб-бэкенда
// sora.chatgpt.com. «Браузерный контекст» здесь — изолированная HTTP-сессия:
// собственный cookie jar, засеянный экспортированными cookies донорского
// аккаунта, браузерные заголовки, опциональный прокси и bearer-токен,
// получаемый по cookies через /api/auth/session. Один Client — один контекст
// на одну генерацию; контексты не разделяются между заданиями.

package sora

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	xproxy "golang.org/x/net/proxy"
)

// Host и BaseURL фиксируют поверхность генерации.
const (
	Host    = "sora.chatgpt.com"
	BaseURL = "https://" + Host
)

// tokenSkew — за сколько до exp токен считается протухшим и обновляется
// проактивно, чтобы не ловить 401 посреди поллинга.
const tokenSkew = time.Minute

// httpTimeout — таймаут одного HTTP-запроса. Не путать с таймаутом генерации:
// тот живёт в Session и измеряется минутами.
const httpTimeout = 60 * time.Second

// defaultHeaders имитируют залогиненный браузер. Сервер сверяет минимум,
// но referer/origin и user-agent обязаны быть согласованными.
var defaultHeaders = map[string]string{
	"accept":          "*/*",
	"accept-language": "ru-RU,ru;q=0.8,en-US;q=0.5,en;q=0.3",
	"referer":         BaseURL + "/drafts",
	"origin":          BaseURL,
	"sec-fetch-dest":  "empty",
	"sec-fetch-mode":  "cors",
	"sec-fetch-site":  "same-origin",
	"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// Options — параметры создания браузерного контекста.
type Options struct {
	// CookiesJSON — содержимое экспортированного cookies.json. Обязательно.
	CookiesJSON []byte
	// Proxy — http(s):// или socks5:// URL, пустая строка — без прокси.
	Proxy string
	// BaseURL переопределяет адрес бэкенда (нужен только тестам).
	BaseURL string
	// PollInterval — пауза между раундами опроса. Ноль — 3 секунды.
	PollInterval time.Duration
	// GenTimeout — предел ожидания генерации в Wait. Ноль — 15 минут.
	GenTimeout time.Duration
}

// Client — один изолированный браузерный контекст. Иммутабелен после создания,
// кроме токена доступа, который защищён refreshMu.
type Client struct {
	http     *http.Client
	base     string
	cookies  []Cookie
	interval time.Duration
	timeout  time.Duration

	refreshMu sync.Mutex
	token     string
	tokenExp  time.Time

	closeOnce sync.Once
}

// NewClient строит контекст: разбирает cookies, настраивает jar, транспорт и
// прокси. Сетевых вызовов не делает — авторизация произойдёт при первом запросе.
func NewClient(opts Options) (*Client, error) {
	cookies, err := ParseCookies(opts.CookiesJSON)
	if err != nil {
		return nil, err
	}

	base := opts.BaseURL
	if base == "" {
		base = BaseURL
	}
	baseU, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}

	transport, err := newTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	seedJar(jar, baseU, cookies)

	interval := opts.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	timeout := opts.GenTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   httpTimeout,
		},
		base:     strings.TrimRight(base, "/"),
		cookies:  cookies,
		interval: interval,
		timeout:  timeout,
	}, nil
}

// Close освобождает сетевые ресурсы контекста. Идемпотентен; вызывается на
// каждом пути выхода из генерации.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if t, ok := c.http.Transport.(*http.Transport); ok && t != nil {
			t.CloseIdleConnections()
		}
	})
}

// ValidateCookies проверяет набор cookies, получая по ним access token.
// Возвращает токен (из него извлекается стабильный ключ аккаунта).
// Используется при добавлении аккаунта в пул; при старте процесса cookies
// валидируются только синтаксически, без сетевых вызовов.
func ValidateCookies(ctx context.Context, cookiesJSON []byte, proxyURL string) (string, error) {
	client, err := NewClient(Options{CookiesJSON: cookiesJSON, Proxy: proxyURL})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := client.ensureToken(ctx); err != nil {
		return "", err
	}
	return client.accessToken(), nil
}

// newTransport собирает http.Transport с учётом прокси. socks5 заворачивается
// через x/net/proxy в DialContext, http(s) — штатным http.ProxyURL.
func newTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5":
		dialer, dErr := xproxy.FromURL(u, xproxy.Direct)
		if dErr != nil {
			return nil, errors.Wrap(dErr, "create socks5 dialer")
		}
		ctxDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support context")
		}
		transport.DialContext = ctxDialer.DialContext
	default:
		return nil, errors.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return transport, nil
}

// seedJar раскладывает импортированные cookies в jar. Cookies с доменом вида
// .chatgpt.com должны быть видны и на sora.chatgpt.com, поэтому мы явно сеем
// их для хоста бэкенда: jar сам по себе не умеет принимать Domain-атрибут
// «задним числом».
func seedJar(jar http.CookieJar, baseU *url.URL, cookies []Cookie) {
	target := &url.URL{Scheme: baseU.Scheme, Host: baseU.Host, Path: "/"}
	hc := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc = append(hc, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	jar.SetCookies(target, hc)
}

// authSessionResponse — ответ /api/auth/session. Нас интересует только токен.
type authSessionResponse struct {
	AccessToken string `json:"accessToken"`
}

// accessToken возвращает текущий токен под мьютексом.
func (c *Client) accessToken() string {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.token
}

// ensureToken гарантирует валидный access token: если токена нет или он ближе
// tokenSkew к истечению — обновляет через /api/auth/session. Double-check под
// мьютексом защищает от лишних обновлений при параллельных запросах.
func (c *Client) ensureToken(ctx context.Context) error {
	c.refreshMu.Lock()
	fresh := c.token != "" && (c.tokenExp.IsZero() || time.Now().Before(c.tokenExp.Add(-tokenSkew)))
	c.refreshMu.Unlock()
	if fresh {
		return nil
	}
	return c.refreshToken(ctx)
}

// refreshToken безусловно перечитывает токен по cookies.
// 401/403 или отсутствие accessToken в ответе означают протухшие cookies.
func (c *Client) refreshToken(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/auth/session", nil)
	if err != nil {
		return errors.Wrap(err, "build auth request")
	}
	applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "auth session request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthExpired
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("auth session failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload authSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errors.Wrap(err, "decode auth session response")
	}
	if payload.AccessToken == "" {
		// Сайт отдал 200, но сессии нет — значит, cookies больше не узнаются.
		return ErrAuthExpired
	}

	c.token = payload.AccessToken
	c.tokenExp = decodeJWTExp(payload.AccessToken)
	return nil
}

// applyHeaders выставляет браузерные заголовки на запрос.
func applyHeaders(req *http.Request) {
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
}

// authorize навешивает Authorization и oai-device-id на запрос.
func (c *Client) authorize(req *http.Request) {
	applyHeaders(req)
	c.refreshMu.Lock()
	token := c.token
	c.refreshMu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if did := cookieValue(c.cookies, "oai-did"); did != "" {
		req.Header.Set("oai-device-id", did)
	}
}

// do выполняет авторизованный запрос; на 401 один раз принудительно обновляет
// токен и повторяет. Второй 401 подряд трактуется как протухшие cookies.
// makeReq вызывается на каждую попытку, потому что тело запроса одноразовое.
func (c *Client) do(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	req, err := makeReq()
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sora request")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if err := c.refreshToken(ctx); err != nil {
		return nil, err
	}

	req, err = makeReq()
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err = c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sora request retry")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, ErrAuthExpired
	}
	return resp, nil
}

// getJSON выполняет авторизованный GET относительно базового URL.
func (c *Client) getJSON(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, errors.Wrap(err, "build get request")
		}
		return req, nil
	})
}

// postJSON выполняет авторизованный POST с JSON-телом.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode request payload")
	}
	return c.do(ctx, func() (*http.Request, error) {
		req, rErr := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(string(body)))
		if rErr != nil {
			return nil, errors.Wrap(rErr, "build post request")
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// apiError — разобранное тело ошибки бэкенда ({"error": {...}}).
type apiError struct {
	HTTPStatus int
	Type       string
	Code       string
	Message    string
}

// parseAPIError вычитывает из ответа машинный код и сообщение ошибки.
// Не-JSON тело превращается в message как есть (усечённое).
func parseAPIError(resp *http.Response) apiError {
	out := apiError{HTTPStatus: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return out
	}
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && (envelope.Error.Code != "" || envelope.Error.Message != "") {
		out.Type = envelope.Error.Type
		out.Code = envelope.Error.Code
		out.Message = envelope.Error.Message
		return out
	}
	out.Message = strings.TrimSpace(string(body))
	return out
}

// decodeJWTExp достаёт exp из JWT (best-effort; нулевое время — exp неизвестен,
// тогда токен обновляется только по факту 401).
func decodeJWTExp(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}
	}
	var payload struct {
		Exp float64 `json:"exp"`
	}
	if json.Unmarshal(raw, &payload) != nil || payload.Exp <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(payload.Exp), 0)
}

// DecodeJWTClaims возвращает payload JWT как карту. Используется пулом
// аккаунтов для извлечения стабильного ключа (email/sub).
func DecodeJWTClaims(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims map[string]any
	if json.Unmarshal(raw, &claims) != nil {
		return nil
	}
	return claims
}
