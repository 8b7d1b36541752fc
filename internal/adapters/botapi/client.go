// Package botapi — клиент Telegram Bot API поверх net/http.
//
// В этом файле (client.go):
//   - настраивается HTTP-клиент и общий троттлер запросов;
//   - методы API вызываются POST JSON-ом с разбором стандартного конверта
//     {ok, result, description, error_code, parameters.retry_after};
//   - ошибки классифицируются на временные (429/5xx) и постоянные
//     (большинство 4xx), retry_after передаётся троттлеру через экстрактор.
package botapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"

	"github.com/ushan0v/sora-bot/internal/infra/throttle"
)

// httpClientTimeout — таймаут обычного запроса к Bot API, секунды.
const httpClientTimeout = 30

// longPollSlack — запас таймаута HTTP-клиента поверх серверного таймаута
// long poll, чтобы клиент не рвал соединение раньше сервера.
const longPollSlack = 10 * time.Second

// maxRetries — потолок повторов одного вызова в троттлере.
const maxRetries = 5

// APIError — ошибка Bot API с классификацией для троттлера: Permanent
// останавливает повторы, Retry несёт серверный retry_after.
type APIError struct {
	Code        int
	Description string
	Permanent   bool
	Retry       time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api error %d: %s", e.Code, e.Description)
}

// StopRetry реализует throttle.StopRetryer: постоянные 4xx не ретраятся.
func (e *APIError) StopRetry() bool { return e.Permanent }

// RetryAfter возвращает серверную паузу (0 — сервер её не прислал).
func (e *APIError) RetryAfter() time.Duration { return e.Retry }

// RetryAfterExtractor — throttle.WaitExtractor, извлекающий retry_after из
// APIError. Без джиттера: серверный интервал соблюдается ровно.
func RetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Retry <= 0 {
			return 0, false
		}
		return apiErr.Retry, true
	}
}

// Client — клиент Bot API. Все вызовы, кроме long poll getUpdates, проходят
// через общий троттлер с token bucket и backoff.
type Client struct {
	baseURL   string
	client    *http.Client
	poll      *http.Client
	limiter   *rate.Limiter
	throttler *throttle.Throttler
}

// NewClient создаёт клиента для бота. rps задаёт целевую среднюю частоту
// запросов; long poll в лимит не входит.
func NewClient(token string, rps int, pollTimeout time.Duration) *Client {
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		baseURL: "https://api.telegram.org/bot" + token + "/",
		client: &http.Client{
			Timeout: httpClientTimeout * time.Second,
		},
		poll: &http.Client{
			Timeout: pollTimeout + longPollSlack,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), rps*2),
		throttler: throttle.New(rps,
			throttle.WithMaxRetries(maxRetries),
			throttle.WithWaitExtractors(RetryAfterExtractor()),
		),
	}
}

// Start запускает троттлер. Останавливается отменой ctx.
func (c *Client) Start(ctx context.Context) {
	c.throttler.Start(ctx)
}

// Stop гасит троттлер.
func (c *Client) Stop() {
	c.throttler.Stop()
}

// invoke вызывает метод Bot API с повторами по политике троттлера.
// out — адрес поля result; nil, если результат не нужен.
func (c *Client) invoke(ctx context.Context, method string, payload any, out any) error {
	return c.throttler.Do(ctx, func() error {
		return c.call(ctx, c.client, method, payload, out)
	})
}

// call выполняет один вызов без повторов.
func (c *Client) call(ctx context.Context, hc *http.Client, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s payload", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, strings.NewReader(string(body)))
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request", method)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", method)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return httpError(resp.StatusCode, respBody)
		}
		return errors.Wrapf(err, "decode %s response", method)
	}

	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		desc := strings.TrimSpace(envelope.Description)
		if desc == "" {
			desc = "(empty bot api description)"
		}
		apiErr := &APIError{Code: code, Description: desc}
		if envelope.Parameters.RetryAfter > 0 {
			apiErr.Retry = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		apiErr.Permanent = isPermanent(code, desc, apiErr.Retry)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errors.Wrapf(err, "decode %s result", method)
		}
	}
	return nil
}

// httpError нормализует не-JSON ответ HTTP в APIError по тем же правилам:
// 429 и 5xx — временные, остальные 4xx — постоянные.
func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{
		Code:        status,
		Description: msg,
		Permanent:   isPermanent(status, msg, 0),
	}
}

// isPermanent: большинство 4xx постоянны, но 429 и любые упоминания
// retry_after — временные сбои.
func isPermanent(code int, desc string, retry time.Duration) bool {
	if code == http.StatusTooManyRequests || retry > 0 {
		return false
	}
	if strings.Contains(strings.ToLower(desc), "retry after") {
		return false
	}
	return code >= 400 && code < 500
}

// GetUpdates выполняет long poll. Идёт мимо троттлера: запрос висит на
// сервере до timeout и частотный лимит к нему неприменим.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) ([]Update, error) {
	payload := map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	}
	if len(allowed) > 0 {
		payload["allowed_updates"] = allowed
	}
	var updates []Update
	if err := c.call(ctx, c.poll, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendOptions — необязательные параметры отправки.
type SendOptions struct {
	ReplyMarkup *InlineKeyboardMarkup
}

// SendMessage отправляет HTML-сообщение и возвращает его (для wait-сообщений
// нужен message_id).
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*Message, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if opts != nil && opts.ReplyMarkup != nil {
		payload["reply_markup"] = opts.ReplyMarkup
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var msg Message
	if err := c.invoke(ctx, "sendMessage", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageText редактирует текст (и, опционально, клавиатуру) сообщения.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts *SendOptions) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if opts != nil && opts.ReplyMarkup != nil {
		payload["reply_markup"] = opts.ReplyMarkup
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, "editMessageText", payload, nil)
}

// EditMessageReplyMarkup заменяет инлайн-клавиатуру сообщения.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID int64, messageID int, markup *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": markup,
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, "editMessageReplyMarkup", payload, nil)
}

// DeleteMessage удаляет сообщение.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	payload := map[string]any{"chat_id": chatID, "message_id": messageID}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, "deleteMessage", payload, nil)
}

// SendVideo отправляет видео по прямому URL: скачивание выполняет сам
// Telegram, бот файл через себя не гоняет.
func (c *Client) SendVideo(ctx context.Context, chatID int64, videoURL, captionHTML string) (*Message, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"video":      videoURL,
		"caption":    captionHTML,
		"parse_mode": "HTML",
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var msg Message
	if err := c.invoke(ctx, "sendVideo", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendChatAction показывает индикатор активности («печатает...»).
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	payload := map[string]any{"chat_id": chatID, "action": action}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, "sendChatAction", payload, nil)
}

// AnswerCallbackQuery подтверждает нажатие инлайн-кнопки.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, "answerCallbackQuery", payload, nil)
}

// SetMyCommands публикует меню команд бота.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	payload := map[string]any{"commands": commands}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.invoke(ctx, "setMyCommands", payload, nil)
}

// GetFile возвращает метаданные файла для последующего скачивания.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var file File
	if err := c.invoke(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// DownloadFile скачивает содержимое файла по file_path из GetFile.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	// baseURL: https://api.telegram.org/bot<token>/ -> /file/bot<token>/<path>
	fileURL := strings.Replace(c.baseURL, "/bot", "/file/bot", 1) + filePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, httpError(resp.StatusCode, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read file body")
	}
	return data, nil
}
