// Package updates — маршрутизация входящих апдейтов Telegram: команды,
// текстовые промпты, фото с подписью, загрузка cookies и инлайн-настройки.
package updates

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/ushan0v/sora-bot/internal/adapters/botapi"
	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/domain/generation"
	"github.com/ushan0v/sora-bot/internal/domain/users"
	"github.com/ushan0v/sora-bot/internal/infra/logger"
	"github.com/ushan0v/sora-bot/internal/sora"
)

const (
	textStart = "Привет! Я бот для генерации видео с помощью Sora 2.\n\n" +
		"/settings — выбрать формат, длительность и качество.\n\n" +
		"Отправь текст или фото с подписью — и я начну генерацию."

	textSettings = "Выберите ориентацию, длительность и качество:"

	textAddAccount = "Подключая свой аккаунт, вы увеличиваете лимиты для себя и всех участников и даёте согласие на использование его ботом для генерации видео. Аккаунт обязательно должен иметь доступ к Sora 2.\n\n" +
		"<i>Рекомендуется использовать неосновной (вторичный) аккаунт.</i>\n\n" +
		"<b>Что делать?</b>\n\n" +
		"1) Установите расширение для экспорта cookies <a href=\"https://chromewebstore.google.com/detail/cookie-editor/hlkenndednhfkekhgcdicdfddnkalmdm\">Chrome</a> / <a href=\"https://addons.mozilla.org/ru/firefox/addon/cookie-editor\">Firefox</a>\n" +
		"2) Откройте <a href=\"https://sora.chatgpt.com\">Sora</a> и войдите в аккаунт.\n" +
		"3) Нажмите на иконку расширения на этой странице → выберите <b>Export</b> → формат <b>JSON</b> → сохраните файл как <b>cookies.json</b>.\n\n" +
		"Отправьте файл <b>cookies.json</b> этому боту.\n\n"

	textNeedFile      = "❗️Необходимо отправить файл\n\nПопробуйте еще раз — /add_account"
	textNeedJSON      = "❗️Необходимо отправить документ с расширнием .json\n\nПопробуйте еще раз — /add_account"
	textBadCookies    = "❗️Некорректные файлы cookies\n\nПопробуйте еще раз — /add_account"
	textDupAccount    = "❗️Этот аккаунт уже добавлен в базу.\n\nПопробуйте другой аккаунт — /add_account"
	textAccountAdded  = "✅ Аккаунт успешно добавлен и будет использоваться для генерации видео."
	textNeedCaption   = "❗️Пожалуйста, добавьте подпись к фото — это будет промпт."
	textPhotoFailed   = "Не удалось получить фото для генерации."
	textChatBusy      = "⏳ В этом чате уже идёт генерация. Дождитесь её завершения или отмените — /cancel"
	textNothingCancel = "Сейчас нет активной генерации."
	textCancelFailed  = "Не удалось отменить генерацию, попробуйте ещё раз."
	textEnqueueFailed = "Не удалось поставить генерацию в очередь, попробуйте позже."
)

// Handler маршрутизирует апдейты. Каждый апдейт обрабатывается в своей
// горутине: загрузка фото и валидация cookies ходят по сети и не должны
// тормозить long poll.
type Handler struct {
	bot      *botapi.Client
	queue    *generation.Queue
	settings *users.Store
	pool     *accounts.Pool
	proxy    string
	adminUID int64

	mu           sync.Mutex
	awaitingJSON map[int64]bool
	wg           sync.WaitGroup
}

func NewHandler(bot *botapi.Client, queue *generation.Queue, settings *users.Store, pool *accounts.Pool, proxy string, adminUID int64) *Handler {
	return &Handler{
		bot:          bot,
		queue:        queue,
		settings:     settings,
		pool:         pool,
		proxy:        proxy,
		adminUID:     adminUID,
		awaitingJSON: make(map[int64]bool),
	}
}

var _ botapi.Handler = (*Handler)(nil)

// SetupCommands публикует меню команд.
func (h *Handler) SetupCommands(ctx context.Context) error {
	return h.bot.SetMyCommands(ctx, []botapi.BotCommand{
		{Command: "start", Description: "Что умеет бот"},
		{Command: "settings", Description: "Формат, длительность и качество"},
		{Command: "add_account", Description: "Подключить аккаунт Sora"},
		{Command: "cancel", Description: "Отменить текущую генерацию"},
	})
}

// HandleUpdate реализует botapi.Handler.
func (h *Handler) HandleUpdate(ctx context.Context, upd botapi.Update) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		switch {
		case upd.CallbackQuery != nil:
			h.handleCallback(ctx, upd.CallbackQuery)
		case upd.Message != nil:
			h.handleMessage(ctx, upd.Message)
		}
	}()
}

// Wait дожидается завершения обработчиков при остановке.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) handleMessage(ctx context.Context, msg *botapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if cmd := command(msg.Text); cmd != "" {
		h.setAwaiting(userID, false)
		switch cmd {
		case "start":
			h.reply(ctx, chatID, textStart)
		case "settings":
			h.cmdSettings(ctx, chatID, userID)
		case "add_account":
			h.setAwaiting(userID, true)
			h.reply(ctx, chatID, textAddAccount)
		case "cancel":
			h.cmdCancel(ctx, chatID)
		case "stats":
			h.cmdStats(ctx, chatID, userID)
		}
		return
	}

	if h.isAwaiting(userID) {
		h.setAwaiting(userID, false)
		h.handleCookiesUpload(ctx, msg)
		return
	}

	// Альбомы не поддерживаются: для генерации нужен один кадр.
	if msg.MediaGroupID != "" {
		return
	}

	if len(msg.Photo) > 0 {
		caption := strings.TrimSpace(msg.Caption)
		if caption == "" {
			h.reply(ctx, chatID, textNeedCaption)
			return
		}
		image, err := h.downloadPhoto(ctx, msg.Photo)
		if err != nil {
			logger.Warn("download photo", zap.Int64("chat", chatID), zap.Error(err))
			h.reply(ctx, chatID, textPhotoFailed)
			return
		}
		h.enqueue(ctx, msg, caption, image)
		return
	}

	if prompt := strings.TrimSpace(msg.Text); prompt != "" {
		h.enqueue(ctx, msg, prompt, nil)
	}
}

// command выделяет имя команды из текста (/settings@SoraBot -> settings).
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

func (h *Handler) cmdSettings(ctx context.Context, chatID, userID int64) {
	s, err := h.settings.Get(userID)
	if err != nil {
		logger.Error("load settings", zap.Int64("user", userID), zap.Error(err))
	}
	if _, err := h.bot.SendMessage(ctx, chatID, textSettings, &botapi.SendOptions{ReplyMarkup: settingsKeyboard(s)}); err != nil {
		logger.Warn("send settings", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (h *Handler) cmdCancel(ctx context.Context, chatID int64) {
	switch err := h.queue.Cancel(chatID); {
	case err == nil:
	case errors.Is(err, generation.ErrNoActiveJob):
		h.reply(ctx, chatID, textNothingCancel)
	default:
		logger.Error("cancel generation", zap.Int64("chat", chatID), zap.Error(err))
		h.reply(ctx, chatID, textCancelFailed)
	}
}

// cmdStats — сводка для администратора; для остальных команда не существует.
func (h *Handler) cmdStats(ctx context.Context, chatID, userID int64) {
	if h.adminUID == 0 || userID != h.adminUID {
		return
	}
	list, err := h.pool.List()
	if err != nil {
		h.reply(ctx, chatID, "Ошибка чтения пула: "+err.Error())
		return
	}
	var b strings.Builder
	b.WriteString("<b>Аккаунты:</b>\n")
	if len(list) == 0 {
		b.WriteString("пул пуст\n")
	}
	for _, acc := range list {
		fmt.Fprintf(&b, "#%d — активных %d, за сутки %d\n", acc.ID, acc.Active, acc.DailyCount)
	}
	h.reply(ctx, chatID, b.String())
}

// enqueue снимает настройки пользователя, вешает wait-сообщение и ставит
// задачу в очередь. Отказ очереди убирает wait-сообщение сразу.
func (h *Handler) enqueue(ctx context.Context, msg *botapi.Message, prompt string, image []byte) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	// Индикатор активности на время постановки в очередь.
	if err := h.bot.SendChatAction(ctx, chatID, "typing"); err != nil {
		logger.Debug("send chat action", zap.Error(err))
	}

	s, err := h.settings.Get(userID)
	if err != nil {
		logger.Error("load settings", zap.Int64("user", userID), zap.Error(err))
	}

	waitMsg, err := h.bot.SendMessage(ctx, chatID, "⏳", nil)
	if err != nil {
		logger.Warn("send wait message", zap.Int64("chat", chatID), zap.Error(err))
	}
	waitID := 0
	if waitMsg != nil {
		waitID = waitMsg.MessageID
	}

	_, err = h.queue.Enqueue(generation.Request{
		UserID:        userID,
		ChatID:        chatID,
		Prompt:        prompt,
		Orientation:   s.Orientation(),
		Frames:        s.Frames(),
		Size:          s.Size,
		Image:         image,
		WaitMessageID: waitID,
	})
	if err == nil {
		return
	}
	if waitID != 0 {
		_ = h.bot.DeleteMessage(ctx, chatID, waitID)
	}
	if errors.Is(err, generation.ErrChatBusy) {
		h.reply(ctx, chatID, textChatBusy)
		return
	}
	logger.Error("enqueue generation", zap.Int64("chat", chatID), zap.Error(err))
	h.reply(ctx, chatID, textEnqueueFailed)
}

// downloadPhoto забирает самый крупный вариант фото.
func (h *Handler) downloadPhoto(ctx context.Context, sizes []botapi.PhotoSize) ([]byte, error) {
	file, err := h.bot.GetFile(ctx, sizes[len(sizes)-1].FileID)
	if err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, errors.New("file path is empty")
	}
	return h.bot.DownloadFile(ctx, file.FilePath)
}

// handleCookiesUpload валидирует присланный cookies.json и добавляет аккаунт
// в пул. Валидация сетевая: по cookies получается access token, из него —
// стабильный ключ дедупликации.
func (h *Handler) handleCookiesUpload(ctx context.Context, msg *botapi.Message) {
	chatID := msg.Chat.ID
	doc := msg.Document
	if doc == nil {
		h.reply(ctx, chatID, textNeedFile)
		return
	}
	if !strings.HasSuffix(strings.ToLower(doc.FileName), ".json") {
		h.reply(ctx, chatID, textNeedJSON)
		return
	}

	file, err := h.bot.GetFile(ctx, doc.FileID)
	if err != nil || file.FilePath == "" {
		h.reply(ctx, chatID, textBadCookies)
		return
	}
	data, err := h.bot.DownloadFile(ctx, file.FilePath)
	if err != nil {
		h.reply(ctx, chatID, textBadCookies)
		return
	}

	token, err := sora.ValidateCookies(ctx, data, h.proxy)
	if err != nil {
		logger.Warn("validate cookies", zap.Int64("chat", chatID), zap.Error(err))
		h.reply(ctx, chatID, textBadCookies)
		return
	}

	acc, err := h.pool.Add(data, token)
	var dup *accounts.DuplicateError
	switch {
	case errors.As(err, &dup):
		h.reply(ctx, chatID, textDupAccount)
		return
	case err != nil:
		logger.Error("add account", zap.Int64("chat", chatID), zap.Error(err))
		h.reply(ctx, chatID, textBadCookies)
		return
	}

	logger.Info("account added", zap.Uint64("account", acc.ID))
	h.reply(ctx, chatID, textAccountAdded)
}

// handleCallback обрабатывает инлайн-настройки (set:orient:, set:dur:, set:size:).
func (h *Handler) handleCallback(ctx context.Context, cb *botapi.CallbackQuery) {
	defer func() {
		if err := h.bot.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
			logger.Debug("answer callback", zap.Error(err))
		}
	}()

	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) != 3 || parts[0] != "set" || cb.Message == nil {
		return
	}
	userID := cb.From.ID

	current, err := h.settings.Get(userID)
	if err != nil {
		logger.Error("load settings", zap.Int64("user", userID), zap.Error(err))
		return
	}

	var updated users.Settings
	switch parts[1] {
	case "orient":
		vertical := parts[2] == "portrait"
		if vertical == current.Vertical {
			return
		}
		updated, err = h.settings.SetOrientation(userID, vertical)
	case "dur":
		seconds, aErr := strconv.Atoi(parts[2])
		if aErr != nil || seconds == current.DurationSec {
			return
		}
		updated, err = h.settings.SetDuration(userID, seconds)
	case "size":
		size := strings.ToLower(parts[2])
		if size == current.Size {
			return
		}
		updated, err = h.settings.SetSize(userID, size)
	default:
		return
	}
	if err != nil {
		logger.Warn("update settings", zap.Int64("user", userID), zap.Error(err))
		return
	}

	if err := h.bot.EditMessageReplyMarkup(ctx, cb.Message.Chat.ID, cb.Message.MessageID, settingsKeyboard(updated)); err != nil {
		logger.Debug("refresh settings keyboard", zap.Error(err))
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if _, err := h.bot.SendMessage(ctx, chatID, text, nil); err != nil {
		logger.Warn("send message", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (h *Handler) isAwaiting(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awaitingJSON[userID]
}

func (h *Handler) setAwaiting(userID int64, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v {
		h.awaitingJSON[userID] = true
	} else {
		delete(h.awaitingJSON, userID)
	}
}
