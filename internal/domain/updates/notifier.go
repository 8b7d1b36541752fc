package updates

import (
	"context"

	"github.com/ushan0v/sora-bot/internal/adapters/botapi"
	"github.com/ushan0v/sora-bot/internal/domain/generation"
)

// BotNotifier транслирует обратную связь очереди генераций в чат через Bot API.
// Живёт на корневом контексте процесса: уведомления не привязаны к контексту
// отдельной задачи и должны уходить даже после её отмены.
type BotNotifier struct {
	ctx context.Context
	bot *botapi.Client
}

func NewBotNotifier(ctx context.Context, bot *botapi.Client) *BotNotifier {
	return &BotNotifier{ctx: ctx, bot: bot}
}

var _ generation.Notifier = (*BotNotifier)(nil)

func (n *BotNotifier) EditStatus(chatID int64, messageID int, html string) error {
	return n.bot.EditMessageText(n.ctx, chatID, messageID, html, nil)
}

func (n *BotNotifier) DeleteStatus(chatID int64, messageID int) error {
	return n.bot.DeleteMessage(n.ctx, chatID, messageID)
}

func (n *BotNotifier) SendHTML(chatID int64, html string) error {
	_, err := n.bot.SendMessage(n.ctx, chatID, html, nil)
	return err
}

func (n *BotNotifier) SendVideoURL(chatID int64, url, captionHTML string) error {
	_, err := n.bot.SendVideo(n.ctx, chatID, url, captionHTML)
	return err
}
