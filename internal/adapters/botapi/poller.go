package botapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ushan0v/sora-bot/internal/infra/concurrency"
	"github.com/ushan0v/sora-bot/internal/infra/logger"
)

// defaultPollTimeout — серверный таймаут long poll.
const defaultPollTimeout = 50 * time.Second

// errorCooldown — пауза после неудачного getUpdates, чтобы не крутить
// горячий цикл при лежащем API.
const errorCooldown = 3 * time.Second

// dedupWindowSec — окно подавления повторных апдейтов. Должно покрывать
// цикл long poll с запасом.
const dedupWindowSec = 120

// Handler обрабатывает входящие апдейты. Вызовы последовательные: порядок
// апдейтов Telegram сохраняется, долгую работу обработчик уводит в фон сам.
type Handler interface {
	HandleUpdate(ctx context.Context, upd Update)
}

// Poller крутит long poll getUpdates и раздаёт апдейты обработчику.
// Подтверждение (сдвиг offset) происходит на следующем запросе, поэтому
// повторная доставка после рестарта гасится дедупликатором.
type Poller struct {
	client  *Client
	handler Handler
	dedup   *concurrency.Deduplicator
	timeout time.Duration
}

func NewPoller(client *Client, handler Handler) *Poller {
	return &Poller{
		client:  client,
		handler: handler,
		dedup:   concurrency.NewDeduplicator(dedupWindowSec),
		timeout: defaultPollTimeout,
	}
}

// Run блокирует до отмены ctx. Offset не персистится: после рестарта Telegram
// повторит неподтверждённые апдейты, повторы отсеет дедупликатор.
func (p *Poller) Run(ctx context.Context) {
	p.dedup.Start(ctx)
	defer p.dedup.Stop()

	allowed := []string{"message", "callback_query"}
	var offset int64

	logger.Info("update poller started")
	for {
		if ctx.Err() != nil {
			logger.Info("update poller stopped")
			return
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.timeout, allowed)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("update poller stopped")
				return
			}
			logger.Warn("get updates", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorCooldown):
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if p.dedup.Seen(upd.UpdateID) {
				continue
			}
			p.handler.HandleUpdate(ctx, upd)
		}
	}
}
