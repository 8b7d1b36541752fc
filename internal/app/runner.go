// Файл runner.go — точка оркестрации: сервисы запускаются в правильном
// порядке, а при остановке гасятся в обратном, чтобы очередь генераций успела
// зафиксировать состояние задач до закрытия хранилища.
package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ushan0v/sora-bot/internal/infra/logger"
	versioninfo "github.com/ushan0v/sora-bot/internal/support/version"
)

// commandsSetupTimeout ограничивает публикацию меню команд при старте.
const commandsSetupTimeout = 10 * time.Second

// Runner инкапсулирует сценарий запуска и остановки бота:
//   - линейный запуск сервисов (троттлер Bot API, очередь, CLI, long poll),
//   - корректное завершение: сначала останавливается приём апдейтов, затем
//     дорабатывают обработчики и воркеры очереди, последним гаснет транспорт.
type Runner struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc
	app        *App

	pollerWG sync.WaitGroup
}

func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc, app *App) *Runner {
	return &Runner{mainCtx: mainCtx, mainCancel: mainCancel, app: app}
}

// Run — главный цикл бота. Блокируется до отмены mainCtx.
func (r *Runner) Run() error {
	logger.Infof("%s v%s starting", versioninfo.Name, versioninfo.Version)

	if err := r.startAllServices(); err != nil {
		r.stopAllServices()
		return err
	}

	<-r.mainCtx.Done()
	logger.Debug("Shutdown signal received, stopping runner...")
	r.stopAllServices()
	return nil
}

func (r *Runner) startAllServices() error {
	// bot api throttler
	logger.Debug("starting service bot_api")
	r.app.bot.Start(r.mainCtx)
	logger.Debug("service bot_api started")

	// generation_queue: восстановление running-задач и цикл раздачи
	logger.Debug("starting service generation_queue")
	if err := r.app.queue.Start(r.mainCtx); err != nil {
		return err
	}
	logger.Debug("service generation_queue started")

	// меню команд; неуспех не фатален
	setupCtx, cancel := context.WithTimeout(r.mainCtx, commandsSetupTimeout)
	if err := r.app.handler.SetupCommands(setupCtx); err != nil {
		logger.Warn("setup bot commands", zap.Error(err))
	}
	cancel()

	// cli
	logger.Debug("starting service cli")
	r.app.cli.Start(r.mainCtx)
	logger.Debug("service cli started")

	// update_poller
	logger.Debug("starting service update_poller")
	r.pollerWG.Add(1)
	go func() {
		defer r.pollerWG.Done()
		r.app.poller.Run(r.mainCtx)
	}()
	logger.Debug("service update_poller started")

	return nil
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке.

	// update_poller: приём новых апдейтов прекращается первым
	logger.Debug("stopping service update_poller")
	r.pollerWG.Wait()
	logger.Debug("service update_poller stopped")

	// domain_handlers: дорабатывают уже принятые апдейты
	logger.Debug("stopping service domain_handlers")
	r.app.handler.Wait()
	logger.Debug("service domain_handlers stopped")

	// generation_queue: воркеры фиксируют состояние задач
	logger.Debug("stopping service generation_queue")
	r.app.queue.Wait()
	logger.Debug("service generation_queue stopped")

	// cli
	logger.Debug("stopping service cli")
	r.app.cli.Stop()
	logger.Debug("service cli stopped")

	// bot api throttler
	logger.Debug("stopping service bot_api")
	r.app.bot.Stop()
	logger.Debug("service bot_api stopped")
}
