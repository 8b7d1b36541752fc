// Package app — верхний уровень сборки и инициализации бота. Здесь связываются
// конфигурация, хранилище, пул аккаунтов, очередь генераций, клиент Bot API и
// инфраструктурные сервисы. Отсюда стартует цикл обработки апдейтов и
// обеспечивается корректный shutdown.
package app

import (
	"context"
	"os"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/ushan0v/sora-bot/internal/adapters/botapi"
	"github.com/ushan0v/sora-bot/internal/adapters/cli"
	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/domain/generation"
	domainupdates "github.com/ushan0v/sora-bot/internal/domain/updates"
	"github.com/ushan0v/sora-bot/internal/domain/users"
	"github.com/ushan0v/sora-bot/internal/infra/config"
	"github.com/ushan0v/sora-bot/internal/infra/logger"
	"github.com/ushan0v/sora-bot/internal/infra/storage"
	"github.com/ushan0v/sora-bot/internal/sora"
)

// App агрегирует зависимости бота и управляет их связью.
// Отвечает за:
//   - открытие bbolt-хранилища и посев пула аккаунтов из cookies-файла,
//   - сборку очереди генераций и клиента Bot API,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context    // контекст жизненного цикла приложения
	mainCancel context.CancelFunc // инициирует отмену mainCtx

	db       *bbolt.DB
	pool     *accounts.Pool
	jobs     *generation.Store
	settings *users.Store
	queue    *generation.Queue
	bot      *botapi.Client
	handler  *domainupdates.Handler
	poller   *botapi.Poller
	cli      *cli.Service
	runner   *Runner
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация
// выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init собирает все подсистемы. Ошибки здесь фатальны: процесс завершается
// до любых сетевых вызовов к Telegram или Sora.
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	cfg := config.Env()

	db, err := storage.Open(cfg.DBFile,
		accounts.BucketAccounts,
		accounts.BucketKeys,
		generation.BucketJobs,
		users.BucketSettings,
	)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	a.db = db

	a.pool = accounts.NewPool(db, cfg.AccountDailyLimit, cfg.AccountConcurrency)
	a.jobs = generation.NewStore(db)
	a.settings = users.NewStore(db)

	if err := a.seedAccounts(cfg.CookiesFile); err != nil {
		return err
	}

	a.bot = botapi.NewClient(cfg.BotToken, cfg.ThrottleRPS, 50*time.Second)

	launcher := &generation.SoraLauncher{
		Proxy:        cfg.ProxyURL,
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		GenTimeout:   time.Duration(cfg.GenTimeoutSec) * time.Second,
	}
	notifier := domainupdates.NewBotNotifier(mainCtx, a.bot)
	a.queue = generation.NewQueue(a.jobs, a.pool, launcher, notifier, cfg.QueueWorkers)

	a.handler = domainupdates.NewHandler(a.bot, a.queue, a.settings, a.pool, cfg.ProxyURL, cfg.AdminUID)
	a.poller = botapi.NewPoller(a.bot, a.handler)
	a.cli = cli.NewService(a.pool, a.jobs, mainCancel)

	a.runner = NewRunner(mainCtx, mainCancel, a)
	return nil
}

// Run запускает основной цикл приложения. Блокируется до остановки и
// возвращает ошибку, если что-то пошло не так.
func (a *App) Run() error {
	if a.runner == nil {
		return errors.New("app is not initialized")
	}
	defer func() {
		if err := a.db.Close(); err != nil {
			logger.Error("close storage", zap.Error(err))
		}
	}()
	return a.runner.Run()
}

// seedAccounts засевает пул из cookies-файла. Валидация при старте только
// синтаксическая (без сетевых вызовов): файл должен разбираться и содержать
// хотя бы одну пригодную cookie. Правила:
//   - пул пуст: файл обязателен, ошибки разбора и пустой набор фатальны;
//   - пул не пуст: файл опционален, дубликат из файла — не ошибка.
func (a *App) seedAccounts(path string) error {
	count, err := a.pool.Count()
	if err != nil {
		return errors.Wrap(err, "count accounts")
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if count > 0 && os.IsNotExist(readErr) {
			logger.Debugf("cookies file %s absent, pool already has %d account(s)", path, count)
			return nil
		}
		return errors.Wrapf(readErr, "read cookies file %s", path)
	}

	if _, pErr := sora.ParseCookies(data); pErr != nil {
		if count > 0 {
			logger.Warn("cookies file is not usable, keeping existing pool",
				zap.String("file", path), zap.Error(pErr))
			return nil
		}
		return errors.Wrapf(pErr, "cookies file %s", path)
	}

	acc, addErr := a.pool.Add(data, "")
	var dup *accounts.DuplicateError
	switch {
	case errors.As(addErr, &dup):
		logger.Debugf("cookies file account already in pool (id=%d)", dup.ExistingID)
	case addErr != nil:
		return errors.Wrap(addErr, "seed account from cookies file")
	default:
		logger.Info("account seeded from cookies file",
			zap.Uint64("account", acc.ID), zap.String("file", path))
	}
	return nil
}
