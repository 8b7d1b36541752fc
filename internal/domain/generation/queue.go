package generation

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/infra/logger"
	"github.com/ushan0v/sora-bot/internal/sora"
)

// Тексты статусов в чате.
const (
	textResuming   = "♻️ Возобновляю отслеживание генерации..."
	textStarting   = "⏳ Генерация скоро начнётся..."
	textAuth       = "🔐 Авторизация..."
	textUploaded   = "📤 Изображение загружено, готовим генерацию..."
	textDraft      = "🔄 Обрабатываем черновик..."
	textDone       = "<b>✅ Видео успешно создано</b>"
	textDoneNoLink = "❗️Видео успешно создано, но ссылка отсутствует"
	textCanceled   = "🚫 Генерация отменена"
)

// Ошибки постановки и отмены.
var (
	// ErrChatBusy — в чате уже идёт генерация.
	ErrChatBusy = errors.New("chat already has an active generation")
	// ErrNoActiveJob — отменять нечего.
	ErrNoActiveJob = errors.New("chat has no active generation")
)

// Run — запущенная на бэкенде генерация: опрос до результата и teardown.
type Run interface {
	Wait(ctx context.Context, onProgress func(sora.Result)) (sora.Result, error)
	Close()
}

// Launcher создаёт браузерный контекст под аккаунт и запускает либо
// возобновляет генерацию. Абстракция отделяет очередь от HTTP-слоя.
type Launcher interface {
	// Start запускает новую генерацию; второй результат — task_id бэкенда.
	Start(ctx context.Context, acc *accounts.Account, job *Job, onStage func(sora.Stage)) (Run, string, error)
	// Resume подхватывает уже принятую бэкендом генерацию по task_id.
	Resume(ctx context.Context, acc *accounts.Account, taskID string) (Run, error)
}

// Notifier — обратная связь в чат. Ошибки доставки не фатальны для задачи.
type Notifier interface {
	EditStatus(chatID int64, messageID int, html string) error
	DeleteStatus(chatID int64, messageID int) error
	SendHTML(chatID int64, html string) error
	// SendVideoURL отправляет видео по прямой ссылке. Ошибка означает, что
	// вызывающий должен отправить ссылку текстом.
	SendVideoURL(chatID int64, url, captionHTML string) error
}

// Queue — исполнитель очереди генераций. Семафор ограничивает число
// одновременных задач, карта activeChats держит инвариант «одна активная
// генерация на чат».
type Queue struct {
	store    *Store
	pool     *accounts.Pool
	launcher Launcher
	notifier Notifier

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	activeChats map[int64]uint64
	cancels     map[uint64]context.CancelFunc
}

// NewQueue собирает очередь. workers <= 0 заменяется пятёркой — потолком
// одновременных генераций одного аккаунта.
func NewQueue(store *Store, pool *accounts.Pool, launcher Launcher, notifier Notifier, workers int) *Queue {
	if workers <= 0 {
		workers = accounts.DefaultConcurrency
	}
	return &Queue{
		store:       store,
		pool:        pool,
		launcher:    launcher,
		notifier:    notifier,
		sem:         semaphore.NewWeighted(int64(workers)),
		wake:        make(chan struct{}, 1),
		activeChats: make(map[int64]uint64),
		cancels:     make(map[uint64]context.CancelFunc),
	}
}

// Start восстанавливает состояние после рестарта и запускает цикл раздачи
// задач. Возобновляемые running-задачи (есть task_id и аккаунт) продолжают
// опрос, остальные running возвращаются в очередь.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.pool.ResetActive(); err != nil {
		return errors.Wrap(err, "reset account slots")
	}

	active, err := q.store.ListByStatus(StatusQueued, StatusRunning)
	if err != nil {
		return errors.Wrap(err, "list active jobs")
	}
	for _, job := range active {
		q.mu.Lock()
		q.activeChats[job.ChatID] = job.ID
		q.mu.Unlock()

		if job.Status != StatusRunning {
			continue
		}
		if job.TaskID != "" && job.AccountID != 0 {
			logger.Info("resuming generation",
				zap.Uint64("job", job.ID), zap.String("task", job.TaskID))
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			q.launch(ctx, job, true)
			continue
		}
		// Без task_id продолжать нечего: задача не успела дойти до бэкенда.
		job.Status = StatusQueued
		job.TaskID = ""
		job.AccountID = 0
		job.Progress = 0
		job.LastEvent = "requeued"
		if err := q.store.Update(job); err != nil {
			logger.Error("requeue job", zap.Uint64("job", job.ID), zap.Error(err))
		}
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.dispatchLoop(ctx)
	}()
	q.poke()
	return nil
}

// Wait блокирует до завершения всех воркеров. Вызывается после отмены
// корневого контекста при остановке процесса.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue ставит заявку в очередь. Вторая заявка из того же чата до
// завершения первой отклоняется с ErrChatBusy.
func (q *Queue) Enqueue(req Request) (*Job, error) {
	q.mu.Lock()
	if jobID, busy := q.activeChats[req.ChatID]; busy {
		q.mu.Unlock()
		return nil, errors.Wrapf(ErrChatBusy, "job %d", jobID)
	}
	// Чат резервируется до записи, чтобы гонка двух сообщений не породила
	// две задачи; при ошибке записи резерв снимается.
	q.activeChats[req.ChatID] = 0
	q.mu.Unlock()

	// База — последняя инстанция: карта в памяти пуста сразу после рестарта
	// и не знает о задачах, которые Start ещё не успел подхватить.
	if active, err := q.store.FindActiveByChat(req.ChatID); err != nil || active != nil {
		q.mu.Lock()
		delete(q.activeChats, req.ChatID)
		q.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrChatBusy, "job %d", active.ID)
	}

	job, err := q.store.Enqueue(req)
	q.mu.Lock()
	if err != nil {
		delete(q.activeChats, req.ChatID)
	} else {
		q.activeChats[req.ChatID] = job.ID
	}
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logger.Info("job enqueued", zap.Uint64("job", job.ID), zap.Int64("chat", req.ChatID))
	q.poke()
	return job, nil
}

// Cancel прекращает активную генерацию чата. Queued-задача снимается сразу,
// running помечается canceled и её контекст обрывается — воркер дочистит
// аккаунт и сообщение сам.
func (q *Queue) Cancel(chatID int64) error {
	q.mu.Lock()
	jobID, ok := q.activeChats[chatID]
	q.mu.Unlock()
	if !ok || jobID == 0 {
		return ErrNoActiveJob
	}

	job, err := q.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrNoActiveJob
	}

	job.Status = StatusCanceled
	job.Image = nil
	if err := q.store.Update(job); err != nil {
		return err
	}
	logger.Info("job canceled", zap.Uint64("job", job.ID), zap.Int64("chat", chatID))

	q.mu.Lock()
	cancel := q.cancels[jobID]
	if cancel == nil {
		// Задача ещё не взята воркером: убираем следы очереди сами.
		delete(q.activeChats, chatID)
	}
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	q.deleteStatus(job)
	q.sendHTML(job.ChatID, textCanceled)
	return nil
}

// ActiveChat возвращает id активной задачи чата.
func (q *Queue) ActiveChat(chatID int64) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.activeChats[chatID]
	return id, ok && id != 0
}

// poke будит цикл раздачи без блокировки.
func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop раздаёт queued-задачи свободным воркерам. Секундный тикер
// страхует пропущенные пробуждения.
func (q *Queue) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
		for q.sem.TryAcquire(1) {
			job, err := q.store.ClaimNext()
			if err != nil {
				logger.Error("claim next job", zap.Error(err))
			}
			if err != nil || job == nil {
				q.sem.Release(1)
				break
			}
			q.launch(ctx, job, false)
		}
	}
}

// launch запускает воркер задачи. Семафор уже захвачен вызывающим.
func (q *Queue) launch(parent context.Context, job *Job, resume bool) {
	ctx, cancel := context.WithCancel(parent)
	q.mu.Lock()
	q.cancels[job.ID] = cancel
	q.activeChats[job.ChatID] = job.ID
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.sem.Release(1)
		defer cancel()
		defer func() {
			q.mu.Lock()
			delete(q.cancels, job.ID)
			if q.activeChats[job.ChatID] == job.ID {
				delete(q.activeChats, job.ChatID)
			}
			q.mu.Unlock()
			q.poke()
		}()
		q.process(ctx, job, resume)
	}()
}

// process ведёт задачу от аккаунта до терминального статуса. Слот аккаунта
// и браузерный контекст освобождаются на любом пути выхода.
func (q *Queue) process(ctx context.Context, job *Job, resume bool) {
	// Отмена могла успеть между выборкой задачи из очереди и стартом воркера;
	// пользователь в этом случае уже уведомлён в Cancel.
	if stored, err := q.store.Get(job.ID); err == nil && stored.Terminal() {
		return
	}

	acc, err := q.claimAccount(job, resume)
	if err != nil {
		q.fail(job, poolErrorText(err))
		return
	}
	defer func() {
		if rErr := q.pool.Release(acc.ID); rErr != nil {
			logger.Error("release account", zap.Uint64("account", acc.ID), zap.Error(rErr))
		}
	}()

	run, err := q.startRun(ctx, job, acc, resume)
	if err != nil {
		if ctx.Err() != nil {
			q.finishInterrupted(job)
			return
		}
		if sora.IsDailyLimit(err) {
			_ = q.pool.MarkDailyExhausted(acc.ID)
		}
		q.fail(job, submitErrorText(err))
		return
	}
	defer run.Close()

	result, err := run.Wait(ctx, func(res sora.Result) { q.reportProgress(job, res) })
	switch {
	case err != nil && ctx.Err() != nil:
		q.finishInterrupted(job)
	case errors.Is(err, sora.ErrAuthExpired):
		q.fail(job, "Сессия аккаунта истекла. Требуется обновить cookies")
	case err != nil:
		q.fail(job, err.Error())
	case result.Status == sora.StatusSucceeded:
		q.succeed(job, result)
	default:
		if result.FailCode == sora.CodeDailyLimit {
			_ = q.pool.MarkDailyExhausted(acc.ID)
		}
		q.fail(job, failureText(result))
	}
}

// claimAccount выдаёт аккаунт под задачу: новый — из пула, возобновляемой —
// её прежний, с повторным занятием слота.
func (q *Queue) claimAccount(job *Job, resume bool) (*accounts.Account, error) {
	if resume {
		acc, err := q.pool.Get(job.AccountID)
		if err != nil {
			return nil, err
		}
		if err := q.pool.Retain(acc.ID); err != nil {
			return nil, err
		}
		return acc, nil
	}
	acc, err := q.pool.Acquire()
	if err != nil {
		return nil, err
	}
	job.AccountID = acc.ID
	if uErr := q.store.Update(job); uErr != nil {
		logger.Error("persist account binding", zap.Uint64("job", job.ID), zap.Error(uErr))
	}
	logger.Info("account acquired",
		zap.Uint64("job", job.ID), zap.Uint64("account", acc.ID))
	return acc, nil
}

// startRun запускает или возобновляет генерацию и фиксирует task_id.
func (q *Queue) startRun(ctx context.Context, job *Job, acc *accounts.Account, resume bool) (Run, error) {
	if resume {
		q.editStatus(job, textResuming)
		return q.launcher.Resume(ctx, acc, job.TaskID)
	}

	q.editStatus(job, textStarting)
	run, taskID, err := q.launcher.Start(ctx, acc, job, func(stage sora.Stage) {
		switch stage {
		case sora.StageAuthorized:
			q.editStatus(job, textAuth)
		case sora.StageUploaded:
			q.editStatus(job, textUploaded)
		case sora.StageQueued:
			q.editStatus(job, textStarting)
		}
	})
	if err != nil {
		return nil, err
	}

	job.TaskID = taskID
	job.LastEvent = "queued"
	if uErr := q.store.Update(job); uErr != nil {
		logger.Error("persist task id", zap.Uint64("job", job.ID), zap.Error(uErr))
	}
	// Суточный счётчик тратится только на принятые бэкендом генерации.
	if mErr := q.pool.MarkCreated(acc.ID); mErr != nil {
		logger.Error("mark daily counter", zap.Uint64("account", acc.ID), zap.Error(mErr))
	}
	logger.Info("generation queued",
		zap.Uint64("job", job.ID), zap.String("task", taskID))
	return run, nil
}

// reportProgress транслирует промежуточный снимок в статусное сообщение.
func (q *Queue) reportProgress(job *Job, res sora.Result) {
	switch res.Phase {
	case sora.PhaseRendering:
		job.Progress = res.Progress
		job.LastEvent = "rendering"
		if uErr := q.store.Update(job); uErr != nil {
			logger.Error("persist progress", zap.Uint64("job", job.ID), zap.Error(uErr))
		}
		pct := int(res.Progress*100 + 0.5)
		q.editStatus(job, fmt.Sprintf("🚀 Видео создаётся. Прогресс: <b>%d%%</b>", pct))
	default:
		q.editStatus(job, textStarting)
	}
}

// finishInterrupted разбирает обрыв контекста: отменённая пользователем
// задача дочищается, остановка процесса оставляет её running для
// возобновления после рестарта.
func (q *Queue) finishInterrupted(job *Job) {
	stored, err := q.store.Get(job.ID)
	if err == nil && stored.Status == StatusCanceled {
		q.deleteStatus(job)
		q.sendHTML(job.ChatID, textCanceled)
		return
	}
	logger.Info("job interrupted by shutdown", zap.Uint64("job", job.ID))
}

// succeed завершает задачу успехом: убирает статусное сообщение и отправляет
// видео; если отправка файлом не удалась — ссылку текстом.
func (q *Queue) succeed(job *Job, res sora.Result) {
	url := res.DownloadURL
	if url == "" {
		url = res.VideoURL
	}
	job.Status = StatusCompleted
	job.Progress = 1
	job.ResultURL = url
	job.Image = nil
	if err := q.store.Update(job); err != nil {
		logger.Error("persist completion", zap.Uint64("job", job.ID), zap.Error(err))
	}
	q.deleteStatus(job)

	if url == "" {
		q.sendHTML(job.ChatID, textDoneNoLink)
		logger.Warn("generation finished without url", zap.Uint64("job", job.ID))
		return
	}
	if err := q.notifier.SendVideoURL(job.ChatID, url, textDone); err != nil {
		logger.Warn("send video failed, falling back to link",
			zap.Uint64("job", job.ID), zap.Error(err))
		q.sendHTML(job.ChatID, textDone+"\n\n"+url)
	}
	logger.Info("generation completed", zap.Uint64("job", job.ID))
}

// fail завершает задачу ошибкой и сообщает её пользователю.
func (q *Queue) fail(job *Job, message string) {
	job.Status = StatusFailed
	job.ErrorText = message
	job.Image = nil
	if err := q.store.Update(job); err != nil {
		logger.Error("persist failure", zap.Uint64("job", job.ID), zap.Error(err))
	}
	q.deleteStatus(job)
	q.sendHTML(job.ChatID, fmt.Sprintf("<b>🚫 Ошибка генерации:</b>\n<pre>%s</pre>", html.EscapeString(message)))
	logger.Warn("generation failed", zap.Uint64("job", job.ID), zap.String("reason", message))
}

// editStatus редактирует статусное сообщение. Недоступное сообщение (удалили
// руками) забывается, чтобы не долбить API.
func (q *Queue) editStatus(job *Job, text string) {
	if job.WaitMessageID == 0 {
		return
	}
	if err := q.notifier.EditStatus(job.ChatID, job.WaitMessageID, text); err != nil {
		job.WaitMessageID = 0
		_ = q.store.Update(job)
	}
}

func (q *Queue) deleteStatus(job *Job) {
	if job.WaitMessageID == 0 {
		return
	}
	_ = q.notifier.DeleteStatus(job.ChatID, job.WaitMessageID)
	job.WaitMessageID = 0
	_ = q.store.Update(job)
}

func (q *Queue) sendHTML(chatID int64, text string) {
	if err := q.notifier.SendHTML(chatID, text); err != nil {
		logger.Warn("send message", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// poolErrorText переводит отказ пула в текст для чата.
func poolErrorText(err error) string {
	switch {
	case errors.Is(err, accounts.ErrAllDailyLimited):
		return "Нет свободных аккаунтов. Попробуйте позже"
	case errors.Is(err, accounts.ErrAllBusy), errors.Is(err, accounts.ErrNoAccounts):
		return "Нет свободных аккаунтов. Подождите пару минут и попробуйте снова"
	default:
		return "Не удалось выбрать аккаунт: " + err.Error()
	}
}

// submitErrorText переводит отказ запуска генерации в текст для чата.
func submitErrorText(err error) string {
	if errors.Is(err, sora.ErrAuthExpired) {
		return "Сессия аккаунта истекла. Требуется обновить cookies"
	}
	var subErr *sora.SubmissionError
	if errors.As(err, &subErr) {
		switch subErr.Code {
		case sora.CodeConcurrencyLimit:
			return "Нет свободных аккаунтов. Подождите пару минут и попробуйте снова"
		case sora.CodeDailyLimit:
			return "Нет свободных аккаунтов. Попробуйте позже"
		case sora.CodeInvalidImage:
			return "Изображение не подходит для генерации. Попробуйте другое фото"
		}
		if subErr.Message != "" {
			return subErr.Message
		}
		return subErr.Code
	}
	return err.Error()
}

// failureText переводит терминальный провал генерации в текст для чата.
func failureText(res sora.Result) string {
	switch res.FailCode {
	case sora.CodeTimeout:
		return "Генерация не успела завершиться за отведённое время"
	case sora.CodeDailyLimit:
		return "Нет свободных аккаунтов. Попробуйте позже"
	case sora.CodeConcurrencyLimit:
		return "Нет свободных аккаунтов. Подождите пару минут и попробуйте снова"
	}
	if res.FailMessage != "" {
		return res.FailMessage
	}
	if res.FailCode != "" {
		return res.FailCode
	}
	return "Неизвестная ошибка генерации"
}
