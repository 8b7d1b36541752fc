package generation_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/domain/generation"
	"github.com/ushan0v/sora-bot/internal/sora"
)

// fakeRun — подставная генерация: сразу отдаёт результат, висит до обрыва
// контекста либо непрерывно шлёт меняющийся прогресс до обрыва.
type fakeRun struct {
	result sora.Result
	block  bool
	spam   bool

	mu     sync.Mutex
	closed int
}

func (r *fakeRun) Wait(ctx context.Context, onProgress func(sora.Result)) (sora.Result, error) {
	if r.spam {
		progress := 0.0
		for {
			select {
			case <-ctx.Done():
				return sora.Result{}, ctx.Err()
			default:
			}
			progress += 0.001
			if onProgress != nil {
				onProgress(sora.Result{Status: sora.StatusPending, Phase: sora.PhaseRendering, Progress: progress})
			}
		}
	}
	if r.block {
		<-ctx.Done()
		return sora.Result{}, ctx.Err()
	}
	if onProgress != nil {
		onProgress(sora.Result{Status: sora.StatusPending, Phase: sora.PhaseRendering, Progress: 0.5})
	}
	return r.result, nil
}

func (r *fakeRun) Close() {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
}

func (r *fakeRun) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeLauncher выдаёт подготовленные fakeRun и считает вызовы.
type fakeLauncher struct {
	mu       sync.Mutex
	run      *fakeRun
	startErr error
	taskID   string
	starts   int
	resumes  int
}

func (l *fakeLauncher) Start(ctx context.Context, acc *accounts.Account, job *generation.Job, onStage func(sora.Stage)) (generation.Run, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if l.startErr != nil {
		return nil, "", l.startErr
	}
	if onStage != nil {
		onStage(sora.StageAuthorized)
		onStage(sora.StageQueued)
	}
	taskID := l.taskID
	if taskID == "" {
		taskID = "task-fake"
	}
	return l.run, taskID, nil
}

func (l *fakeLauncher) Resume(ctx context.Context, acc *accounts.Account, taskID string) (generation.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resumes++
	return l.run, nil
}

func (l *fakeLauncher) counts() (starts, resumes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.resumes
}

// fakeNotifier копит отправленные в чат сообщения.
type fakeNotifier struct {
	mu     sync.Mutex
	htmls  []string
	videos []string
}

func (n *fakeNotifier) EditStatus(chatID int64, messageID int, html string) error { return nil }
func (n *fakeNotifier) DeleteStatus(chatID int64, messageID int) error            { return nil }

func (n *fakeNotifier) SendHTML(chatID int64, html string) error {
	n.mu.Lock()
	n.htmls = append(n.htmls, html)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) SendVideoURL(chatID int64, url, captionHTML string) error {
	n.mu.Lock()
	n.videos = append(n.videos, url)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) lastHTML() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.htmls) == 0 {
		return ""
	}
	return n.htmls[len(n.htmls)-1]
}

func (n *fakeNotifier) videoCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.videos)
}

type queueFixture struct {
	store    *generation.Store
	pool     *accounts.Pool
	launcher *fakeLauncher
	notifier *fakeNotifier
	queue    *generation.Queue
	account  *accounts.Account
}

func newQueueFixture(t *testing.T, launcher *fakeLauncher) *queueFixture {
	t.Helper()
	db := newTestDB(t, generation.BucketJobs, accounts.BucketAccounts, accounts.BucketKeys)
	store := generation.NewStore(db)
	pool := accounts.NewPool(db, 100, 5)
	acc, err := pool.Add(
		[]byte(`[{"name":"oai-did","value":"d","domain":".chatgpt.com","path":"/"}]`), "")
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	notifier := &fakeNotifier{}
	return &queueFixture{
		store:    store,
		pool:     pool,
		launcher: launcher,
		notifier: notifier,
		queue:    generation.NewQueue(store, pool, launcher, notifier, 2),
		account:  acc,
	}
}

// waitUntil поллит условие до таймаута.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("условие не наступило: %s", what)
}

func TestQueue_EnqueueChatBusy(t *testing.T) {
	t.Parallel()

	fx := newQueueFixture(t, &fakeLauncher{run: &fakeRun{block: true}})

	if _, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300}); err != nil {
		t.Fatalf("Enqueue() #1 error = %v", err)
	}
	_, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p2", Frames: 300})
	if !errors.Is(err, generation.ErrChatBusy) {
		t.Fatalf("Enqueue() #2 error = %v, want ErrChatBusy", err)
	}
	// Другой чат не ограничен.
	if _, err := fx.queue.Enqueue(generation.Request{ChatID: 2, Prompt: "p", Frames: 300}); err != nil {
		t.Fatalf("Enqueue() в другой чат: %v", err)
	}
}

func TestQueue_ProcessSuccess(t *testing.T) {
	t.Parallel()

	run := &fakeRun{result: sora.Result{
		Status:      sora.StatusSucceeded,
		VideoURL:    "https://cdn/v.mp4",
		DownloadURL: "https://cdn/v-dl.mp4",
	}}
	fx := newQueueFixture(t, &fakeLauncher{run: run})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.queue.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300, WaitMessageID: 5})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitUntil(t, "задача завершена", func() bool {
		stored, gErr := fx.store.Get(job.ID)
		return gErr == nil && stored.Status == generation.StatusCompleted
	})

	stored, _ := fx.store.Get(job.ID)
	if stored.ResultURL != "https://cdn/v-dl.mp4" {
		t.Errorf("ResultURL = %q, want downloadable_url", stored.ResultURL)
	}
	if stored.TaskID != "task-fake" {
		t.Errorf("TaskID = %q, want task-fake", stored.TaskID)
	}
	if fx.notifier.videoCount() != 1 {
		t.Errorf("видео отправлено %d раз, want 1", fx.notifier.videoCount())
	}

	waitUntil(t, "слот аккаунта освобождён", func() bool {
		acc, gErr := fx.pool.Get(fx.account.ID)
		return gErr == nil && acc.Active == 0
	})
	acc, _ := fx.pool.Get(fx.account.ID)
	if acc.DailyCount != 1 {
		t.Errorf("DailyCount = %d, want 1", acc.DailyCount)
	}
	if run.closeCount() != 1 {
		t.Errorf("Close() вызван %d раз, want ровно 1", run.closeCount())
	}

	// Чат освобождён — новая заявка проходит.
	waitUntil(t, "чат освобождён", func() bool {
		_, busy := fx.queue.ActiveChat(1)
		return !busy
	})
}

func TestQueue_SubmitDailyLimit(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{startErr: &sora.SubmissionError{
		HTTPStatus: 400,
		Code:       sora.CodeDailyLimit,
		Message:    "You've already generated 100 videos in the last day.",
	}}
	fx := newQueueFixture(t, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.queue.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitUntil(t, "задача провалена", func() bool {
		stored, gErr := fx.store.Get(job.ID)
		return gErr == nil && stored.Status == generation.StatusFailed
	})

	if got := fx.notifier.lastHTML(); !strings.Contains(got, "Попробуйте позже") {
		t.Errorf("сообщение = %q, want текст про лимит", got)
	}
	acc, _ := fx.pool.Get(fx.account.ID)
	if acc.DailyCount != 100 {
		t.Errorf("DailyCount = %d, want синхронизацию с серверным отказом", acc.DailyCount)
	}
	waitUntil(t, "слот аккаунта освобождён", func() bool {
		acc, gErr := fx.pool.Get(fx.account.ID)
		return gErr == nil && acc.Active == 0
	})
}

func TestQueue_CancelRunning(t *testing.T) {
	t.Parallel()

	fx := newQueueFixture(t, &fakeLauncher{run: &fakeRun{block: true}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.queue.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitUntil(t, "задача взята воркером", func() bool {
		stored, gErr := fx.store.Get(job.ID)
		return gErr == nil && stored.Status == generation.StatusRunning && stored.TaskID != ""
	})

	if err := fx.queue.Cancel(1); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitUntil(t, "пользователь уведомлён об отмене", func() bool {
		return strings.Contains(fx.notifier.lastHTML(), "Генерация отменена")
	})

	stored, _ := fx.store.Get(job.ID)
	if stored.Status != generation.StatusCanceled {
		t.Errorf("Status = %v, want canceled", stored.Status)
	}
	waitUntil(t, "чат освобождён", func() bool {
		_, busy := fx.queue.ActiveChat(1)
		return !busy
	})
	if err := fx.queue.Cancel(1); !errors.Is(err, generation.ErrNoActiveJob) {
		t.Errorf("повторный Cancel() = %v, want ErrNoActiveJob", err)
	}
}

func TestQueue_CancelSurvivesProgressWrites(t *testing.T) {
	t.Parallel()

	// Воркер пишет прогресс в базу непрерывно: отмена не должна проигрываться
	// его запоздавшей записи со старым статусом running.
	fx := newQueueFixture(t, &fakeLauncher{run: &fakeRun{spam: true}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.queue.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitUntil(t, "воркер начал писать прогресс", func() bool {
		stored, gErr := fx.store.Get(job.ID)
		return gErr == nil && stored.Status == generation.StatusRunning && stored.Progress > 0
	})

	if err := fx.queue.Cancel(1); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitUntil(t, "пользователь уведомлён об отмене", func() bool {
		return strings.Contains(fx.notifier.lastHTML(), "Генерация отменена")
	})
	waitUntil(t, "чат освобождён", func() bool {
		_, busy := fx.queue.ActiveChat(1)
		return !busy
	})

	// Воркер завершился — статус в базе обязан остаться терминальным, иначе
	// задача «воскреснет» при следующем рестарте.
	stored, err := fx.store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != generation.StatusCanceled {
		t.Errorf("Status = %v, want canceled", stored.Status)
	}
}

func TestQueue_EnqueueBusyFromStore(t *testing.T) {
	t.Parallel()

	// Активная задача лежит в базе, но карта чатов о ней не знает (так бывает
	// в окне между рестартом и восстановлением очереди).
	fx := newQueueFixture(t, &fakeLauncher{run: &fakeRun{}})

	persisted, err := fx.store.Enqueue(generation.Request{ChatID: 7, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("store.Enqueue() error = %v", err)
	}

	_, err = fx.queue.Enqueue(generation.Request{ChatID: 7, Prompt: "p2", Frames: 300})
	if !errors.Is(err, generation.ErrChatBusy) {
		t.Fatalf("Enqueue() error = %v, want ErrChatBusy", err)
	}

	// После завершения записанной задачи резерв чата не мешает новой заявке.
	persisted.Status = generation.StatusCompleted
	if err := fx.store.Update(persisted); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := fx.queue.Enqueue(generation.Request{ChatID: 7, Prompt: "p3", Frames: 300}); err != nil {
		t.Fatalf("Enqueue() после завершения: %v", err)
	}
}

func TestQueue_CancelQueued(t *testing.T) {
	t.Parallel()

	// Очередь не запущена: задача остаётся queued и снимается без воркера.
	fx := newQueueFixture(t, &fakeLauncher{run: &fakeRun{}})

	job, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := fx.queue.Cancel(1); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	stored, _ := fx.store.Get(job.ID)
	if stored.Status != generation.StatusCanceled {
		t.Errorf("Status = %v, want canceled", stored.Status)
	}
	if !strings.Contains(fx.notifier.lastHTML(), "Генерация отменена") {
		t.Errorf("сообщение = %q", fx.notifier.lastHTML())
	}
	if _, busy := fx.queue.ActiveChat(1); busy {
		t.Error("чат не освобождён после отмены queued-задачи")
	}
}

func TestQueue_ShutdownKeepsRunning(t *testing.T) {
	t.Parallel()

	fx := newQueueFixture(t, &fakeLauncher{run: &fakeRun{block: true}})

	ctx, cancel := context.WithCancel(context.Background())
	if err := fx.queue.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job, err := fx.queue.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitUntil(t, "задача принята бэкендом", func() bool {
		stored, gErr := fx.store.Get(job.ID)
		return gErr == nil && stored.Status == generation.StatusRunning && stored.TaskID != ""
	})

	cancel()
	fx.queue.Wait()

	// Остановка процесса не хоронит задачу: её возобновит следующий запуск.
	stored, _ := fx.store.Get(job.ID)
	if stored.Status != generation.StatusRunning {
		t.Errorf("Status = %v, want running для возобновления", stored.Status)
	}
	if strings.Contains(fx.notifier.lastHTML(), "Генерация отменена") {
		t.Error("остановка процесса не должна выглядеть как отмена пользователем")
	}
}

func TestQueue_StartRecovery(t *testing.T) {
	t.Parallel()

	run := &fakeRun{result: sora.Result{Status: sora.StatusSucceeded, VideoURL: "https://cdn/v.mp4"}}
	launcher := &fakeLauncher{run: run}
	fx := newQueueFixture(t, launcher)

	// Задача, принятая бэкендом до рестарта: есть task_id и аккаунт.
	resumable, err := fx.store.Enqueue(generation.Request{ChatID: 1, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	resumable.Status = generation.StatusRunning
	resumable.TaskID = "task-before-restart"
	resumable.AccountID = fx.account.ID
	if err := fx.store.Update(resumable); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Задача, не успевшая дойти до бэкенда: running без task_id.
	orphan, err := fx.store.Enqueue(generation.Request{ChatID: 2, Prompt: "p", Frames: 300})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	orphan.Status = generation.StatusRunning
	if err := fx.store.Update(orphan); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.queue.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitUntil(t, "обе задачи завершены", func() bool {
		a, aErr := fx.store.Get(resumable.ID)
		b, bErr := fx.store.Get(orphan.ID)
		return aErr == nil && bErr == nil &&
			a.Status == generation.StatusCompleted && b.Status == generation.StatusCompleted
	})

	starts, resumes := launcher.counts()
	if resumes != 1 {
		t.Errorf("Resume вызван %d раз, want 1", resumes)
	}
	if starts != 1 {
		t.Errorf("Start вызван %d раз, want 1 (осиротевшая задача перезапущена)", starts)
	}
}
