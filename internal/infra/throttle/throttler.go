// Package throttle — общий механизм ограничения скорости и повторных попыток
// для внешних интеграций (Bot API). В основе — токен-бакет (RPS + burst) и
// экспоненциальный backoff с джиттером. Серверные указания подождать
// (retry_after) передаются через настраиваемые WaitExtractor. Ошибки,
// реализующие StopRetryer, немедленно прекращают ретраи. Троттлер
// потокобезопасен: Do может вызываться параллельно; Start/Stop идемпотентны.

package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate: способность
// кратковременно «впрыснуть» до 2*rate операций в секунду.
const burstMultiplier = 2

// Параметры экспоненциального бэкофа.
const (
	baseBackoff  = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
	jitterFactor = 0.25
)

// WaitExtractor анализирует ошибку и, при необходимости, возвращает
// длительность ожидания. Булев флаг показывает, что экстрактор распознал
// формат ошибки; первый совпавший определяет паузу перед повтором.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает количество повторных попыток. Значение <=0
// означает отсутствие ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость токен-бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors регистрирует набор экстракторов серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		t.waitExtractors = append(t.waitExtractors, cloned...)
	}
}

// WithRandom задаёт функцию генерации случайных чисел (для детерминированных тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// ErrNotStarted возвращается, если вызов Do произошёл до запуска Start.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler инкапсулирует токен-бакет (RPS + burst) и стратегию повторных
// попыток с экспоненциальным бэкофом и поддержкой серверных задержек.
type Throttler struct {
	rate  int // пополнение токенов в секунду
	burst int // ёмкость бакета

	tokens chan struct{} // буферизированный канал-«бакет»

	waitExtractors []WaitExtractor
	maxRetries     int // лимит ретраев; -1 — без ограничений

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	randomFn func() float64
}

// New создаёт троттлер с частотой rate (операций/сек). По умолчанию
// burst = 2*rate с нижней границей 1. Start вызывается отдельно.
func New(rate int, opts ...Option) *Throttler {
	if rate <= 0 {
		rate = 1
	}

	t := &Throttler{
		rate:       rate,
		burst:      rate * burstMultiplier,
		maxRetries: -1,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.burst < 1 {
		t.burst = max(rate*burstMultiplier, 1)
	}
	if t.randomFn == nil {
		t.randomFn = rand.Float64
	}

	return t
}

// Start инициализирует канал токенов, предзаполняет бакет и запускает
// пополнение. Идемпотентен; при ctx=nil используется context.Background().
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.startOnce.Do(func() {
		t.mu.Lock()
		t.rootCtx, t.cancel = context.WithCancel(ctx)
		t.tokens = make(chan struct{}, t.burst)
		t.mu.Unlock()
		for i := 0; i < t.burst; i++ {
			t.tokens <- struct{}{}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.refillLoop()
		}()
	})
}

// Stop останавливает пополнение и завершает фоновые горутины. Идемпотентен.
func (t *Throttler) Stop() {
	if t.rootContext() == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
}

// Do выполняет fn с лимитами токен-бакета и ретраями.
// Алгоритм:
//  1. ждём токен (с уважением к ctx и Stop);
//  2. вызываем fn;
//  3. если err: StopRetryer → вернуть сразу; контекст сорван → вернуть;
//     extractor дал паузу → подождать и повторить без роста attempt;
//     иначе экспоненциальный backoff с джиттером до лимита ретраев.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.rootContext()
	if root == nil {
		return ErrNotStarted
	}
	maxRetries := t.maxRetries

	attempt := 0
	for {
		if err := t.takeToken(ctx, root); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			// Сервер велел подождать — ждём и повторяем без роста attempt.
			if wErr := t.wait(ctx, root, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, callErr)
		}

		sleep := t.expBackoff(attempt)
		attempt++
		if wErr := t.wait(ctx, root, sleep); wErr != nil {
			return wErr
		}
	}
}

// rootContext возвращает корневой контекст троттлера под мьютексом.
func (t *Throttler) rootContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx
}

// takeToken блокируется до получения токена либо до отмены одного из контекстов.
func (t *Throttler) takeToken(ctx, root context.Context) error {
	select {
	case <-t.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-root.Done():
		return root.Err()
	}
}

// refillLoop пополняет бакет по одному токену с фиксированным интервалом 1/rate.
func (t *Throttler) refillLoop() {
	interval := time.Second / time.Duration(t.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.rootCtx.Done():
			return
		case <-ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
				// Бакет полон — токен сгорает.
			}
		}
	}
}

// extractWait прогоняет ошибку через цепочку экстракторов.
func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extract := range t.waitExtractors {
		if d, ok := extract(err); ok && d > 0 {
			return d, true
		}
	}
	return 0, false
}

// expBackoff вычисляет задержку attempt-й попытки: base*2^attempt с джиттером,
// ограничено maxBackoff.
func (t *Throttler) expBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := 1 + jitterFactor*(2*t.randomFn()-1)
	return time.Duration(backoff * jitter)
}

// wait спит d с уважением к обоим контекстам.
func (t *Throttler) wait(ctx, root context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-root.Done():
		return root.Err()
	}
}
