// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит Deduplicator — потокобезопасный кэш «недавно видели»,
// который подавляет повторную обработку апдейтов в пределах заданного окна
// времени. Telegram переотправляет апдейты, не подтверждённые сдвигом offset
// (например, после рестарта long poll), и без подавления бот запускал бы
// обработчики по второму разу.

package concurrency

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ushan0v/sora-bot/internal/infra/logger"
)

// Deduplicator хранит идентификаторы недавно обработанных апдейтов и решает,
// считать ли очередной апдейт повтором в рамках заданного окна. Структура
// потокобезопасна.
type Deduplicator struct {
	mu     sync.Mutex           // защищает карту seen от параллельных горутин
	seen   map[string]time.Time // update_id -> expireAt
	window time.Duration        // окно, в пределах которого апдейт считается повтором

	runMu  sync.Mutex         // защищает старт/остановку фоновой очистки
	cancel context.CancelFunc // завершает цикл очистки, если он был запущен
	wg     sync.WaitGroup     // дожидается завершения фоновой горутины
}

// NewDeduplicator создаёт кэш подавления повторов с окном windowSec секунд.
// Окно должно покрывать максимальную длительность одного цикла long poll.
func NewDeduplicator(windowSec int) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: time.Duration(windowSec) * time.Second,
	}
}

// Start поднимает фоновую горутину очистки устаревших ключей. Повторные вызовы
// безопасны и игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Раз в минуту вычищаем просроченные записи, чтобы карта не росла.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	}()
}

// Stop завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// Seen сообщает, обрабатывался ли уже апдейт с данным update_id в пределах
// окна. Возвращает true для повтора, иначе регистрирует апдейт и возвращает
// false.
func (d *Deduplicator) Seen(updateID int64) bool {
	key := strconv.FormatInt(updateID, 10)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debugf("duplicate update suppressed: %s", key)
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет из карты все записи с истёкшим сроком. Потокобезопасен и
// может вызываться как фоново (через Start), так и синхронно.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
