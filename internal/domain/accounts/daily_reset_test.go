package accounts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ushan0v/sora-bot/internal/infra/storage"
)

// Смена суток UTC сбрасывает счётчик на месте при следующем Acquire.
func TestAcquire_ResetsStaleDailyCounter(t *testing.T) {
	t.Parallel()

	db, err := storage.Open(filepath.Join(t.TempDir(), "pool.bbolt"), BucketAccounts, BucketKeys)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	current := time.Date(2026, 8, 27, 23, 50, 0, 0, time.UTC)
	pool := NewPool(db, 1, 5)
	pool.now = func() time.Time { return current }

	acc, err := pool.Add([]byte(`[{"name":"oai-did","value":"d","domain":".chatgpt.com","path":"/"}]`), "")
	if err != nil {
		t.Fatalf("Add(): %v", err)
	}
	if err := pool.MarkCreated(acc.ID); err != nil {
		t.Fatalf("MarkCreated(): %v", err)
	}
	if _, err := pool.Acquire(); err != ErrAllDailyLimited {
		t.Fatalf("Acquire() до полуночи: %v, want ErrAllDailyLimited", err)
	}

	current = current.Add(time.Hour) // следующие сутки UTC

	got, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() после полуночи: %v", err)
	}
	if got.DailyCount != 0 {
		t.Errorf("DailyCount = %d, want 0 после сброса", got.DailyCount)
	}
	if got.DailyDate != "2026-08-28" {
		t.Errorf("DailyDate = %q, want 2026-08-28", got.DailyDate)
	}

	snap, err := pool.Get(acc.ID)
	if err != nil {
		t.Fatalf("Get(): %v", err)
	}
	if snap.Active != 1 {
		t.Errorf("Active = %d, want 1", snap.Active)
	}
	if snap.DailyDate != "2026-08-28" || snap.DailyCount != 0 {
		t.Errorf("персист не обновлён: %+v", snap)
	}
}
