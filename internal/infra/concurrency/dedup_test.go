package concurrency_test

import (
	"testing"
	"time"

	"github.com/ushan0v/sora-bot/internal/infra/concurrency"
)

func TestDeduplicator_Seen(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(60)
	if d.Seen(100) {
		t.Error("первый апдейт не должен считаться повтором")
	}
	if !d.Seen(100) {
		t.Error("повторный апдейт должен подавляться")
	}
	if d.Seen(101) {
		t.Error("другой update_id не должен подавляться")
	}
}

func TestDeduplicator_WindowExpiry(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(0) // нулевое окно: запись устаревает мгновенно
	if d.Seen(1) {
		t.Error("первый апдейт не должен считаться повтором")
	}
	time.Sleep(time.Millisecond)
	d.Cleanup()
	if d.Seen(1) {
		t.Error("после истечения окна апдейт должен проходить снова")
	}
}
