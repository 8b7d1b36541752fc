package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/infra/storage"
)

func TestHandleExport(t *testing.T) {
	t.Parallel()

	db, err := storage.Open(filepath.Join(t.TempDir(), "bot.bbolt"), accounts.BucketAccounts, accounts.BucketKeys)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pool := accounts.NewPool(db, 100, 5)
	cookies := []byte(`[{"name":"oai-did","value":"d","domain":".chatgpt.com","path":"/"}]`)
	acc, err := pool.Add(cookies, "")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	svc := NewService(pool, nil, nil)
	dest := filepath.Join(t.TempDir(), "export", "cookies.json")
	svc.handleExport([]string{strconv.FormatUint(acc.ID, 10), dest})

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("читаем выгрузку: %v", err)
	}
	if !bytes.Equal(data, cookies) {
		t.Errorf("содержимое = %s, want исходные cookies", data)
	}

	// Несуществующий аккаунт файла не оставляет.
	missing := filepath.Join(t.TempDir(), "missing.json")
	svc.handleExport([]string{"999", missing})
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Errorf("файл для несуществующего аккаунта: err = %v", err)
	}
}
