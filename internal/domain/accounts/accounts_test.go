package accounts_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/go-faster/errors"

	"github.com/ushan0v/sora-bot/internal/domain/accounts"
	"github.com/ushan0v/sora-bot/internal/infra/storage"
	"github.com/ushan0v/sora-bot/internal/sora"
)

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	raw, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

func cookiesFixture(sessionValue string) []byte {
	return []byte(`[
		{"name":"__Secure-next-auth.session-token","value":"` + sessionValue + `","domain":".chatgpt.com","path":"/"},
		{"name":"oai-did","value":"dev-1","domain":".chatgpt.com","path":"/"}
	]`)
}

func newTestPool(t *testing.T, dailyLimit, concurrency int) *accounts.Pool {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "pool.bbolt"),
		accounts.BucketAccounts, accounts.BucketKeys)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return accounts.NewPool(db, dailyLimit, concurrency)
}

func TestAccountKey(t *testing.T) {
	t.Parallel()

	cookies, err := sora.ParseCookies(cookiesFixture("s1"))
	if err != nil {
		t.Fatalf("parse cookies: %v", err)
	}

	t.Run("email предпочтительнее sub", func(t *testing.T) {
		t.Parallel()
		token := makeJWT(t, map[string]any{"email": "Donor@Example.com", "sub": "user-1"})
		key, err := accounts.AccountKey(token, cookies)
		if err != nil {
			t.Fatalf("AccountKey() error = %v", err)
		}
		if key != "email:donor@example.com" {
			t.Errorf("key = %q, want email:donor@example.com", key)
		}
	})

	t.Run("sub без email", func(t *testing.T) {
		t.Parallel()
		token := makeJWT(t, map[string]any{"sub": "user-1"})
		key, err := accounts.AccountKey(token, cookies)
		if err != nil {
			t.Fatalf("AccountKey() error = %v", err)
		}
		if key != "sub:user-1" {
			t.Errorf("key = %q, want sub:user-1", key)
		}
	})

	t.Run("хэш cookies без токена", func(t *testing.T) {
		t.Parallel()
		key1, err := accounts.AccountKey("", cookies)
		if err != nil {
			t.Fatalf("AccountKey() error = %v", err)
		}
		// Тот же набор в другом порядке и с другими метаданными — тот же ключ.
		reordered := []sora.Cookie{cookies[1], cookies[0]}
		reordered[0].ExpirationDate = 999
		key2, err := accounts.AccountKey("", reordered)
		if err != nil {
			t.Fatalf("AccountKey() error = %v", err)
		}
		if key1 != key2 {
			t.Errorf("ключ зависит от порядка cookies: %q != %q", key1, key2)
		}
		otherCookies, _ := sora.ParseCookies(cookiesFixture("s2"))
		key3, _ := accounts.AccountKey("", otherCookies)
		if key1 == key3 {
			t.Error("разные значения cookies дали одинаковый ключ")
		}
	})
}

func TestCanonicalizeCookies(t *testing.T) {
	t.Parallel()

	a := []sora.Cookie{
		{Name: "b", Value: "2", Domain: ".chatgpt.com", Path: "/"},
		{Name: "a", Value: "1", Domain: "CHATGPT.com", Path: "/"},
	}
	b := []sora.Cookie{
		{Name: "a", Value: "1", Domain: "chatgpt.com", Path: "/"},
		{Name: "b", Value: "2", Domain: "chatgpt.com", Path: "/", ExpirationDate: 1},
	}
	ca, err := accounts.CanonicalizeCookies(a)
	if err != nil {
		t.Fatalf("CanonicalizeCookies() error = %v", err)
	}
	cb, err := accounts.CanonicalizeCookies(b)
	if err != nil {
		t.Fatalf("CanonicalizeCookies() error = %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("канон нестабилен:\n%s\n%s", ca, cb)
	}
}

func TestPool_AddDuplicate(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 0, 0)
	token := makeJWT(t, map[string]any{"email": "donor@example.com"})

	first, err := pool.Add(cookiesFixture("s1"), token)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if first.ID == 0 {
		t.Error("Add() вернул нулевой id")
	}

	// Перевыпущенные cookies того же владельца — дубликат по email.
	_, err = pool.Add(cookiesFixture("s2"), token)
	var dup *accounts.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("Add() error = %v, want *DuplicateError", err)
	}
	if dup.ExistingID != first.ID {
		t.Errorf("ExistingID = %d, want %d", dup.ExistingID, first.ID)
	}

	other := makeJWT(t, map[string]any{"email": "other@example.com"})
	if _, err := pool.Add(cookiesFixture("s3"), other); err != nil {
		t.Fatalf("Add() другого владельца: %v", err)
	}
	if n, _ := pool.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestPool_AcquireEmpty(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 0, 0)
	if _, err := pool.Acquire(); !errors.Is(err, accounts.ErrNoAccounts) {
		t.Fatalf("Acquire() error = %v, want ErrNoAccounts", err)
	}
}

func TestPool_AcquireLeastLoaded(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 100, 5)
	a, err := pool.Add(cookiesFixture("s1"), makeJWT(t, map[string]any{"email": "a@x"}))
	if err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	b, err := pool.Add(cookiesFixture("s2"), makeJWT(t, map[string]any{"email": "b@x"}))
	if err != nil {
		t.Fatalf("Add(b): %v", err)
	}

	got1, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() #1: %v", err)
	}
	got2, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() #2: %v", err)
	}
	// Второй Acquire обязан уйти на свободный аккаунт.
	if got1.ID == got2.ID {
		t.Fatalf("оба Acquire выдали один аккаунт %d", got1.ID)
	}
	seen := map[uint64]bool{got1.ID: true, got2.ID: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Errorf("выданы %v, want оба из {%d,%d}", seen, a.ID, b.ID)
	}

	// При равной занятости тай-брейк по суточному счётчику.
	if err := pool.Release(a.ID); err != nil {
		t.Fatalf("Release(a): %v", err)
	}
	if err := pool.Release(b.ID); err != nil {
		t.Fatalf("Release(b): %v", err)
	}
	if err := pool.MarkCreated(a.ID); err != nil {
		t.Fatalf("MarkCreated(a): %v", err)
	}
	got3, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() #3: %v", err)
	}
	if got3.ID != b.ID {
		t.Errorf("Acquire() = %d, want менее потраченный %d", got3.ID, b.ID)
	}
}

func TestPool_AllBusy(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 100, 1)
	if _, err := pool.Add(cookiesFixture("s1"), makeJWT(t, map[string]any{"email": "a@x"})); err != nil {
		t.Fatalf("Add(): %v", err)
	}
	if _, err := pool.Acquire(); err != nil {
		t.Fatalf("Acquire() #1: %v", err)
	}
	if _, err := pool.Acquire(); !errors.Is(err, accounts.ErrAllBusy) {
		t.Fatalf("Acquire() #2 error = %v, want ErrAllBusy", err)
	}
}

func TestPool_AllDailyLimited(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1, 5)
	acc, err := pool.Add(cookiesFixture("s1"), makeJWT(t, map[string]any{"email": "a@x"}))
	if err != nil {
		t.Fatalf("Add(): %v", err)
	}
	if err := pool.MarkCreated(acc.ID); err != nil {
		t.Fatalf("MarkCreated(): %v", err)
	}
	if _, err := pool.Acquire(); !errors.Is(err, accounts.ErrAllDailyLimited) {
		t.Fatalf("Acquire() error = %v, want ErrAllDailyLimited", err)
	}
}

func TestPool_MarkDailyExhausted(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 100, 5)
	acc, err := pool.Add(cookiesFixture("s1"), makeJWT(t, map[string]any{"email": "a@x"}))
	if err != nil {
		t.Fatalf("Add(): %v", err)
	}
	if err := pool.MarkDailyExhausted(acc.ID); err != nil {
		t.Fatalf("MarkDailyExhausted(): %v", err)
	}
	if _, err := pool.Acquire(); !errors.Is(err, accounts.ErrAllDailyLimited) {
		t.Fatalf("Acquire() error = %v, want ErrAllDailyLimited", err)
	}
}

func TestPool_ReleaseRetainReset(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 100, 5)
	acc, err := pool.Add(cookiesFixture("s1"), makeJWT(t, map[string]any{"email": "a@x"}))
	if err != nil {
		t.Fatalf("Add(): %v", err)
	}

	if _, err := pool.Acquire(); err != nil {
		t.Fatalf("Acquire(): %v", err)
	}
	if err := pool.Retain(acc.ID); err != nil {
		t.Fatalf("Retain(): %v", err)
	}
	snap, err := pool.Get(acc.ID)
	if err != nil {
		t.Fatalf("Get(): %v", err)
	}
	if snap.Active != 2 {
		t.Errorf("Active = %d, want 2", snap.Active)
	}

	if err := pool.Release(acc.ID); err != nil {
		t.Fatalf("Release(): %v", err)
	}
	snap, _ = pool.Get(acc.ID)
	if snap.Active != 1 {
		t.Errorf("Active после Release = %d, want 1", snap.Active)
	}

	// Повторный Release не уводит счётчик в минус.
	_ = pool.Release(acc.ID)
	_ = pool.Release(acc.ID)
	snap, _ = pool.Get(acc.ID)
	if snap.Active != 0 {
		t.Errorf("Active = %d, want 0", snap.Active)
	}

	if err := pool.Retain(acc.ID); err != nil {
		t.Fatalf("Retain(): %v", err)
	}
	if err := pool.ResetActive(); err != nil {
		t.Fatalf("ResetActive(): %v", err)
	}
	snap, _ = pool.Get(acc.ID)
	if snap.Active != 0 {
		t.Errorf("Active после ResetActive = %d, want 0", snap.Active)
	}
}
