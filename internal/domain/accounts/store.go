package accounts

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"github.com/ushan0v/sora-bot/internal/sora"
)

// Бакеты пула в общей bbolt-базе.
const (
	BucketAccounts = "accounts"     // id (BE uint64) -> Account JSON
	BucketKeys     = "account_keys" // ключ дедупликации -> id
)

// Ошибки выдачи аккаунта. Очередь переводит их в пользовательские тексты.
var (
	// ErrNoAccounts — пул пуст.
	ErrNoAccounts = errors.New("account pool is empty")
	// ErrAllBusy — на всех аккаунтах исчерпаны слоты одновременных генераций.
	ErrAllBusy = errors.New("no free generation slots")
	// ErrAllDailyLimited — все аккаунты выбрали суточный лимит.
	ErrAllDailyLimited = errors.New("all accounts hit daily limit")
)

// Pool — пул аккаунтов поверх bbolt. Вся арифметика счётчиков выполняется
// внутри Update-транзакций, поэтому Acquire/Release атомарны без внешних замков.
type Pool struct {
	db          *bbolt.DB
	dailyLimit  int
	concurrency int
	now         func() time.Time
}

// NewPool создаёт пул над уже открытой базой. Нулевые лимиты заменяются
// дефолтами бэкенда.
func NewPool(db *bbolt.DB, dailyLimit, concurrency int) *Pool {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{db: db, dailyLimit: dailyLimit, concurrency: concurrency, now: time.Now}
}

// Add кладёт аккаунт в пул. Ключ дедупликации выводится из accessToken и
// cookies; повторное добавление того же владельца возвращает DuplicateError.
func (p *Pool) Add(cookiesJSON []byte, accessToken string) (*Account, error) {
	cookies, err := sora.ParseCookies(cookiesJSON)
	if err != nil {
		return nil, err
	}
	key, err := AccountKey(accessToken, cookies)
	if err != nil {
		return nil, err
	}

	acc := &Account{
		Key:         key,
		CookiesJSON: cookiesJSON,
		CreatedAt:   p.now().UTC(),
		DailyDate:   utcDay(p.now()),
	}
	err = p.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket([]byte(BucketKeys))
		if existing := keys.Get([]byte(key)); existing != nil {
			return &DuplicateError{Key: key, ExistingID: binary.BigEndian.Uint64(existing)}
		}
		accounts := tx.Bucket([]byte(BucketAccounts))
		id, sErr := accounts.NextSequence()
		if sErr != nil {
			return errors.Wrap(sErr, "next account id")
		}
		acc.ID = id
		data, mErr := json.Marshal(acc)
		if mErr != nil {
			return errors.Wrap(mErr, "encode account")
		}
		if pErr := accounts.Put(itob(id), data); pErr != nil {
			return errors.Wrap(pErr, "store account")
		}
		if pErr := keys.Put([]byte(key), itob(id)); pErr != nil {
			return errors.Wrap(pErr, "store account key")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Acquire атомарно выбирает наименее загруженный пригодный аккаунт и занимает
// на нём слот. Пригодность: активных генераций меньше лимита одновременности
// и суточный счётчик не выбран. Счётчики прошлых суток сбрасываются на месте.
func (p *Pool) Acquire() (*Account, error) {
	var picked *Account
	today := utcDay(p.now())

	err := p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketAccounts))
		total, dailyOut := 0, 0

		// Put во время обхода курсором инвалидирует курсор, поэтому сбросы
		// суточных счётчиков копятся и пишутся после итерации (та же транзакция).
		var best *Account
		var resets []Account
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var acc Account
			if json.Unmarshal(v, &acc) != nil {
				continue
			}
			total++
			if acc.DailyDate != today {
				acc.DailyDate = today
				acc.DailyCount = 0
				resets = append(resets, acc)
			}
			if acc.DailyCount >= p.dailyLimit {
				dailyOut++
				continue
			}
			if acc.Active >= p.concurrency {
				continue
			}
			if best == nil || acc.Active < best.Active ||
				(acc.Active == best.Active && acc.DailyCount < best.DailyCount) {
				cp := acc
				best = &cp
			}
		}

		for i := range resets {
			data, mErr := json.Marshal(&resets[i])
			if mErr != nil {
				return errors.Wrap(mErr, "encode account")
			}
			if pErr := bucket.Put(itob(resets[i].ID), data); pErr != nil {
				return errors.Wrap(pErr, "store account")
			}
		}

		switch {
		case total == 0:
			return ErrNoAccounts
		case best == nil && dailyOut == total:
			return ErrAllDailyLimited
		case best == nil:
			return ErrAllBusy
		}

		best.Active++
		data, mErr := json.Marshal(best)
		if mErr != nil {
			return errors.Wrap(mErr, "encode account")
		}
		if pErr := bucket.Put(itob(best.ID), data); pErr != nil {
			return errors.Wrap(pErr, "store account")
		}
		picked = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// Retain занимает слот на конкретном аккаунте в обход выбора. Используется
// при возобновлении генераций после рестарта: задача уже держит серверный
// слот этого аккаунта, локальный счётчик должен это отразить.
func (p *Pool) Retain(id uint64) error {
	return p.mutate(id, func(acc *Account) {
		acc.Active++
	})
}

// Release освобождает слот генерации. Вызывается на каждом пути завершения,
// включая ошибки до и после постановки в очередь.
func (p *Pool) Release(id uint64) error {
	return p.mutate(id, func(acc *Account) {
		if acc.Active > 0 {
			acc.Active--
		}
	})
}

// MarkCreated инкрементирует суточный счётчик. Вызывается только после того,
// как бэкенд принял генерацию: отклонённые попытки суток не тратят.
func (p *Pool) MarkCreated(id uint64) error {
	today := utcDay(p.now())
	return p.mutate(id, func(acc *Account) {
		if acc.DailyDate != today {
			acc.DailyDate = today
			acc.DailyCount = 0
		}
		acc.DailyCount++
	})
}

// MarkDailyExhausted синхронизирует счётчик с серверным отказом daily_limit:
// локальная оценка могла отстать, бэкенду виднее.
func (p *Pool) MarkDailyExhausted(id uint64) error {
	today := utcDay(p.now())
	return p.mutate(id, func(acc *Account) {
		acc.DailyDate = today
		acc.DailyCount = p.dailyLimit
	})
}

// Get возвращает снимок аккаунта по id.
func (p *Pool) Get(id uint64) (*Account, error) {
	var acc *Account
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(BucketAccounts)).Get(itob(id))
		if data == nil {
			return errors.Errorf("account %d not found", id)
		}
		var a Account
		if uErr := json.Unmarshal(data, &a); uErr != nil {
			return errors.Wrap(uErr, "decode account")
		}
		acc = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// List возвращает снимки всех аккаунтов в порядке добавления.
func (p *Pool) List() ([]Account, error) {
	var out []Account
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketAccounts)).ForEach(func(_, v []byte) error {
			var acc Account
			if uErr := json.Unmarshal(v, &acc); uErr != nil {
				return errors.Wrap(uErr, "decode account")
			}
			out = append(out, acc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count возвращает размер пула.
func (p *Pool) Count() (int, error) {
	n := 0
	err := p.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(BucketAccounts)).Stats().KeyN
		return nil
	})
	return n, err
}

// ResetActive обнуляет счётчики активных генераций. Вызывается при старте
// процесса: после рестарта незавершённые слоты прошлой жизни недействительны,
// реальные возобновляемые задачи займут их заново.
func (p *Pool) ResetActive() error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketAccounts))
		var dirty []Account
		err := bucket.ForEach(func(_, v []byte) error {
			var acc Account
			if json.Unmarshal(v, &acc) != nil || acc.Active == 0 {
				return nil
			}
			acc.Active = 0
			dirty = append(dirty, acc)
			return nil
		})
		if err != nil {
			return err
		}
		for i := range dirty {
			data, mErr := json.Marshal(&dirty[i])
			if mErr != nil {
				return errors.Wrap(mErr, "encode account")
			}
			if pErr := bucket.Put(itob(dirty[i].ID), data); pErr != nil {
				return errors.Wrap(pErr, "store account")
			}
		}
		return nil
	})
}

// mutate применяет fn к аккаунту внутри Update-транзакции.
func (p *Pool) mutate(id uint64, fn func(*Account)) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketAccounts))
		data := bucket.Get(itob(id))
		if data == nil {
			return errors.Errorf("account %d not found", id)
		}
		var acc Account
		if uErr := json.Unmarshal(data, &acc); uErr != nil {
			return errors.Wrap(uErr, "decode account")
		}
		fn(&acc)
		updated, mErr := json.Marshal(&acc)
		if mErr != nil {
			return errors.Wrap(mErr, "encode account")
		}
		return bucket.Put(itob(id), updated)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
