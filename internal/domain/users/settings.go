// Package users хранит пользовательские настройки генерации: ориентацию,
// длительность и качество. Настройки применяются в момент постановки задачи
// в очередь и дальше едут внутри самой задачи.
package users

import (
	"encoding/binary"
	"encoding/json"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// BucketSettings — бакет настроек: user_id (BE uint64) -> Settings JSON.
const BucketSettings = "user_settings"

// fps рендера Sora: длительность в секундах задаётся количеством кадров.
const framesPerSecond = 30

// Допустимые длительности ролика.
var allowedDurations = map[int]bool{5: true, 10: true, 15: true}

// Settings — настройки одного пользователя.
type Settings struct {
	// Vertical — портретная ориентация (дефолт бота).
	Vertical bool `json:"vertical"`
	// DurationSec — длительность ролика: 5, 10 или 15 секунд.
	DurationSec int `json:"duration_sec"`
	// Size — пресет качества: small (720p) или large (1080p).
	Size string `json:"size"`
}

// DefaultSettings — значения для нового пользователя.
func DefaultSettings() Settings {
	return Settings{Vertical: true, DurationSec: 10, Size: "large"}
}

// Frames переводит длительность в число кадров для payload генерации.
func (s Settings) Frames() int {
	return s.DurationSec * framesPerSecond
}

// Orientation возвращает ориентацию в терминах бэкенда.
func (s Settings) Orientation() string {
	if s.Vertical {
		return "portrait"
	}
	return "landscape"
}

// Store — настройки поверх bbolt.
type Store struct {
	db *bbolt.DB
}

func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// Get возвращает настройки пользователя, при отсутствии — дефолтные
// (без записи: запись происходит при первом изменении).
func (s *Store) Get(userID int64) (Settings, error) {
	out := DefaultSettings()
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(BucketSettings)).Get(itob(userID))
		if data == nil {
			return nil
		}
		if uErr := json.Unmarshal(data, &out); uErr != nil {
			return errors.Wrap(uErr, "decode user settings")
		}
		return nil
	})
	if err != nil {
		return DefaultSettings(), err
	}
	return out, nil
}

// SetOrientation переключает ориентацию.
func (s *Store) SetOrientation(userID int64, vertical bool) (Settings, error) {
	return s.update(userID, func(st *Settings) error {
		st.Vertical = vertical
		return nil
	})
}

// SetDuration задаёт длительность; допустимы только 5, 10 и 15 секунд.
func (s *Store) SetDuration(userID int64, seconds int) (Settings, error) {
	return s.update(userID, func(st *Settings) error {
		if !allowedDurations[seconds] {
			return errors.Errorf("duration %d is not allowed", seconds)
		}
		st.DurationSec = seconds
		return nil
	})
}

// SetSize задаёт качество: small или large.
func (s *Store) SetSize(userID int64, size string) (Settings, error) {
	return s.update(userID, func(st *Settings) error {
		if size != "small" && size != "large" {
			return errors.Errorf("size %q is not allowed", size)
		}
		st.Size = size
		return nil
	})
}

func (s *Store) update(userID int64, fn func(*Settings) error) (Settings, error) {
	out := DefaultSettings()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketSettings))
		if data := bucket.Get(itob(userID)); data != nil {
			if uErr := json.Unmarshal(data, &out); uErr != nil {
				return errors.Wrap(uErr, "decode user settings")
			}
		}
		if fErr := fn(&out); fErr != nil {
			return fErr
		}
		data, mErr := json.Marshal(&out)
		if mErr != nil {
			return errors.Wrap(mErr, "encode user settings")
		}
		return bucket.Put(itob(userID), data)
	})
	return out, err
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
