package generation

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// BucketJobs — бакет очереди: id (BE uint64) -> Job JSON. Порядок ключей
// совпадает с порядком постановки, поэтому выборка очередной задачи — это
// просто первый queued по курсору.
const BucketJobs = "jobs"

// Store — постоянная очередь задач поверх bbolt.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Enqueue кладёт новую задачу в конец очереди и возвращает её со
// свежеприсвоенным id.
func (s *Store) Enqueue(req Request) (*Job, error) {
	job := &Job{
		Status:    StatusQueued,
		Request:   req,
		CreatedAt: s.now().UTC(),
		UpdatedAt: s.now().UTC(),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketJobs))
		id, sErr := bucket.NextSequence()
		if sErr != nil {
			return errors.Wrap(sErr, "next job id")
		}
		job.ID = id
		data, mErr := json.Marshal(job)
		if mErr != nil {
			return errors.Wrap(mErr, "encode job")
		}
		return bucket.Put(itob(id), data)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext атомарно забирает самую старую queued-задачу: переводит её в
// running внутри той же транзакции, чтобы два воркера не взяли одну задачу.
// nil без ошибки — очередь пуста.
func (s *Store) ClaimNext() (*Job, error) {
	var claimed *Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketJobs))
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var job Job
			if json.Unmarshal(v, &job) != nil {
				continue
			}
			if job.Status != StatusQueued {
				continue
			}
			job.Status = StatusRunning
			job.UpdatedAt = s.now().UTC()
			data, mErr := json.Marshal(&job)
			if mErr != nil {
				return errors.Wrap(mErr, "encode job")
			}
			if pErr := bucket.Put(k, data); pErr != nil {
				return errors.Wrap(pErr, "store job")
			}
			claimed = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Update перезаписывает задачу, обновляя UpdatedAt. Терминальный статус в
// базе липкий: запись с нетерминальным статусом поверх терминального
// отбрасывается, а статус в переданной задаче подменяется сохранённым — так
// запоздавший прогресс воркера не воскрешает уже отменённую задачу.
func (s *Store) Update(job *Job) error {
	job.UpdatedAt = s.now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketJobs))
		if prev := bucket.Get(itob(job.ID)); prev != nil && !job.Terminal() {
			var stored Job
			if json.Unmarshal(prev, &stored) == nil && stored.Terminal() {
				job.Status = stored.Status
				return nil
			}
		}
		data, mErr := json.Marshal(job)
		if mErr != nil {
			return errors.Wrap(mErr, "encode job")
		}
		return bucket.Put(itob(job.ID), data)
	})
}

// Get возвращает задачу по id.
func (s *Store) Get(id uint64) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(BucketJobs)).Get(itob(id))
		if data == nil {
			return errors.Errorf("job %d not found", id)
		}
		var j Job
		if uErr := json.Unmarshal(data, &j); uErr != nil {
			return errors.Wrap(uErr, "decode job")
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByStatus возвращает задачи в указанных статусах в порядке постановки.
func (s *Store) ListByStatus(statuses ...Status) ([]*Job, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketJobs)).ForEach(func(_, v []byte) error {
			var job Job
			if uErr := json.Unmarshal(v, &job); uErr != nil {
				return errors.Wrap(uErr, "decode job")
			}
			if want[job.Status] {
				out = append(out, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindActiveByChat возвращает незавершённую задачу чата, если она есть.
// Страхует инвариант «одна активная генерация на чат» со стороны базы:
// карта активных чатов в памяти живёт только в пределах процесса.
func (s *Store) FindActiveByChat(chatID int64) (*Job, error) {
	var found *Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketJobs)).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var job Job
			if json.Unmarshal(v, &job) != nil {
				return nil
			}
			if job.ChatID == chatID && !job.Terminal() {
				found = &job
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// CountByStatus возвращает распределение задач по статусам (для админ-консоли).
func (s *Store) CountByStatus() (map[Status]int, error) {
	out := make(map[Status]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketJobs)).ForEach(func(_, v []byte) error {
			var job Job
			if json.Unmarshal(v, &job) != nil {
				return nil
			}
			out[job.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
