// Package storage — утилиты безопасной работы с локальным хранилищем.
// Здесь собраны примитивы, на которых держится вся персистентность бота:
//   - EnsureDir / AtomicWriteFile — атомарная запись служебных файлов;
//   - Open — открытие bbolt-базы с гарантией наличия каталога и бакетов.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultFilePerm — права на служебные файлы (cookies, база). Только владелец:
// в файлах лежат живые авторизационные куки доноров.
const DefaultFilePerm = 0o600

// openTimeout ограничивает ожидание файловой блокировки bbolt, чтобы второй
// экземпляр процесса падал с понятной ошибкой, а не висел.
const openTimeout = 5 * time.Second

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает байты в файл path: temp в той же
// директории → write → fsync → chmod → rename. Либо старый файл остаётся цел,
// либо новый записан полностью. os.Rename атомарен в пределах одного тома.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(DefaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Open открывает (или создаёт) bbolt-базу по указанному пути и гарантирует
// существование перечисленных бакетов. Закрытие — обязанность вызывающего.
func Open(path string, buckets ...string) (*bbolt.DB, error) {
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Clean(path), DefaultFilePerm, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	if len(buckets) > 0 {
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range buckets {
				if _, bErr := tx.CreateBucketIfNotExists([]byte(name)); bErr != nil {
					return fmt.Errorf("create bucket %s: %w", name, bErr)
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
