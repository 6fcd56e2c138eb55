package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	bucketClient = "client"
	keyDeviceID  = "usage_device_id"

	lockTimeout = 2 * time.Second
)

// IsLocked reports whether err means another process holds the state file.
func IsLocked(err error) bool {
	return errors.Is(err, bbolt.ErrTimeout)
}

// DeviceStore persists the installation's device id in a bbolt file so it
// survives restarts.
type DeviceStore struct {
	db *bbolt.DB
}

// OpenDeviceStore opens or creates the state file at path.
func OpenDeviceStore(path string) (*DeviceStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketClient))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketClient, err)
	}

	return &DeviceStore{db: db}, nil
}

// DeviceID returns the stored device id, generating and persisting a new
// random one on first use.
func (s *DeviceStore) DeviceID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketClient))
		if existing := strings.TrimSpace(string(bucket.Get([]byte(keyDeviceID)))); existing != "" {
			id = existing
			return nil
		}
		id = uuid.NewString()
		return bucket.Put([]byte(keyDeviceID), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	return id, nil
}

func (s *DeviceStore) Close() error {
	return s.db.Close()
}

// LoadDeviceID opens the store at path, reads or creates the id and closes
// the file again.
func LoadDeviceID(path string) (string, error) {
	store, err := OpenDeviceStore(path)
	if err != nil {
		return "", err
	}
	defer store.Close()
	return store.DeviceID()
}
