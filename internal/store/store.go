// Package store is the durable offline queue of readings, backed by bbolt.
//
// Layout:
//
//	readings  sortKey -> JSON QueuedReading
//	pending   sortKey -> id        (unsynced entries only)
//	index     id      -> sortKey
//	settings  name    -> value     (patient id, upload endpoint)
//
// The sort key is the canonical timestamp followed by the id, so a cursor walk
// yields readings oldest first and equal timestamps never collide.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/device"
	bolt "go.etcd.io/bbolt"
)

// DefaultFileName is the database file created inside the data directory
const DefaultFileName = "vitalsync.db"

// Persisted setting names
const (
	SettingPatientID      = "patient_id"
	SettingUploadEndpoint = "upload_endpoint"
)

var (
	bucketReadings = []byte("readings")
	bucketPending  = []byte("pending")
	bucketIndex    = []byte("index")
	bucketSettings = []byte("settings")

	queueBuckets = [][]byte{bucketReadings, bucketPending, bucketIndex}
)

var (
	ErrDuplicateID = errors.New("reading id already stored")
	ErrMissingID   = errors.New("reading id is empty")
)

// Store is safe for concurrent use. bbolt serializes writers, so appends and
// MarkUploaded never interleave inside a transaction.
type Store struct {
	db     *bolt.DB
	path   string
	logger *logrus.Logger

	hooksMu sync.Mutex
	hooks   []func()
}

// DefaultPath joins dataDir with DefaultFileName
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, DefaultFileName)
}

// Open opens or creates the database at path
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &device.StorageError{Op: "open", Err: err}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &device.StorageError{Op: "open", Err: fmt.Errorf("%s: %w", path, err)}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range append(queueBuckets, bucketSettings) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, &device.StorageError{Op: "open", Err: err}
	}

	logger.WithField("path", path).Debug("Offline store opened")
	return &Store{db: db, path: path, logger: logger}, nil
}

// Path returns the database file location
func (s *Store) Path() string {
	return s.path
}

// Close releases the database file lock
func (s *Store) Close() error {
	return s.db.Close()
}

// OnClear registers fn to run after every successful ClearAll
func (s *Store) OnClear(fn func()) {
	if fn == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func sortKey(timestamp, id string) []byte {
	return []byte(timestamp + "\x00" + id)
}

// Append adds r to the queue. The timestamp is stored in canonical form.
func (s *Store) Append(r device.QueuedReading) error {
	if r.ID == "" {
		return &device.StorageError{Op: "append", Err: ErrMissingID}
	}
	if r.PatientID == "" {
		return &device.StorageError{Op: "append", Err: device.ErrNoPatient}
	}

	ts, err := device.CanonicalTimestamp(r.Timestamp)
	if err != nil {
		return &device.StorageError{Op: "append", Err: err}
	}
	r.Timestamp = ts

	data, err := json.Marshal(r)
	if err != nil {
		return &device.StorageError{Op: "append", Err: err}
	}
	key := sortKey(ts, r.ID)

	err = s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index.Get([]byte(r.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		if err := tx.Bucket(bucketReadings).Put(key, data); err != nil {
			return err
		}
		if err := index.Put([]byte(r.ID), key); err != nil {
			return err
		}
		if r.Uploaded {
			return nil
		}
		return tx.Bucket(bucketPending).Put(key, []byte(r.ID))
	})
	if err != nil {
		return &device.StorageError{Op: "append", Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"id":         r.ID,
		"patient_id": r.PatientID,
		"timestamp":  ts,
	}).Debug("Reading queued")
	return nil
}

// ListUnsynced returns every reading not yet uploaded, oldest first
func (s *Store) ListUnsynced() ([]device.QueuedReading, error) {
	var out []device.QueuedReading

	err := s.db.View(func(tx *bolt.Tx) error {
		readings := tx.Bucket(bucketReadings)
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			data := readings.Get(k)
			if data == nil {
				return fmt.Errorf("pending key %q has no record", k)
			}
			var r device.QueuedReading
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, &device.StorageError{Op: "list_unsynced", Err: err}
	}
	return out, nil
}

// ListAll returns every stored reading, uploaded or not, oldest first
func (s *Store) ListAll() ([]device.QueuedReading, error) {
	var out []device.QueuedReading

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReadings).ForEach(func(k, v []byte) error {
			var r device.QueuedReading
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, &device.StorageError{Op: "list_all", Err: err}
	}
	return out, nil
}

// MarkUploaded flags ids as uploaded in one transaction and returns how many
// changed. Unknown and already-uploaded ids are skipped, so repeating a call is harmless.
func (s *Store) MarkUploaded(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	marked := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		readings := tx.Bucket(bucketReadings)
		pending := tx.Bucket(bucketPending)
		index := tx.Bucket(bucketIndex)

		for _, id := range ids {
			key := index.Get([]byte(id))
			if key == nil || pending.Get(key) == nil {
				continue
			}

			var r device.QueuedReading
			if err := json.Unmarshal(readings.Get(key), &r); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			r.Uploaded = true
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}

			// bbolt keys returned by Get are only valid for the transaction; copy before mutating
			k := append([]byte(nil), key...)
			if err := readings.Put(k, data); err != nil {
				return err
			}
			if err := pending.Delete(k); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, &device.StorageError{Op: "mark_uploaded", Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"requested": len(ids),
		"marked":    marked,
	}).Debug("Readings marked uploaded")
	return marked, nil
}

// ClearAll deletes every reading, synced or not, then runs the OnClear hooks.
// Settings survive.
func (s *Store) ClearAll() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range queueBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &device.StorageError{Op: "clear", Err: err}
	}

	s.hooksMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	s.logger.Info("Reading history cleared")
	return nil
}

// Counts returns the number of stored and of unsynced readings
func (s *Store) Counts() (total, pending int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		total = tx.Bucket(bucketReadings).Stats().KeyN
		pending = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, 0, &device.StorageError{Op: "counts", Err: err}
	}
	return total, pending, nil
}

// Setting returns a persisted setting
func (s *Store) Setting(name string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(name)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, &device.StorageError{Op: "setting", Err: err}
	}
	return value, found, nil
}

// PutSetting persists a setting. An empty value removes it.
func (s *Store) PutSetting(name, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if value == "" {
			return b.Delete([]byte(name))
		}
		return b.Put([]byte(name), []byte(value))
	})
	if err != nil {
		return &device.StorageError{Op: "put_setting", Err: err}
	}
	return nil
}
