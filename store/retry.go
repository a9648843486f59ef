package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetryAttempts is the total number of attempts per
	// operation, the first try included.
	DefaultRetryAttempts = 3

	// DefaultRetryBackoff is the delay before the first retry; each
	// further retry doubles it.
	DefaultRetryBackoff = 50 * time.Millisecond
)

// RetryStore decorates a Store with bounded retry and exponential
// backoff on transient failures. ErrNotFound is never retried: absence
// is an answer, not a failure. Exhausted retries surface the last
// underlying error so the session can escalate it.
type RetryStore struct {
	inner    Store
	attempts int
	backoff  time.Duration

	// sleep is swappable for deterministic tests.
	sleep func(time.Duration)
}

// NewRetryStore wraps inner with default retry parameters.
func NewRetryStore(inner Store) *RetryStore {
	return &RetryStore{
		inner:    inner,
		attempts: DefaultRetryAttempts,
		backoff:  DefaultRetryBackoff,
		sleep:    time.Sleep,
	}
}

// NewRetryStoreWithPolicy wraps inner with explicit retry parameters.
func NewRetryStoreWithPolicy(inner Store, attempts int, backoff time.Duration) *RetryStore {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryStore{
		inner:    inner,
		attempts: attempts,
		backoff:  backoff,
		sleep:    time.Sleep,
	}
}

func (s *RetryStore) retry(op string, fn func() error) error {
	var err error
	delay := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == s.attempts {
			break
		}
		logrus.WithFields(logrus.Fields{
			"function": "retry",
			"op":       op,
			"attempt":  attempt,
			"backoff":  delay,
			"error":    err.Error(),
		}).Warn("Store operation failed, retrying")
		s.sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("store %s failed after %d attempts: %w", op, s.attempts, err)
}

// GetChunk retries transient read failures.
func (s *RetryStore) GetChunk(fileID string, index uint64) ([]byte, error) {
	var data []byte
	err := s.retry("get_chunk", func() error {
		var err error
		data, err = s.inner.GetChunk(fileID, index)
		return err
	})
	return data, err
}

// PutChunk retries transient write failures.
func (s *RetryStore) PutChunk(fileID string, index uint64, data []byte) error {
	return s.retry("put_chunk", func() error {
		return s.inner.PutChunk(fileID, index, data)
	})
}

// GetFileRecord retries transient read failures.
func (s *RetryStore) GetFileRecord(fileID string) (*FileRecord, error) {
	var rec *FileRecord
	err := s.retry("get_file_record", func() error {
		var err error
		rec, err = s.inner.GetFileRecord(fileID)
		return err
	})
	return rec, err
}

// PutFileRecord retries transient write failures.
func (s *RetryStore) PutFileRecord(rec *FileRecord) error {
	return s.retry("put_file_record", func() error {
		return s.inner.PutFileRecord(rec)
	})
}

// DeleteFile retries transient failures.
func (s *RetryStore) DeleteFile(fileID string) error {
	return s.retry("delete_file", func() error {
		return s.inner.DeleteFile(fileID)
	})
}
