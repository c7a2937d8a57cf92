package keystore

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

const secretBucket = "secrets"

// BoltStore provides a BoltDB-backed keystore with values sealed at rest.
type BoltStore struct {
	db        *bbolt.DB
	masterKey []byte
}

// Open opens a BoltDB-backed keystore at the provided path. The master key
// must be 32 bytes; it is supplied by the embedding application (derived
// from platform-level secure storage, outside this core's scope).
func Open(path string, masterKey []byte) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("keystore path is required")
	}
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", chacha20poly1305.KeySize)
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open keystore db: %w", err)
	}

	store := &BoltStore{db: db, masterKey: append([]byte(nil), masterKey...)}
	if err := store.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(secretBucket))
		if err != nil {
			return fmt.Errorf("create secrets bucket: %w", err)
		}
		return nil
	})
}

// Save seals the value under the master key and persists it.
func (s *BoltStore) Save(key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}

	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("seal value: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(secretBucket))
		if bucket == nil {
			return fmt.Errorf("secrets bucket missing")
		}
		return bucket.Put([]byte(key), sealed)
	})
}

// Load unseals and returns the value stored under key.
func (s *BoltStore) Load(key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key is required")
	}

	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(secretBucket))
		if bucket == nil {
			return fmt.Errorf("secrets bucket missing")
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		sealed = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	value, err := s.unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal value: %w", err)
	}
	return value, nil
}

// Delete removes the entry stored under key. Deleting a missing key is not
// an error.
func (s *BoltStore) Delete(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(secretBucket))
		if bucket == nil {
			return fmt.Errorf("secrets bucket missing")
		}
		return bucket.Delete([]byte(key))
	})
}

// seal encrypts plaintext with a random nonce prefix.
func (s *BoltStore) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// unseal decrypts a nonce-prefixed ciphertext.
func (s *BoltStore) unseal(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.masterKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

var _ Store = (*BoltStore)(nil)
