// Package store persists the proxy list at rest.
//
// The list is serialised to JSON and sealed with AES-256-GCM; the
// envelope on disk is a 12-byte random nonce followed by the
// ciphertext. The 32-byte key lives next to the data file and is
// generated on first use.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drsoft-oss/hydragate/internal/pool"
)

const (
	keyFile  = "hydragate.key"
	dataFile = "proxies.bin"

	keySize   = 32
	nonceSize = 12
)

// Store reads and writes the encrypted proxy list under a directory.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a Store for it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load reads and decrypts the persisted proxy list. A missing data file
// is not an error; it returns an empty list.
func (s *Store) Load() ([]pool.Proxy, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, dataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxy store: %w", err)
	}

	plaintext, err := s.open(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt proxy store: %w", err)
	}

	var proxies []pool.Proxy
	if err := json.Unmarshal(plaintext, &proxies); err != nil {
		return nil, fmt.Errorf("decode proxy store: %w", err)
	}
	return proxies, nil
}

// Save encrypts and writes the proxy list, replacing the previous file.
func (s *Store) Save(proxies []pool.Proxy) error {
	plaintext, err := json.Marshal(proxies)
	if err != nil {
		return fmt.Errorf("encode proxy store: %w", err)
	}
	envelope, err := s.seal(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt proxy store: %w", err)
	}

	path := filepath.Join(s.dir, dataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, envelope, 0o600); err != nil {
		return fmt.Errorf("write proxy store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace proxy store: %w", err)
	}
	return nil
}

// seal encrypts plaintext and prepends the random nonce.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	gcm, err := s.cipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open splits the nonce prefix off the envelope and decrypts the rest.
func (s *Store) open(envelope []byte) ([]byte, error) {
	if len(envelope) < nonceSize {
		return nil, fmt.Errorf("envelope shorter than nonce (%d bytes)", len(envelope))
	}
	gcm, err := s.cipher()
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, envelope[:nonceSize], envelope[nonceSize:], nil)
}

func (s *Store) cipher() (cipher.AEAD, error) {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// loadOrCreateKey reads the key file, generating it on first use.
func (s *Store) loadOrCreateKey() ([]byte, error) {
	path := filepath.Join(s.dir, keyFile)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("key file %s is %d bytes, want %d", path, len(key), keySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
