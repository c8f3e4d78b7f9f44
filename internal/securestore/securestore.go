// Package securestore holds the credential pair at rest, sealed under a
// device-scoped key. The refresh coordinator is the only writer.
package securestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/lumehealth/lume-sync/internal/model"
)

// ErrNoCredentials indicates no token pair is stored (logged out).
var ErrNoCredentials = errors.New("no stored credentials")

// Store is the opaque credential store the coordinator writes to.
type Store interface {
	// Get returns the current token pair or ErrNoCredentials.
	Get(ctx context.Context) (model.Tokens, error)
	// Set atomically replaces the token pair.
	Set(ctx context.Context, t model.Tokens) error
	// Clear removes the pair (logout).
	Clear(ctx context.Context) error
}

const keyLen = 32

// FileStore seals the pair with XChaCha20-Poly1305 under a key derived from
// the device secret via HKDF-SHA256.
type FileStore struct {
	path string
	key  []byte
}

// NewFileStore derives the sealing key and returns a store writing to path.
func NewFileStore(path string, deviceSecret []byte) (*FileStore, error) {
	if len(deviceSecret) == 0 {
		return nil, errors.New("empty device secret")
	}
	r := hkdf.New(sha256.New, deviceSecret, nil, []byte("lume-sync/credentials"))
	key := make([]byte, keyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return &FileStore{path: path, key: key}, nil
}

type tokenFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Get unseals and returns the stored pair.
func (s *FileStore) Get(_ context.Context) (model.Tokens, error) {
	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.Tokens{}, ErrNoCredentials
	}
	if err != nil {
		return model.Tokens{}, err
	}
	plain, err := open(s.key, sealed)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("unseal credentials: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(plain, &tf); err != nil {
		return model.Tokens{}, err
	}
	if tf.AccessToken == "" {
		return model.Tokens{}, ErrNoCredentials
	}
	return model.Tokens{
		AccessToken:  tf.AccessToken,
		RefreshToken: tf.RefreshToken,
		ExpiresAt:    tf.ExpiresAt,
	}, nil
}

// Set seals and writes the pair via a temp-file rename, so a crash mid-write
// never leaves a torn credential file.
func (s *FileStore) Set(_ context.Context, t model.Tokens) error {
	plain, err := json.Marshal(tokenFile{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
	})
	if err != nil {
		return err
	}
	sealed, err := seal(s.key, plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the credential file.
func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

func open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}
