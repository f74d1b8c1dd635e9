// Package filerepo persists credential slots in a single file readable only by
// the current user. With a passphrase the slots are sealed with
// XChaCha20-Poly1305 under an Argon2id-derived key.
package filerepo

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/credentials"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileVersion = 1
	fileMode    = 0o600
	saltLength  = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var additionalData = []byte("go-auth-client/credentials/v1")

// ErrDecrypt is returned when the file cannot be opened with the configured passphrase.
var ErrDecrypt = errors.New("filerepo: cannot decrypt credential file")

var _ credentials.Repo = (*Repo)(nil)

type slotRecord struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type envelope struct {
	Version int                   `json:"version"`
	Salt    []byte                `json:"salt,omitempty"`
	Nonce   []byte                `json:"nonce,omitempty"`
	Sealed  []byte                `json:"sealed,omitempty"`
	Slots   map[string]slotRecord `json:"slots,omitempty"`
}

// Repo is a file-backed credentials.Repo.
type Repo struct {
	path       string
	passphrase []byte

	mu   sync.Mutex
	salt []byte
	key  []byte
}

type Option func(*Repo)

// WithPassphrase enables sealing of the slot data.
func WithPassphrase(passphrase string) Option {
	return func(r *Repo) {
		if passphrase != "" {
			r.passphrase = []byte(passphrase)
		}
	}
}

// New creates a repo at path, creating parent directories as needed.
func New(path string, options ...Option) (*Repo, error) {
	if path == "" {
		return nil, errors.New("filerepo: path is required")
	}
	r := &Repo{path: path}
	for _, opt := range options {
		opt(r)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("filerepo: create directory: %w", err)
	}
	return r, nil
}

// Put writes all slots in one atomic file replacement.
func (r *Repo) Put(slots ...credentials.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load()
	if err != nil {
		return err
	}
	for _, s := range slots {
		if s.Name == "" {
			return errors.New("filerepo: slot name cannot be empty")
		}
		current[s.Name] = slotRecord{Value: s.Value, ExpiresAt: s.ExpiresAt}
	}
	return r.save(current)
}

// Get returns the named slot.
func (r *Repo) Get(name string) (*credentials.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := current[name]
	if !ok {
		return nil, credentials.ErrSlotNotFound
	}
	return &credentials.Slot{Name: name, Value: rec.Value, ExpiresAt: rec.ExpiresAt}, nil
}

// GetAll returns the named slots from a single read of the file.
func (r *Repo) GetAll(names ...string) (map[string]credentials.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]credentials.Slot, len(names))
	for _, name := range names {
		if rec, ok := current[name]; ok {
			out[name] = credentials.Slot{Name: name, Value: rec.Value, ExpiresAt: rec.ExpiresAt}
		}
	}
	return out, nil
}

// Delete removes the named slots. The file is removed once it holds no slots.
func (r *Repo) Delete(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load()
	if err != nil {
		// an unreadable file is deleted outright so a cleared session never lingers
		if errors.Is(err, ErrDecrypt) {
			return r.remove()
		}
		return err
	}
	for _, name := range names {
		delete(current, name)
	}
	if len(current) == 0 {
		return r.remove()
	}
	return r.save(current)
}

func (r *Repo) remove() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filerepo: remove: %w", err)
	}
	return nil
}

func (r *Repo) load() (map[string]slotRecord, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]slotRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("filerepo: read: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("filerepo: decode: %w", err)
	}
	if env.Version != fileVersion {
		return nil, fmt.Errorf("filerepo: unsupported file version %d", env.Version)
	}

	if env.Sealed == nil {
		if r.passphrase != nil && len(env.Slots) > 0 {
			return nil, fmt.Errorf("%w: file is not sealed", ErrDecrypt)
		}
		if env.Slots == nil {
			env.Slots = make(map[string]slotRecord)
		}
		return env.Slots, nil
	}

	if r.passphrase == nil {
		return nil, fmt.Errorf("%w: no passphrase configured", ErrDecrypt)
	}
	aead, err := r.aead(env.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, env.Nonce, env.Sealed, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	slots := make(map[string]slotRecord)
	if err := json.Unmarshal(plain, &slots); err != nil {
		return nil, fmt.Errorf("filerepo: decode slots: %w", err)
	}
	return slots, nil
}

func (r *Repo) save(slots map[string]slotRecord) error {
	env := envelope{Version: fileVersion}

	if r.passphrase == nil {
		env.Slots = slots
	} else {
		if r.salt == nil {
			r.salt = make([]byte, saltLength)
			if _, err := rand.Read(r.salt); err != nil {
				return fmt.Errorf("filerepo: salt: %w", err)
			}
		}
		aead, err := r.aead(r.salt)
		if err != nil {
			return err
		}
		plain, err := json.Marshal(slots)
		if err != nil {
			return fmt.Errorf("filerepo: encode slots: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("filerepo: nonce: %w", err)
		}
		env.Salt = r.salt
		env.Nonce = nonce
		env.Sealed = aead.Seal(nil, nonce, plain, additionalData)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("filerepo: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("filerepo: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("filerepo: chmod: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("filerepo: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filerepo: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("filerepo: rename: %w", err)
	}
	return nil
}

// aead derives the key for salt, caching it for the salt last seen.
func (r *Repo) aead(salt []byte) (cipher.AEAD, error) {
	if len(salt) != saltLength {
		return nil, fmt.Errorf("%w: bad salt", ErrDecrypt)
	}
	if r.key == nil || string(r.salt) != string(salt) {
		r.key = argon2.IDKey(r.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
		r.salt = append([]byte(nil), salt...)
	}
	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return nil, fmt.Errorf("filerepo: cipher: %w", err)
	}
	return aead, nil
}
