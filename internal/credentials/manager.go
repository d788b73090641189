// Package credentials supplies platform credentials at process start. Values
// come from the environment, the config file or an AES-GCM encrypted local
// store, in that order.
package credentials

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/term"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
)

const (
	saltSize         = 16
	keySize          = 32
	pbkdf2Iterations = 100000
)

var ErrNotFound = errors.New("no credentials configured")

type Option func(*Store)

// WithPassphrase derives the store key from a passphrase instead of a key file.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) { s.passphrase = passphrase }
}

// Store is an encrypted credentials file keyed by platform name.
type Store struct {
	path       string
	passphrase string
	logger     *logger.Logger

	mu      sync.RWMutex
	entries map[string]core.Credentials
}

type storedCredentials struct {
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret"`
}

// DefaultPath is ~/.chimera/credentials.enc.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chimera", "credentials.enc"), nil
}

func NewStore(path string, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		path:    path,
		logger:  log.WithComponent("credentials"),
		entries: make(map[string]core.Credentials),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credentials implements core.SecretSource from the stored entries only.
func (s *Store) Credentials(platform string) (core.Credentials, error) {
	s.mu.RLock()
	creds, ok := s.entries[normalize(platform)]
	s.mu.RUnlock()

	if !ok || creds.Secret == "" {
		return core.Credentials{}, fmt.Errorf("%w for platform %q in %s", ErrNotFound, platform, s.path)
	}
	return creds, nil
}

func (s *Store) Set(platform string, creds core.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[normalize(platform)] = creds
}

func (s *Store) Delete(platform string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[normalize(platform)]
	delete(s.entries, normalize(platform))
	return ok
}

// Platforms lists the platforms with stored credentials, sorted.
func (s *Store) Platforms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Load reads and decrypts the store. A missing file is an empty store.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debugw("No credentials store found", "path", s.path)
			return nil
		}
		return fmt.Errorf("failed to read credentials file: %w", err)
	}
	if len(data) < saltSize {
		return fmt.Errorf("credentials file %s is truncated", s.path)
	}

	key, err := s.deriveKey(data[:saltSize], false)
	if err != nil {
		return fmt.Errorf("failed to get decryption key: %w", err)
	}
	plaintext, err := decrypt(data[saltSize:], key)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var stored map[string]storedCredentials
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p, c := range stored {
		s.entries[p] = core.Credentials{Username: c.Username, Secret: c.Secret}
	}
	s.logger.Debugw("Loaded credentials store", "path", s.path, "platforms", len(stored))
	return nil
}

// Save encrypts the store to disk with a fresh salt and nonce.
func (s *Store) Save() error {
	s.mu.RLock()
	stored := make(map[string]storedCredentials, len(s.entries))
	for p, c := range s.entries {
		stored[p] = storedCredentials{Username: c.Username, Secret: c.Secret}
	}
	s.mu.RUnlock()

	plaintext, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := s.deriveKey(salt, true)
	if err != nil {
		return fmt.Errorf("failed to get encryption key: %w", err)
	}
	ciphertext, err := encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := os.WriteFile(s.path, append(salt, ciphertext...), 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

// deriveKey stretches the passphrase, or the random key file next to the
// store when no passphrase is set.
func (s *Store) deriveKey(salt []byte, create bool) ([]byte, error) {
	material := []byte(s.passphrase)
	if len(material) == 0 {
		var err error
		if material, err = s.keyFile(create); err != nil {
			return nil, err
		}
	}
	return pbkdf2.Key(material, salt, pbkdf2Iterations, keySize, sha256.New), nil
}

func (s *Store) keyFile(create bool) ([]byte, error) {
	keyPath := filepath.Join(filepath.Dir(s.path), ".key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(key) == keySize {
			return key, nil
		}
		return nil, fmt.Errorf("key file %s is corrupt", keyPath)
	}
	if !os.IsNotExist(err) || !create {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}
	return key, nil
}

// Prompt reads a username and a secret. The secret is read without echo when
// in is a terminal.
func Prompt(in io.Reader, out io.Writer, platform string) (core.Credentials, error) {
	reader := bufio.NewReader(in)

	fmt.Fprintf(out, "%s username: ", platform)
	username, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return core.Credentials{}, fmt.Errorf("failed to read username: %w", err)
	}

	fmt.Fprintf(out, "%s API token: ", platform)
	var secret string
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return core.Credentials{}, fmt.Errorf("failed to read token: %w", err)
		}
		secret = string(raw)
	} else {
		secret, err = reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return core.Credentials{}, fmt.Errorf("failed to read token: %w", err)
		}
	}

	creds := core.Credentials{Username: strings.TrimSpace(username), Secret: strings.TrimSpace(secret)}
	if creds.Secret == "" {
		return core.Credentials{}, errors.New("token cannot be empty")
	}
	return creds, nil
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	// nonce || ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
