// Package keyring provides secure storage for access keys.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yllada/proxy-tunnel/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "proxy-tunnel"
	probeKey    = "proxy-tunnel-probe"
)

// Keyring stores access keys by name. It implements common.CredentialStore.
type Keyring struct {
	service string
	path    string
	secret  []byte
	logger  common.Logger

	once     sync.Once
	mu       sync.RWMutex
	useLocal bool
	local    map[string]string
}

var _ common.CredentialStore = (*Keyring)(nil)

// New returns a keyring for the current user. The storage backend is
// chosen on first use.
func New() *Keyring {
	path, err := common.ConfigFile(common.CredentialsFileName)
	if err != nil {
		path = common.CredentialsFileName
	}
	return newKeyring(serviceName, path, machineSecret())
}

func newKeyring(service, path string, secret []byte) *Keyring {
	return &Keyring{
		service: service,
		path:    path,
		secret:  secret,
		logger:  common.NewComponentLogger("keyring"),
	}
}

// machineSecret derives the fallback file key from machine-specific data.
func machineSecret() []byte {
	hostname, _ := os.Hostname()
	machineID := "default-machine-id"
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		machineID = strings.TrimSpace(string(data))
	}
	return []byte(fmt.Sprintf("%s-%s-%s-%d", serviceName, hostname, machineID, os.Getuid()))
}

func (k *Keyring) init() {
	k.once.Do(func() {
		err := keyring.Set(k.service, probeKey, "probe")
		if err == nil {
			_ = keyring.Delete(k.service, probeKey)
			return
		}
		k.logger.Warn("system keyring unavailable, using %s: %v", k.path, err)
		k.switchToLocal()
	})
}

func (k *Keyring) switchToLocal() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.useLocal {
		return
	}
	k.useLocal = true
	k.local = make(map[string]string)

	data, err := os.ReadFile(k.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			k.logger.Warn("cannot read %s: %v", k.path, err)
		}
		return
	}
	plaintext, err := k.decrypt(data)
	if err != nil {
		k.logger.Warn("ignoring unreadable credentials file: %v", err)
		return
	}
	if err := json.Unmarshal(plaintext, &k.local); err != nil {
		k.logger.Warn("ignoring corrupt credentials file: %v", err)
		k.local = make(map[string]string)
	}
}

func (k *Keyring) isLocal() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.useLocal
}

// saveLocal writes the fallback file. Callers hold k.mu.
func (k *Keyring) saveLocal() error {
	data, err := json.Marshal(k.local)
	if err != nil {
		return err
	}
	encrypted, err := k.encrypt(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(k.path, encrypted, 0600)
}

func (k *Keyring) fileKey() []byte {
	sum := sha256.Sum256(k.secret)
	return sum[:]
}

func (k *Keyring) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.fileKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (k *Keyring) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	aead, err := chacha20poly1305.NewX(k.fileKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	return plaintext, nil
}

// Store saves an access key under name.
func (k *Keyring) Store(name, accessKey string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if accessKey == "" {
		return errors.New("access key cannot be empty")
	}
	k.init()

	if !k.isLocal() {
		err := keyring.Set(k.service, name, accessKey)
		if err == nil {
			return nil
		}
		k.logger.Warn("system keyring rejected %q, using %s: %v", name, k.path, err)
		k.switchToLocal()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.local[name] = accessKey
	return k.saveLocal()
}

// Get retrieves the access key stored under name.
func (k *Keyring) Get(name string) (string, error) {
	if name == "" {
		return "", errors.New("name cannot be empty")
	}
	k.init()

	if !k.isLocal() {
		accessKey, err := keyring.Get(k.service, name)
		if err == nil {
			return accessKey, nil
		}
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%q: %w", name, common.ErrCredentialsNotFound)
		}
		return "", fmt.Errorf("reading %q from system keyring: %w", name, err)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	accessKey, ok := k.local[name]
	if !ok {
		return "", fmt.Errorf("%q: %w", name, common.ErrCredentialsNotFound)
	}
	return accessKey, nil
}

// Delete removes the access key stored under name. Deleting a missing
// name is not an error.
func (k *Keyring) Delete(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	k.init()

	if !k.isLocal() {
		err := keyring.Delete(k.service, name)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting %q from system keyring: %w", name, err)
		}
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.local[name]; !ok {
		return nil
	}
	delete(k.local, name)
	return k.saveLocal()
}

// Exists checks if an access key is stored under name.
func (k *Keyring) Exists(name string) bool {
	_, err := k.Get(name)
	return err == nil
}
