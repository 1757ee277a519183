// Package fieldcrypt provides authenticated field-level encryption with
// versioned keys, used to protect sensitive values at rest.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	algorithm      = "aes-256-gcm"
	keyLength      = 32
	nonceLength    = 12
	saltLength     = 32
	kdfIterations  = 120_000
	defaultKeyAge  = 90 * 24 * time.Hour
	versionSaltFmt = "clinicore/fieldcrypt/key/v%d"
)

// ErrCrypto is the sentinel wrapped by every Error returned from this package.
var ErrCrypto = errors.New("fieldcrypt: operation failed")

// Error describes a failed cryptographic operation. A failed operation never
// yields partial plaintext or ciphertext.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fieldcrypt: %s failed", e.Op)
	}
	return fmt.Sprintf("fieldcrypt: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return ErrCrypto }

func opErr(op string, err error) error { return &Error{Op: op, Err: err} }

// EncryptedData is the persisted ciphertext record. It is one of the two
// structures that must round-trip through storage field-for-field.
type EncryptedData struct {
	Data      []byte    `json:"data"`
	IV        []byte    `json:"iv"`
	Salt      []byte    `json:"salt"`
	Version   int       `json:"version"`
	Algorithm string    `json:"algorithm"`
	Timestamp time.Time `json:"timestamp"`
}

// Service derives and caches versioned keys and performs authenticated
// encryption with them. It exclusively owns key derivation state.
type Service struct {
	masterSecret []byte
	rotationAge  time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	current  int
	keys     map[int][]byte
	versions map[int]time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithRotationAge overrides the key age after which ShouldRotateKeys reports true.
func WithRotationAge(age time.Duration) Option {
	return func(s *Service) {
		if age > 0 {
			s.rotationAge = age
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs a Service from the process-wide master secret.
func New(masterSecret string, opts ...Option) (*Service, error) {
	if masterSecret == "" {
		return nil, opErr("init", errors.New("master secret is required"))
	}
	s := &Service{
		masterSecret: []byte(masterSecret),
		rotationAge:  defaultKeyAge,
		now:          time.Now,
		current:      1,
		keys:         map[int][]byte{},
		versions:     map[int]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.versions[1] = s.now().UTC()
	return s, nil
}

// CurrentVersion returns the key version new ciphertexts are produced with.
func (s *Service) CurrentVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// keyFor derives (and caches) the key for a version. The derivation salt is
// deterministic per version so every process derives identical keys.
func (s *Service) keyFor(version int) ([]byte, error) {
	if version <= 0 {
		return nil, opErr("derive", fmt.Errorf("unknown key version %d", version))
	}
	s.mu.RLock()
	key, ok := s.keys[version]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	versionSalt := sha256.Sum256([]byte(fmt.Sprintf(versionSaltFmt, version)))
	key = pbkdf2.Key(s.masterSecret, versionSalt[:], kdfIterations, keyLength, sha256.New)

	s.mu.Lock()
	s.keys[version] = key
	s.mu.Unlock()
	return key, nil
}

// Encrypt seals plaintext under the given key version (0 means current).
// Every call draws a fresh nonce and salt, so identical plaintexts never
// produce identical records.
func (s *Service) Encrypt(plaintext []byte, keyVersion int) (EncryptedData, error) {
	if keyVersion == 0 {
		keyVersion = s.CurrentVersion()
	}
	s.mu.RLock()
	_, known := s.versions[keyVersion]
	s.mu.RUnlock()
	if !known {
		return EncryptedData{}, opErr("encrypt", fmt.Errorf("unknown key version %d", keyVersion))
	}

	key, err := s.keyFor(keyVersion)
	if err != nil {
		return EncryptedData{}, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return EncryptedData{}, opErr("encrypt", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedData{}, opErr("encrypt", err)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return EncryptedData{}, opErr("encrypt", err)
	}

	// The salt is bound to the record as additional authenticated data, so a
	// spliced salt fails authentication on decrypt.
	sealed := aead.Seal(nil, nonce, plaintext, salt)
	return EncryptedData{
		Data:      sealed,
		IV:        nonce,
		Salt:      salt,
		Version:   keyVersion,
		Algorithm: algorithm,
		Timestamp: s.now().UTC(),
	}, nil
}

// Decrypt opens a record produced by Encrypt, selecting the key by the
// version embedded in it. The plaintext is always a fresh copy.
func (s *Service) Decrypt(enc EncryptedData) ([]byte, error) {
	if enc.Algorithm != algorithm {
		return nil, opErr("decrypt", fmt.Errorf("unsupported algorithm %q", enc.Algorithm))
	}
	if len(enc.IV) != nonceLength {
		return nil, opErr("decrypt", errors.New("malformed nonce"))
	}
	key, err := s.keyFor(enc.Version)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, opErr("decrypt", err)
	}
	plaintext, err := aead.Open(nil, enc.IV, enc.Data, enc.Salt)
	if err != nil {
		return nil, opErr("decrypt", errors.New("ciphertext authentication failed"))
	}
	return plaintext, nil
}

// ReEncrypt decrypts a record and seals the same plaintext under newVersion
// (0 means current). Used during key rotation sweeps.
func (s *Service) ReEncrypt(enc EncryptedData, newVersion int) (EncryptedData, error) {
	plaintext, err := s.Decrypt(enc)
	if err != nil {
		return EncryptedData{}, err
	}
	return s.Encrypt(plaintext, newVersion)
}

// RotateKeys activates a fresh key version and returns it. Prior versions
// remain decryptable indefinitely.
func (s *Service) RotateKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
	s.versions[s.current] = s.now().UTC()
	return s.current
}

// ShouldRotateKeys reports whether the active version is older than the
// configured rotation age.
func (s *Service) ShouldRotateKeys() bool {
	s.mu.RLock()
	created := s.versions[s.current]
	s.mu.RUnlock()
	return s.now().Sub(created) >= s.rotationAge
}

// Hash computes a hex-encoded SHA-256 digest.
func (s *Service) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether digest matches data, in constant time.
func (s *Service) VerifyHash(data []byte, digest string) bool {
	expected := s.Hash(data)
	if len(expected) != len(digest) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
