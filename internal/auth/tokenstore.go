package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "inbox-ledger"

var ErrNoToken = errors.New("no stored token")

// TokenStore persists OAuth tokens by account name
type TokenStore interface {
	Load(name string) (*oauth2.Token, error)
	Save(name string, tok *oauth2.Token) error
	Delete(name string) error
}

// KeyringStore keeps tokens in the OS keyring, falling back to an encrypted file
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring. fileDir and filePassword configure the file backend.
func OpenKeyring(fileDir, filePassword string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an open keyring
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (s *KeyringStore) Load(name string) (*oauth2.Token, error) {
	item, err := s.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %q: %w", name, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token %q: %w", name, err)
	}
	return &tok, nil
}

func (s *KeyringStore) Save(name string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token %q: %w", name, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         name,
		Data:        data,
		Label:       serviceName + " " + name,
		Description: "OAuth token",
	})
	if err != nil {
		return fmt.Errorf("setting token %q: %w", name, err)
	}
	return nil
}

func (s *KeyringStore) Delete(name string) error {
	err := s.ring.Remove(name)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token %q: %w", name, err)
	}
	return nil
}

var _ TokenStore = (*KeyringStore)(nil)
